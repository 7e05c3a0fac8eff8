package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
)

func newBareContext(xid id.XID, distributed bool) *Context {
	c := &Context{
		xid:         xid,
		distributed: distributed,
		log:         zap.NewNop(),
		depOut:      make(map[id.XID]*Context),
		depIn:       make(map[id.XID]*Context),
		dlvReadyCh:  make(chan struct{}),
	}
	return c
}

func TestRegisterDependencyBlocksDownstreamUntilUpstreamReports(t *testing.T) {
	upstream := newBareContext(1, false)
	downstream := newBareContext(2, false)

	upstream.RegisterDependency(downstream)
	require.Equal(t, 1, downstream.depInCount)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	upstream.markCommitLogSynced()
	select {
	case <-upstream.dlvReadyCh:
	case <-ctx.Done():
		t.Fatal("upstream should be dlv-ready immediately: it has no incoming edges")
	}

	downstream.markCommitLogSynced()
	select {
	case <-downstream.dlvReadyCh:
		t.Fatal("downstream must not be dlv-ready before its dependency reports")
	default:
	}

	upstream.ReportDependency(context.Background())
	select {
	case <-downstream.dlvReadyCh:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("downstream should become dlv-ready once upstream reports")
	}
}

func TestRegisterDependencyRejectedAgainstTerminalState(t *testing.T) {
	upstream := newBareContext(1, false)
	upstream.state = StateCommitting
	downstream := newBareContext(2, false)

	downstream.RegisterDependency(upstream)
	require.Zero(t, upstream.depInCount)
	require.Empty(t, downstream.depOut)
}

func TestRegisterDependencyRefusesSelfEdge(t *testing.T) {
	c := newBareContext(1, false)
	c.RegisterDependency(c)
	require.Empty(t, c.depOut)
}

func TestDlvAbortPropagatesCascadeToDependents(t *testing.T) {
	upstream := newBareContext(1, false)
	downstream := newBareContext(2, false)
	upstream.cfg.GeoRepOptimize = true
	downstream.cfg.GeoRepOptimize = true

	upstream.RegisterDependency(downstream)
	require.Equal(t, 1, downstream.depInCount)

	upstream.DlvAbort()
	require.ErrorIs(t, downstream.errorCode, ec.ErrCascade)
	require.NoError(t, upstream.errorCode)
}

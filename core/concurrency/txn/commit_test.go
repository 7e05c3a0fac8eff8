package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/config"
	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []txnetwork.Envelope
}

func (r *recordingTransport) Send(ctx context.Context, addr string, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return txnetwork.Envelope{}, nil
}

func newVictimTestContext(xid id.XID, transport txnetwork.Transport) *Context {
	cfg := config.Default()
	return &Context{
		xid:         xid,
		selfNode:    1,
		coordNode:   2,
		distributed: true,
		cfg:         cfg,
		lockMgr:     lockmgr.NewGlobalLockManager(zap.NewNop()),
		transport:   transport,
		addrForNode: func(n id.NodeID) string {
			if n == 2 {
				return "node-2"
			}
			return ""
		},
		errorCode:  ec.ErrVictim,
		log:        zap.NewNop(),
		decisionCh: make(chan bool, 1),
		depOut:     make(map[id.XID]*Context),
		depIn:      make(map[id.XID]*Context),
		dlvReadyCh: make(chan struct{}),
	}
}

func TestAbortOnDistributedVictimSendsVictimNoticeToCoordinator(t *testing.T) {
	rt := &recordingTransport{}
	c := newVictimTestContext(42, rt)

	resp := c.abort(context.Background())
	require.ErrorIs(t, resp.Err, ec.ErrVictim)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.sent, 1)
	require.Equal(t, txnetwork.KindVictim, rt.sent[0].Kind)
	require.Equal(t, float64(42), rt.sent[0].Fields["xid"])
	require.Equal(t, float64(2), rt.sent[0].Fields["dest"])
}

func TestAbortOnNonVictimDistributedErrorSkipsVictimNotice(t *testing.T) {
	rt := &recordingTransport{}
	c := newVictimTestContext(43, rt)
	c.errorCode = ec.ErrTxAbort

	_ = c.abort(context.Background())

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Empty(t, rt.sent)
}

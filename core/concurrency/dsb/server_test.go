package dsb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardtx/txcore/core/concurrency/ec"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
)

func TestHandlerServesCachedRowAndReportsMissAsNotFound(t *testing.T) {
	am := NewAccessManager()
	am.Put(Key{Table: 1, Shard: 0, Tuple: 42}, []byte("v"))
	h := am.Handler()

	reply, err := h(context.Background(), txnetwork.Envelope{
		Kind: txnetwork.KindReadRequest,
		Fields: map[string]any{
			"xid": float64(1), "oid": float64(1),
			"table_id": float64(1), "shard_id": float64(0), "tuple_id": float64(42),
		},
	})
	require.NoError(t, err)
	require.Equal(t, float64(ec.OK), reply.Fields["error_code"])
	require.Equal(t, "v", reply.Fields["tuple_row"])

	reply, err = h(context.Background(), txnetwork.Envelope{
		Kind: txnetwork.KindReadRequest,
		Fields: map[string]any{
			"xid": float64(2), "oid": float64(1),
			"table_id": float64(1), "shard_id": float64(0), "tuple_id": float64(99),
		},
	})
	require.NoError(t, err)
	require.Equal(t, float64(ec.NotFoundError), reply.Fields["error_code"])
}

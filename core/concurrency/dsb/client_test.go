package dsb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/transaction"
)

func TestAccessManagerGetPutDelete(t *testing.T) {
	am := NewAccessManager()
	k := Key{Table: 1, Shard: 1, Tuple: 42}

	_, ok := am.Get(k)
	require.False(t, ok)

	am.Put(k, []byte("v1"))
	got, ok := am.Get(k)
	require.True(t, ok)
	require.Equal(t, "v1", string(got))

	am.Delete(k)
	_, ok = am.Get(k)
	require.False(t, ok)
}

func TestClientReadReturnsTupleOnHit(t *testing.T) {
	srv := txnetwork.NewServer()
	srv.Register(txnetwork.KindReadRequest, func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		return txnetwork.Envelope{
			Kind: txnetwork.KindReadResponse,
			Fields: map[string]any{
				"xid":        msg.Fields["xid"],
				"oid":        msg.Fields["oid"],
				"error_code": float64(ec.OK),
				"tuple_row":  "v",
			},
		}, nil
	})
	ft := txnetwork.NewFakeTransport()
	ft.Listen("dsb-1:9000", srv)

	c := NewClient(ft, func(transaction.ShardID) string { return "dsb-1:9000" }, id.NodeID(1))
	res := c.Read(context.Background(), id.XID(1), transaction.OID(1), 0, transaction.TableID(1), transaction.ShardID(0), transaction.TupleID(42))
	require.NoError(t, res.Err)
	require.Equal(t, "v", string(res.Tuple))
}

func TestClientReadReturnsNotFound(t *testing.T) {
	srv := txnetwork.NewServer()
	srv.Register(txnetwork.KindReadRequest, func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		return txnetwork.Envelope{Kind: txnetwork.KindReadResponse, Fields: map[string]any{"error_code": float64(ec.NotFoundError)}}, nil
	})
	ft := txnetwork.NewFakeTransport()
	ft.Listen("dsb-1:9000", srv)

	c := NewClient(ft, func(transaction.ShardID) string { return "dsb-1:9000" }, id.NodeID(1))
	res := c.Read(context.Background(), id.XID(2), transaction.OID(1), 0, transaction.TableID(1), transaction.ShardID(0), transaction.TupleID(7))
	require.ErrorIs(t, res.Err, ec.ErrNotFound)
}

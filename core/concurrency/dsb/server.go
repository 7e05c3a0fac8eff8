package dsb

import (
	"context"

	"github.com/shardtx/txcore/core/concurrency/ec"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/transaction"
)

// Handler answers a C2D_READ_DATA_REQ against am, the way this node serves
// rows for shards it owns to a remote RM's Client.Read (spec.md §6). A miss
// is reported as NotFoundError rather than fetching further upstream: this
// module's scope stops at the in-memory access layer it owns (spec.md §1
// "the data storage broker itself" is out of scope).
func (am *AccessManager) Handler() txnetwork.Handler {
	return func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		table, _ := msg.Fields["table_id"].(float64)
		shard, _ := msg.Fields["shard_id"].(float64)
		tuple, _ := msg.Fields["tuple_id"].(float64)
		key := Key{Table: transaction.TableID(table), Shard: transaction.ShardID(shard), Tuple: transaction.TupleID(tuple)}

		reply := txnetwork.Envelope{
			Kind: txnetwork.KindReadResponse,
			Fields: map[string]any{
				"xid": msg.Fields["xid"],
				"oid": msg.Fields["oid"],
			},
		}
		row, ok := am.Get(key)
		if !ok {
			reply.Fields["error_code"] = float64(ec.NotFoundError)
			return reply, nil
		}
		reply.Fields["error_code"] = float64(ec.OK)
		reply.Fields["tuple_row"] = string(row)
		return reply, nil
	}
}

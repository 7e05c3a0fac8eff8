package dsb

import (
	"context"
	"fmt"
	"time"

	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/transaction"
)

// ReadResult is the outcome of a remote row fetch: the tuple's post-image
// (nil if NotFound) and the latency the DSB reported, used to populate a
// transaction's trace buffer (spec.md's D2C_READ_DATA_RESP "latency_read_dsb").
type ReadResult struct {
	Tuple          []byte
	Err            error
	LatencyReadDSB time.Duration
}

// Client fetches rows from the node owning a shard's data when the access
// manager misses (spec.md §4.4, §6 C2D_READ_DATA_REQ/D2C_READ_DATA_RESP).
type Client struct {
	transport txnetwork.Transport
	// addrForShard resolves the owning DSB node's address for a shard; shard
	// ownership/placement is explicitly out of this module's scope (spec.md
	// §1), so it is injected rather than computed here.
	addrForShard func(transaction.ShardID) string
	selfNode     id.NodeID
}

// NewClient returns a DSB client that routes reads through transport,
// resolving each shard's owning node with addrForShard.
func NewClient(transport txnetwork.Transport, addrForShard func(transaction.ShardID) string, self id.NodeID) *Client {
	return &Client{transport: transport, addrForShard: addrForShard, selfNode: self}
}

// Read fetches (table, shard, tuple) from its owning DSB node on behalf of
// xid/oid/cno. It blocks the calling goroutine for the RPC's duration; the
// transaction drivers (txn.Context, calvin.Context) call it inline on their
// own goroutine, so that blocking call is spec.md §5's "awaiting DSB read
// response" suspension point.
func (c *Client) Read(ctx context.Context, xid id.XID, oid transaction.OID, cno uint64, table transaction.TableID, shard transaction.ShardID, tuple transaction.TupleID) ReadResult {
	addr := c.addrForShard(shard)
	if addr == "" {
		return ReadResult{Err: fmt.Errorf("no DSB node known for shard %d", shard)}
	}

	start := time.Now()
	reply, err := c.transport.Send(ctx, addr, txnetwork.Envelope{
		Kind: txnetwork.KindReadRequest,
		Fields: map[string]any{
			"xid":      float64(xid),
			"oid":      float64(oid),
			"cno":      float64(cno),
			"shard_id": float64(shard),
			"table_id": float64(table),
			"tuple_id": float64(tuple),
			"source":   float64(c.selfNode),
			"dest":     addr,
		},
	})
	if err != nil {
		return ReadResult{Err: fmt.Errorf("read request for xid %d oid %d: %w", xid, oid, err)}
	}

	code, _ := reply.Fields["error_code"].(float64)
	result := ReadResult{LatencyReadDSB: time.Since(start)}
	if ec.Code(int32(code)) != ec.OK {
		result.Err = ec.FromCode(ec.Code(int32(code)))
		return result
	}
	if row, ok := reply.Fields["tuple_row"].(string); ok {
		result.Tuple = []byte(row)
	}
	return result
}

// Package net carries the messages of spec.md §6 between nodes: the RM's
// read requests to a DSB, and the RM/TM prepare-vote-decision exchange of
// the two-phase commit protocol. Payloads are protobuf structpb.Struct
// values — the core never owns a concrete wire schema (spec.md §1
// out-of-scope: "the serialised message schema"), so Transport is generic
// over a message kind plus a loosely-typed field map, carried over grpc the
// way the teacher's API services exchange structpb payloads with its
// gateway.
package net

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/shardtx/txcore/pkg/connection"
)

// Kind identifies the message being carried, named after spec.md §6's wire
// message catalogue.
type Kind string

const (
	KindReadRequest   Kind = "C2D_READ_DATA_REQ"
	KindReadResponse  Kind = "D2C_READ_DATA_RESP"
	KindPrepare       Kind = "TX_RM_PREPARE"
	KindAck           Kind = "TX_RM_ACK"
	KindTMCommit      Kind = "TX_TM_COMMIT"
	KindTMAbort       Kind = "TX_TM_ABORT"
	KindVictim        Kind = "TX_VICTIM"
	KindEnableViolate Kind = "RM_ENABLE_VIOLATE"
)

// kindField is the reserved structpb key carrying Envelope.Kind on the wire,
// alongside the rest of the message's fields.
const kindField = "_kind"

// Envelope is the message sent over the wire: a Kind discriminator plus a
// protobuf-native field map, so the core never needs a generated type per
// message — the whole envelope round-trips as a single structpb.Struct.
type Envelope struct {
	Kind   Kind
	Fields map[string]any
}

func (e Envelope) toWire() (*structpb.Struct, error) {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[kindField] = string(e.Kind)
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope fields: %w", err)
	}
	return s, nil
}

func fromWire(s *structpb.Struct) Envelope {
	m := s.AsMap()
	kind, _ := m[kindField].(string)
	delete(m, kindField)
	return Envelope{Kind: Kind(kind), Fields: m}
}

// Transport sends an Envelope to a named peer and returns its reply.
// Implemented over gRPC by Client; the coordinator, the DSB client and the
// violate-notification path depend only on this interface, never on the
// concrete transport, so tests can substitute an in-memory fake.
type Transport interface {
	Send(ctx context.Context, addr string, msg Envelope) (Envelope, error)
}

// sendMethod is the single generic RPC every txcore node exposes (see
// server.go's serviceDesc); its request and reply are both structpb.Struct,
// discriminated by the envelope's _kind field rather than by method name.
const sendMethod = "/txcore.concurrency.Transport/Send"

// Client is a Transport backed by one grpc.ClientConn per peer address,
// dialled lazily with grpc.NewClient; gRPC's own ClientConn keeps its
// multiplexed HTTP/2 transport warm. The pkg/connection pool passed to
// NewClient is stored but not used: no connection is dialled through it.
type Client struct {
	pool  *connection.ConnectionPoolManager
	conns map[string]grpc.ClientConnInterface
}

// NewClient returns a Transport that lazily dials each peer the first time
// it is sent to.
func NewClient(pool *connection.ConnectionPoolManager) *Client {
	return &Client{pool: pool, conns: make(map[string]grpc.ClientConnInterface)}
}

func (c *Client) connFor(addr string) (grpc.ClientConnInterface, error) {
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

// Send marshals msg and invokes sendMethod, unmarshalling the peer's reply
// back into an Envelope.
func (c *Client) Send(ctx context.Context, addr string, msg Envelope) (Envelope, error) {
	cc, err := c.connFor(addr)
	if err != nil {
		return Envelope{}, err
	}
	req, err := msg.toWire()
	if err != nil {
		return Envelope{}, err
	}
	reply := new(structpb.Struct)
	if err := cc.Invoke(ctx, sendMethod, req, reply); err != nil {
		return Envelope{}, fmt.Errorf("send %s to %s: %w", msg.Kind, addr, err)
	}
	return fromWire(reply), nil
}

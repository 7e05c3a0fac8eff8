package net

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireRoundTrip(t *testing.T) {
	e := Envelope{
		Kind: KindReadRequest,
		Fields: map[string]any{
			"xid": 42.0,
			"oid": 1.0,
			"key": "row-7",
		},
	}
	wire, err := e.toWire()
	require.NoError(t, err)

	got := fromWire(wire)
	require.Equal(t, KindReadRequest, got.Kind)
	require.Equal(t, "row-7", got.Fields["key"])
	_, leaked := got.Fields[kindField]
	require.False(t, leaked, "_kind must not leak into the decoded field map")
}

func TestFakeTransportDispatchesToRegisteredHandler(t *testing.T) {
	s := NewServer()
	s.Register(KindPrepare, func(ctx context.Context, msg Envelope) (Envelope, error) {
		return Envelope{Kind: KindAck, Fields: map[string]any{"xid": msg.Fields["xid"]}}, nil
	})

	ft := NewFakeTransport()
	ft.Listen("rm-1:7000", s)

	reply, err := ft.Send(context.Background(), "rm-1:7000", Envelope{Kind: KindPrepare, Fields: map[string]any{"xid": 9.0}})
	require.NoError(t, err)
	require.Equal(t, KindAck, reply.Kind)
	require.Equal(t, 9.0, reply.Fields["xid"])
}

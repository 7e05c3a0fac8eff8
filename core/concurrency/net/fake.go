package net

import (
	"context"
	"fmt"
)

// FakeTransport is a Transport that dispatches directly to registered
// Servers without a network hop. It lives outside _test.go so that other
// packages' tests (dsb, calvin, txn) can import it to drive a multi-node
// exchange deterministically in one process.
type FakeTransport struct {
	servers map[string]*Server
}

// NewFakeTransport returns a Transport with no peers listening yet.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{servers: make(map[string]*Server)}
}

// Listen registers s to receive envelopes sent to addr.
func (f *FakeTransport) Listen(addr string, s *Server) {
	f.servers[addr] = s
}

// Send dispatches msg to the Server listening at addr, round-tripping
// through the same structpb marshal/unmarshal the real gRPC Client uses so
// tests exercise the wire encoding too.
func (f *FakeTransport) Send(ctx context.Context, addr string, msg Envelope) (Envelope, error) {
	s, ok := f.servers[addr]
	if !ok {
		return Envelope{}, fmt.Errorf("no peer listening at %s", addr)
	}
	wire, err := msg.toWire()
	if err != nil {
		return Envelope{}, err
	}
	replyWire, err := s.send(ctx, wire)
	if err != nil {
		return Envelope{}, err
	}
	return fromWire(replyWire), nil
}

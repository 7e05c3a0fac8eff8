package net

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler processes one inbound Envelope and returns the reply to send back.
// The transaction driver, coordinator and DSB server each register one
// Handler per Kind they accept.
type Handler func(ctx context.Context, msg Envelope) (Envelope, error)

// Server dispatches inbound envelopes to the Handler registered for their
// Kind.
type Server struct {
	handlers map[Kind]Handler
}

// NewServer returns an empty dispatch table; call Register for every Kind
// this node accepts before passing the Server to grpc.Server.RegisterService.
func NewServer() *Server {
	return &Server{handlers: make(map[Kind]Handler)}
}

// Register binds handler to kind, overwriting any previous registration.
func (s *Server) Register(kind Kind, handler Handler) {
	s.handlers[kind] = handler
}

func (s *Server) send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := fromWire(req)
	h, ok := s.handlers[in.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", in.Kind)
	}
	out, err := h(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.toWire()
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a one-RPC "Transport" service whose request and response
// are both google.protobuf.Struct; there is no .proto source to generate
// from since the wire schema is explicitly out of this module's scope
// (spec.md §1), so the descriptor is written directly against
// grpc.ServiceDesc/grpc.MethodDesc the way the generated code would.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "txcore.concurrency.Transport",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(structpb.Struct)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.send(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.send(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txcore/concurrency/net/transport.go",
}

// Attach registers s as the handler for txcore's single Transport RPC on
// grpcServer.
func (s *Server) Attach(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

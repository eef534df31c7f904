package grpctp

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/normcache/internal/network"
)

// ServiceName is the fully-qualified gRPC service carrying GraphQL requests.
// Requests and payloads travel as google.protobuf.Struct in the GraphQL
// over HTTP JSON layout.
const ServiceName = "normcache.v1.GraphQL"

const (
	methodExecute   = "/" + ServiceName + "/Execute"
	methodSubscribe = "/" + ServiceName + "/Subscribe"
)

// GraphQLServer is the server side of ServiceName.
type GraphQLServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GraphQLServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "normcache/v1/graphql.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GraphQLServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GraphQLServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GraphQLServer).Subscribe(in, stream)
}

// toStruct converts v to a Struct through its JSON form, so the json tags
// of network.Request and network.Response define the wire layout.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpctp: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("grpctp: encode: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(st *structpb.Struct, out any) error {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return fmt.Errorf("grpctp: decode: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("grpctp: decode: %w", err)
	}
	return nil
}

func decodeRequest(st *structpb.Struct) (network.Request, error) {
	var req network.Request
	err := fromStruct(st, &req)
	return req, err
}

func decodeResponse(st *structpb.Struct) (*network.Response, error) {
	var res network.Response
	if err := fromStruct(st, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

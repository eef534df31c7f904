package grpctp

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/normcache/internal/network"
)

// Server serves a Network over ServiceName. Execute returns the first
// payload; Subscribe streams all of them.
type Server struct {
	network network.Network
	log     *zap.Logger
}

func NewServer(n network.Network, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{network: n, log: log.Named("grpctp.server")}
}

// Register adds the service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	for res, err := range s.network.Execute(ctx, req) {
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		return toStruct(res)
	}
	return nil, status.Error(codes.Internal, network.ErrEmptyResponse.Error())
}

func (s *Server) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	req, err := decodeRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ctx := stream.Context()
	for res, err := range s.network.Execute(ctx, req) {
		if err != nil {
			return toStatus(ctx, err)
		}
		out, err := toStruct(res)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(out); err != nil {
			s.log.Debug("subscriber went away", zap.Error(err))
			return err
		}
	}
	return nil
}

func toStatus(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}
	return status.Error(codes.Unavailable, err.Error())
}

package swarm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/sessync/internal/cryptobox"
)

const serviceName = "sessync.swarm.v1.Swarm"

// maxMessageBytes bounds a stored message.
const maxMessageBytes = 1 << 20

// Server is the relay: it stores opaque messages per identity and
// namespace and enforces seqno ordering on config namespaces.
type Server struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// NewServer creates a relay over backend.
func NewServer(backend Backend, logger *zap.Logger) *Server {
	return &Server{backend: backend, logger: logger.Named("swarm"), now: time.Now}
}

// Register adds the relay service to s.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) Store(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	if !validIdentity(req.Identity) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid identity %q", req.Identity)
	}
	if len(req.Data) == 0 || len(req.Data) > maxMessageBytes {
		return nil, status.Errorf(codes.InvalidArgument, "message size %d out of range", len(req.Data))
	}
	msg := Message{
		Hash:      cryptobox.MessageHash(req.Identity, int16(req.Namespace), req.Data),
		Namespace: req.Namespace,
		Timestamp: s.now().UnixMilli(),
		Data:      req.Data,
	}
	if err := s.backend.Store(ctx, req.Identity, req.Seqno, msg); err != nil {
		if errors.Is(err, ErrStaleSeqno) {
			s.logger.Debug("rejected stale push",
				zap.String("identity", req.Identity),
				zap.Stringer("namespace", req.Namespace),
				zap.Int64("seqno", req.Seqno))
			return nil, status.Error(codes.Aborted, err.Error())
		}
		s.logger.Error("store failed", zap.Error(err), zap.String("identity", req.Identity))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &StoreResponse{Hash: msg.Hash, Timestamp: msg.Timestamp}, nil
}

func (s *Server) Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error) {
	if !validIdentity(req.Identity) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid identity %q", req.Identity)
	}
	msgs, more, err := s.backend.Retrieve(ctx, req)
	if err != nil {
		s.logger.Error("retrieve failed", zap.Error(err), zap.String("identity", req.Identity))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &RetrieveResponse{Messages: msgs, More: more}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if !validIdentity(req.Identity) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid identity %q", req.Identity)
	}
	deleted, err := s.backend.Delete(ctx, req.Identity, req.Hashes)
	if err != nil {
		s.logger.Error("delete failed", zap.Error(err), zap.String("identity", req.Identity))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &DeleteResponse{Deleted: deleted}, nil
}

type swarmServer interface {
	Store(context.Context, *StoreRequest) (*StoreResponse, error)
	Retrieve(context.Context, *RetrieveRequest) (*RetrieveResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
}

func unaryHandler[Req any, Resp any](method string, call func(swarmServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(swarmServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(swarmServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*swarmServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Store", swarmServer.Store),
		unaryHandler("Retrieve", swarmServer.Retrieve),
		unaryHandler("Delete", swarmServer.Delete),
	},
	Metadata: "sessync/swarm/v1/swarm.proto",
}

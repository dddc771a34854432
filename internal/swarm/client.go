package swarm

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/sessync/internal/codec"
)

// GRPCClient talks to a relay over gRPC with the CBOR codec.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// Dial connects to the relay at target. Extra options are appended, which
// tests use to supply a bufconn dialer.
func Dial(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Store(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	resp := new(StoreResponse)
	if err := c.invoke(ctx, "Store", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCClient) Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error) {
	resp := new(RetrieveResponse)
	if err := c.invoke(ctx, "Retrieve", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCClient) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	resp := new(DeleteResponse)
	if err := c.invoke(ctx, "Delete", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &StatusError{Code: httpStatus(st.Code()), Msg: st.Message()}
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.Aborted:
		return StatusConflict
	case codes.InvalidArgument:
		return StatusBadRequest
	case codes.NotFound:
		return StatusNotFound
	case codes.DeadlineExceeded, codes.Unavailable, codes.Canceled:
		return StatusTimeout
	}
	return StatusInternal
}

// LocalClient calls a Server in process, used when the daemon embeds its
// own relay.
type LocalClient struct {
	srv *Server
}

// NewLocalClient wraps srv as a Client.
func NewLocalClient(srv *Server) *LocalClient {
	return &LocalClient{srv: srv}
}

func (c *LocalClient) Store(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	resp, err := c.srv.Store(ctx, req)
	return resp, localError(err)
}

func (c *LocalClient) Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error) {
	resp, err := c.srv.Retrieve(ctx, req)
	return resp, localError(err)
}

func (c *LocalClient) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	resp, err := c.srv.Delete(ctx, req)
	return resp, localError(err)
}

func localError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &StatusError{Code: httpStatus(st.Code()), Msg: st.Message()}
}

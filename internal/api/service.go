package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the full gRPC name of the control service.
const ServiceName = "sessync.control.v1.Control"

// Control methods. Every method takes and returns a structpb.Struct.
const (
	MethodStatus            = "Status"
	MethodCreateAccount     = "CreateAccount"
	MethodSyncNow           = "SyncNow"
	MethodSetProfile        = "SetProfile"
	MethodListContacts      = "ListContacts"
	MethodSetContact        = "SetContact"
	MethodListThreads       = "ListThreads"
	MethodSetThreadPriority = "SetThreadPriority"
	MethodCreateGroup       = "CreateGroup"
	MethodListGroups        = "ListGroups"
	MethodAddMembers        = "AddMembers"
	MethodRemoveMembers     = "RemoveMembers"
	MethodRekey             = "Rekey"
)

type handlerFunc func(*Control, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = map[string]handlerFunc{
	MethodStatus:            (*Control).Status,
	MethodCreateAccount:     (*Control).CreateAccount,
	MethodSyncNow:           (*Control).SyncNow,
	MethodSetProfile:        (*Control).SetProfile,
	MethodListContacts:      (*Control).ListContacts,
	MethodSetContact:        (*Control).SetContact,
	MethodListThreads:       (*Control).ListThreads,
	MethodSetThreadPriority: (*Control).SetThreadPriority,
	MethodCreateGroup:       (*Control).CreateGroup,
	MethodListGroups:        (*Control).ListGroups,
	MethodAddMembers:        (*Control).AddMembers,
	MethodRemoveMembers:     (*Control).RemoveMembers,
	MethodRekey:             (*Control).Rekey,
}

// Methods returns the control method names in a stable order.
func Methods() []string {
	return []string{
		MethodStatus, MethodCreateAccount, MethodSyncNow, MethodSetProfile,
		MethodListContacts, MethodSetContact, MethodListThreads, MethodSetThreadPriority,
		MethodCreateGroup, MethodListGroups, MethodAddMembers, MethodRemoveMembers, MethodRekey,
	}
}

type controlServer interface {
	call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

func serviceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*controlServer)(nil),
	}
	for _, name := range Methods() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	return desc
}

func unaryHandler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(controlServer)
		if interceptor == nil {
			return s.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return s.call(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register adds the control service to srv.
func (c *Control) Register(srv *grpc.Server) {
	desc := serviceDesc()
	srv.RegisterService(&desc, c)
}

func (c *Control) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	return methods[method](c, ctx, req)
}

// Package pb holds the hand-rolled gRPC client/server types for the worker
// invocation protocol. A real deployment would generate these from a
// .proto file with protoc-gen-go-grpc; this module ships the generated
// shape directly so the rest of the tree has something concrete to import
// without a protoc build step.
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// InvokeRequest carries one opaque worker payload.
type InvokeRequest struct {
	Payload []byte
}

// InvokeReply carries the worker's opaque output payload and the tail of
// its execution log.
type InvokeReply struct {
	Payload []byte
	LogTail []byte
}

// WorkerServiceClient is the client side of the worker invocation RPC.
type WorkerServiceClient interface {
	Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeReply, error)
}

// WorkerServiceServer is the server side a worker binary implements.
type WorkerServiceServer interface {
	Invoke(context.Context, *InvokeRequest) (*InvokeReply, error)
}

type workerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient wraps a gRPC connection with the typed client.
func NewWorkerServiceClient(cc grpc.ClientConnInterface) WorkerServiceClient {
	return &workerServiceClient{cc: cc}
}

func (c *workerServiceClient) Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeReply, error) {
	out := new(InvokeReply)
	err := c.cc.Invoke(ctx, "/pb.WorkerService/Invoke", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UnimplementedWorkerServiceServer can be embedded by server implementations
// that only override a subset of methods.
type UnimplementedWorkerServiceServer struct{}

func (UnimplementedWorkerServiceServer) Invoke(context.Context, *InvokeRequest) (*InvokeReply, error) {
	return nil, nil
}

func _WorkerService_Invoke_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/pb.WorkerService/Invoke",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkerServiceServer).Invoke(ctx, req.(*InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// WorkerServiceServiceDesc is the grpc.ServiceDesc for WorkerService,
// passed to grpc.Server.RegisterService.
var WorkerServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: "pb.WorkerService",
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    _WorkerService_Invoke_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pb/invoker.proto",
}

// RegisterWorkerServiceServer registers srv with s under the
// pb.WorkerService service name.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&WorkerServiceServiceDesc, srv)
}

// MockWorkerServiceClient echoes the request payload back as the reply,
// for tests that exercise the invoker without a live worker.
type MockWorkerServiceClient struct {
	LogTail []byte
}

func (m *MockWorkerServiceClient) Invoke(_ context.Context, in *InvokeRequest, _ ...grpc.CallOption) (*InvokeReply, error) {
	return &InvokeReply{Payload: in.Payload, LogTail: m.LogTail}, nil
}

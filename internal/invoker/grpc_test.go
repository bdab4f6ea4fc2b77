package invoker

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ocx/proxyfabric/pb"
)

type echoWorker struct{}

func (echoWorker) Invoke(_ context.Context, req *pb.InvokeRequest) (*pb.InvokeReply, error) {
	return &pb.InvokeReply{Payload: req.Payload, LogTail: []byte("ok")}, nil
}

func startBufconnWorker(t *testing.T) (*bufconn.Listener, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	pb.RegisterWorkerServiceServer(server, echoWorker{})
	go server.Serve(lis)
	return lis, server.Stop
}

func TestGRPCInvokerRoundTripOverBufconn(t *testing.T) {
	lis, stop := startBufconnWorker(t)
	defer stop()

	registry := &Registry{
		byTarget: make(map[string]*grpc.ClientConn),
		byRegion: make(map[string]*grpc.ClientConn),
	}
	registry.defaultDialer = func(string) (*grpc.ClientConn, error) {
		return grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	inv := NewGRPCInvoker(registry, 4)
	reply, err := inv.Invoke(context.Background(), "proxy-worker", []byte("hello"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(reply.Payload) != "hello" {
		t.Fatalf("unexpected payload: %q", reply.Payload)
	}
	if string(reply.LogTail) != "ok" {
		t.Fatalf("unexpected log tail: %q", reply.LogTail)
	}
}

package invoker

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/ocx/proxyfabric/pb"
)

// GRPCInvoker invokes workers over gRPC, reusing cached connections from a
// Registry and bounding overall in-flight invocations with a weighted
// semaphore.
type GRPCInvoker struct {
	registry *Registry
	limit    *semaphore.Weighted
}

// NewGRPCInvoker creates an invoker that allows at most maxParallel
// concurrent invocations across all targets.
func NewGRPCInvoker(registry *Registry, maxParallel int64) *GRPCInvoker {
	return &GRPCInvoker{
		registry: registry,
		limit:    semaphore.NewWeighted(maxParallel),
	}
}

func (g *GRPCInvoker) Invoke(ctx context.Context, function string, payload []byte) (*Reply, error) {
	if err := g.limit.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("invoker: acquire concurrency slot: %w", err)
	}
	defer g.limit.Release(1)

	conn, err := g.registry.ConnFor(function)
	if err != nil {
		return nil, fmt.Errorf("invoker: dial %s: %w", function, err)
	}

	client := pb.NewWorkerServiceClient(conn)
	resp, err := client.Invoke(ctx, &pb.InvokeRequest{Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("invoker: invoke %s: %w", function, err)
	}
	return &Reply{Payload: resp.Payload, LogTail: resp.LogTail}, nil
}

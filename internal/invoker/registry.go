package invoker

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// regionFromTarget extracts the region component from a
// region-qualified worker target, e.g. "us-east-1/proxy-worker".
func regionFromTarget(target string) (region, name string) {
	if idx := strings.Index(target, "/"); idx >= 0 {
		return target[:idx], target[idx+1:]
	}
	return "", target
}

// Registry caches one gRPC client connection per worker target (or, for
// region-qualified targets, one per region), so repeated invocations of
// the same function reuse a warm connection instead of dialing fresh each
// time.
type Registry struct {
	mu            sync.Mutex
	byTarget      map[string]*grpc.ClientConn
	byRegion      map[string]*grpc.ClientConn
	regionDialer  func(region string) (*grpc.ClientConn, error)
	defaultDialer func(target string) (*grpc.ClientConn, error)
}

// NewRegistry creates a registry. regionEndpoints maps a region name to its
// gRPC dial target (host:port); a target with no region prefix dials the
// regionEndpoints entry keyed by the whole target name when there is one,
// and defaultEndpoint otherwise.
func NewRegistry(defaultEndpoint string, regionEndpoints map[string]string) *Registry {
	r := &Registry{
		byTarget: make(map[string]*grpc.ClientConn),
		byRegion: make(map[string]*grpc.ClientConn),
	}
	r.defaultDialer = func(target string) (*grpc.ClientConn, error) {
		endpoint := defaultEndpoint
		if e, ok := regionEndpoints[target]; ok {
			endpoint = e
		}
		return grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	r.regionDialer = func(region string) (*grpc.ClientConn, error) {
		endpoint, ok := regionEndpoints[region]
		if !ok {
			return nil, fmt.Errorf("invoker: no endpoint configured for region %q", region)
		}
		return grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return r
}

// ConnFor returns the cached (or newly dialed) connection for a worker
// target.
func (r *Registry) ConnFor(target string) (*grpc.ClientConn, error) {
	region, _ := regionFromTarget(target)

	r.mu.Lock()
	defer r.mu.Unlock()

	if region == "" {
		if conn, ok := r.byTarget[target]; ok {
			return conn, nil
		}
		conn, err := r.defaultDialer(target)
		if err != nil {
			return nil, err
		}
		r.byTarget[target] = conn
		return conn, nil
	}

	if conn, ok := r.byRegion[region]; ok {
		return conn, nil
	}
	conn, err := r.regionDialer(region)
	if err != nil {
		return nil, err
	}
	r.byRegion[region] = conn
	return conn, nil
}

// Close closes every cached connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, conn := range r.byTarget {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, conn := range r.byRegion {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PickFunction chooses uniformly at random among a pool of equivalent
// worker function targets, spreading invocations across whatever
// functions/regions are configured for a dispatcher.
func PickFunction(functions []string) string {
	return functions[rand.Intn(len(functions))]
}

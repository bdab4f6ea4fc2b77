// Package objectstore offloads bodies too large to carry inline in a
// worker invocation payload, keyed by the MD5 digest of their contents so
// identical bodies dedupe naturally.
package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
)

// Store puts and retrieves large-body blobs. Get schedules a best-effort
// background delete of the object after a successful read — callers never
// wait on cleanup, and a failed delete is simply logged.
type Store interface {
	Put(ctx context.Context, data []byte) (key string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// KeyFor returns the deterministic MD5 hex digest used as an object key.
func KeyFor(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	storage_go "github.com/supabase-community/storage-go"
)

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// SupabaseStore backs Store with a Supabase Storage bucket. Deletes run on
// a single background goroutine so a slow or failing delete never blocks
// the request path that triggered it.
type SupabaseStore struct {
	client    *storage_go.Client
	bucket    string
	deleteCh  chan string
	closeOnce chan struct{}
}

// NewSupabaseStore creates a store bound to one bucket in a Supabase
// project. url is the project's REST endpoint (https://xyz.supabase.co),
// serviceKey a service-role key with storage write access.
func NewSupabaseStore(url, serviceKey, bucket string) *SupabaseStore {
	s := &SupabaseStore{
		client:    storage_go.NewClient(url, serviceKey, nil),
		bucket:    bucket,
		deleteCh:  make(chan string, 256),
		closeOnce: make(chan struct{}),
	}
	go s.deleteLoop()
	return s
}

func (s *SupabaseStore) Put(_ context.Context, data []byte) (string, error) {
	key := KeyFor(data)
	_, err := s.client.UploadFile(s.bucket, key, bytesReader(data))
	if err != nil {
		return "", fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return key, nil
}

func (s *SupabaseStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("objectstore: download %s: %w", key, err)
	}
	select {
	case s.deleteCh <- key:
	default:
		slog.Warn("objectstore: delete queue full, dropping cleanup", "key", key)
	}
	return data, nil
}

func (s *SupabaseStore) Close() error {
	close(s.closeOnce)
	return nil
}

func (s *SupabaseStore) deleteLoop() {
	for {
		select {
		case key := <-s.deleteCh:
			if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
				slog.Warn("objectstore: background delete failed", "key", key, "error", err)
			}
		case <-s.closeOnce:
			return
		}
	}
}

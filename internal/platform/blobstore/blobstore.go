// Package blobstore provides the object storage collaborator for uploaded
// scan files. It defines the Store interface and a thread-safe in-memory
// implementation suitable for testing and single-node deployments.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds maximum allowed size")
	ErrMissingPath    = errors.New("object path is required")
)

// MaxObjectSize is the maximum allowed object size in bytes (100 MB), large
// enough for a full multi-slice DICOM study.
const MaxObjectSize = 100 * 1024 * 1024

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket    string    `json:"bucket"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the object storage contract the submission pipeline depends on.
// Paths are caller-supplied; writing to an existing path overwrites it.
type Store interface {
	Put(ctx context.Context, bucket, path string, content io.Reader) (*ObjectInfo, error)
	Get(ctx context.Context, bucket, path string) (io.ReadCloser, *ObjectInfo, error)
	Delete(ctx context.Context, bucket, path string) error
	ListByPrefix(ctx context.Context, bucket, prefix string) ([]*ObjectInfo, error)
}

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject // key: bucket + "/" + path
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func objectKey(bucket, path string) string {
	return bucket + "/" + path
}

// Put validates inputs, reads the content, computes a SHA-256 hash, and
// stores the object in memory.
func (s *MemoryStore) Put(_ context.Context, bucket, path string, content io.Reader) (*ObjectInfo, error) {
	if path == "" {
		return nil, ErrMissingPath
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}

	h := sha256.Sum256(data)
	info := ObjectInfo{
		Bucket:    bucket,
		Path:      path,
		Size:      int64(len(data)),
		Hash:      fmt.Sprintf("%x", h),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[objectKey(bucket, path)] = &storedObject{info: info, content: data}
	s.mu.Unlock()

	out := info // copy
	return &out, nil
}

// Get returns an io.ReadCloser over the object content and its info.
func (s *MemoryStore) Get(_ context.Context, bucket, path string) (io.ReadCloser, *ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[objectKey(bucket, path)]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrObjectNotFound
	}

	info := obj.info // copy
	return io.NopCloser(bytes.NewReader(obj.content)), &info, nil
}

// Delete removes an object.
func (s *MemoryStore) Delete(_ context.Context, bucket, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := objectKey(bucket, path)
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

// ListByPrefix returns all objects in a bucket whose path starts with prefix,
// sorted by path for deterministic output.
func (s *MemoryStore) ListByPrefix(_ context.Context, bucket, prefix string) ([]*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ObjectInfo
	for _, obj := range s.objects {
		if obj.info.Bucket != bucket {
			continue
		}
		if !strings.HasPrefix(obj.info.Path, prefix) {
			continue
		}
		info := obj.info // copy
		matched = append(matched, &info)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Path < matched[j].Path })
	return matched, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"
)

const (
	// FolderScenes is the object prefix for everything belonging to a scene.
	FolderScenes = "scenes"
	// ArtifactManifest is the file name of the processing manifest.
	ArtifactManifest = "manifest.json"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrUnavailable = errors.New("blob store unavailable")
)

// BlobStore stores and retrieves byte payloads by key. Implementations are
// read-after-write consistent for keys they wrote.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Presigner issues time-limited download links for stored objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// SceneKey returns the source object key: scenes/{scene_id}/source.{format}.
// Derived only from server-assigned values, never from client filenames.
func SceneKey(sceneID, format string) string {
	return path.Join(FolderScenes, sceneID, "source."+format)
}

// ArtifactKey returns the derived manifest key: scenes/{scene_id}/derived/manifest.json.
func ArtifactKey(sceneID string) string {
	return path.Join(FolderScenes, sceneID, "derived", ArtifactManifest)
}

// MemoryStore is an in-process BlobStore for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	puts    int

	FailPut error
	FailGet error
}

// NewMemoryStore creates an empty blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *MemoryStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.objects[key] = append([]byte(nil), body...)
	m.types[key] = contentType
	m.puts++
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Puts returns the number of successful writes.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Keys returns the number of stored objects.
func (m *MemoryStore) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// ContentType returns the content type recorded for key.
func (m *MemoryStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}

// PresignGet returns a memory:// link for key; it fails when the key is absent.
func (m *MemoryStore) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int(expires.Seconds())), nil
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/recorder/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
	failErr error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ ...storage.PutOption) error {
	if key == m.failKey {
		if m.failErr != nil {
			return m.failErr
		}
		return errors.New("boom")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = b
	m.mu.Unlock()
	return nil
}

func (m *memStore) PutFile(ctx context.Context, key, p string, opts ...storage.PutOption) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Put(ctx, key, f, -1, opts...)
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) List(context.Context, string) ([]storage.ObjectInfo, error) { return nil, nil }

func (m *memStore) GeneratePresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://archive.test/" + key, nil
}

func (m *memStore) HealthCheck(context.Context) error { return nil }

func TestArchiverUploads(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "camera_0_2.mkv")
	require.NoError(t, os.WriteFile(p, []byte("segment-bytes"), 0o644))

	store := newMemStore()
	a := NewArchiver(store, "segments", 4, zap.NewNop())
	seg := storage.Segment{Name: "camera_0_2.mkv", Path: p, Start: 0, End: 2}
	a.Enqueue(seg)
	a.Close()

	key := a.Key(seg)
	assert.Equal(t, "segments/1970/01/01/camera_0_2.mkv", key)
	ok, _ := store.Exists(context.Background(), key)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), a.GetMetrics()["uploaded"])

	// after Close work is dropped rather than panicking
	a.Enqueue(seg)
	assert.Equal(t, uint64(1), a.GetMetrics()["dropped"])
}

func TestArchiverCountsFailures(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "camera_0_2.mkv")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	store := newMemStore()
	a := NewArchiver(store, "", 4, zap.NewNop())
	seg := storage.Segment{Name: "camera_0_2.mkv", Path: p}
	store.failKey = a.Key(seg)
	a.Enqueue(seg)
	a.Enqueue(storage.Segment{Name: "missing.mkv", Path: filepath.Join(dir, "missing.mkv")})
	a.Close()

	assert.Equal(t, uint64(2), a.GetMetrics()["failed"])
}

func TestArchiverSkipsSegmentsAlreadyArchived(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "camera_0_2.mkv")
	require.NoError(t, os.WriteFile(p, []byte("new-bytes"), 0o644))

	store := newMemStore()
	a := NewArchiver(store, "segments", 4, zap.NewNop())
	seg := storage.Segment{Name: "camera_0_2.mkv", Path: p, Start: 0, End: 2}
	store.objects[a.Key(seg)] = []byte("old-bytes")

	a.Enqueue(seg)
	a.Close()

	assert.Equal(t, []byte("old-bytes"), store.objects[a.Key(seg)])
	assert.Equal(t, uint64(0), a.GetMetrics()["uploaded"])
	assert.Equal(t, uint64(1), a.GetMetrics()["present"])
}

func TestArchiverAccessDenied(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "camera_0_2.mkv")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	store := newMemStore()
	a := NewArchiver(store, "segments", 4, zap.NewNop())
	seg := storage.Segment{Name: "camera_0_2.mkv", Path: p}
	denied := &storage.StorageError{Op: "put", Key: a.Key(seg), Err: errors.New("AccessDenied"), StatusCode: 403}
	store.failKey, store.failErr = a.Key(seg), denied

	a.Enqueue(seg)
	a.Close()

	assert.True(t, storage.IsAccessDenied(denied))
	assert.False(t, storage.IsAccessDenied(errors.New("boom")))
	assert.Equal(t, uint64(1), a.GetMetrics()["failed"])
}

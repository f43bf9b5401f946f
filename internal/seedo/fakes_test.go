package seedo

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/inference"
	"github.com/mikeyg42/seedo/internal/notification"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
)

func solidFrame(v uint8, w, h int) *camera.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return &camera.Frame{Timestamp: time.Unix(1000, 0), Image: img}
}

func ts(sec float64) time.Time {
	return time.Unix(1000, 0).Add(time.Duration(sec * float64(time.Second)))
}

// fakeInference returns vectors from embedFn and a constant depth map.
type fakeInference struct {
	embedFn    func(n int) [][]float32
	embedErr   error
	depthValue float32
	embeds     atomic.Int32
	depths     atomic.Int32
}

func (f *fakeInference) Embed(_ context.Context, imgs []image.Image) ([][]float32, error) {
	f.embeds.Add(1)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	if f.embedFn != nil {
		return f.embedFn(len(imgs)), nil
	}
	out := make([][]float32, len(imgs))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *fakeInference) Depth(_ context.Context, img image.Image) (*inference.DepthMap, error) {
	f.depths.Add(1)
	values := make([]float32, 16)
	for i := range values {
		values[i] = f.depthValue
	}
	return &inference.DepthMap{Width: 4, Height: 4, Values: values}, nil
}

type runCall struct {
	action Action
	ac     ActionContext
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []runCall
	err   error
	panic bool
}

func (r *recordingExecutor) Run(_ context.Context, a Action, ac ActionContext) error {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{a, ac})
	r.mu.Unlock()
	if r.panic {
		panic("action exploded")
	}
	return r.err
}

func (r *recordingExecutor) Calls() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

type fakeClips struct {
	path  string
	ok    bool
	err   error
	calls atomic.Int32
}

func (f *fakeClips) ClipAround(context.Context, time.Time) (string, bool, error) {
	f.calls.Add(1)
	return f.path, f.ok, f.err
}

type memRuleStore struct {
	mu      sync.Mutex
	loaded  []*Rule
	saved   map[string]bool
	saveErr error
}

func (m *memRuleStore) LoadAll(context.Context) ([]*Rule, error) { return m.loaded, nil }

func (m *memRuleStore) Save(_ context.Context, r *Rule) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]bool{}
	}
	m.saved[r.Name] = r.Enabled()
	return nil
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []*notification.Email
	fails int
}

func (f *fakeMailer) Send(_ context.Context, e *notification.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("421 try later")
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeMailer) Close() error { return nil }

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	presign []string
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ ...storage.PutOption) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = b
	return nil
}

func (m *memObjects) PutFile(ctx context.Context, key, p string, opts ...storage.PutOption) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Put(ctx, key, f, -1, opts...)
}

func (m *memObjects) Delete(context.Context, string) error { return nil }

func (m *memObjects) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjects) List(context.Context, string) ([]storage.ObjectInfo, error) { return nil, nil }

func (m *memObjects) GeneratePresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presign = append(m.presign, key)
	return "https://minio.local/" + key + "?sig=x", nil
}

func (m *memObjects) HealthCheck(context.Context) error { return nil }

func mustRule(t interface{ Fatalf(string, ...any) }, name string, interval, floor time.Duration, cond Condition, action Action) *Rule {
	r, err := NewRule(name, interval, floor, cond, action, true)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	return r
}

var testEmailAction = EmailAction{To: []string{"me@example.com"}}

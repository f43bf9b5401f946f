package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
	"github.com/mikeyg42/seedo/internal/seedo"
	"github.com/mikeyg42/seedo/internal/seedo/store"
)

type fakeRecorder struct {
	cell      camera.Cell
	active    atomic.Bool
	recording atomic.Bool
}

func (f *fakeRecorder) Latest() *camera.Frame { return f.cell.Load() }
func (f *fakeRecorder) Cell() *camera.Cell    { return &f.cell }
func (f *fakeRecorder) StartCapture()         { f.active.Store(true) }
func (f *fakeRecorder) StopCapture()          { f.active.Store(false) }
func (f *fakeRecorder) Active() bool          { return f.active.Load() }
func (f *fakeRecorder) StartRecording()       { f.recording.Store(true) }
func (f *fakeRecorder) StopRecording()        { f.recording.Store(false) }
func (f *fakeRecorder) Recording() bool       { return f.recording.Load() }
func (f *fakeRecorder) GetMetrics() map[string]interface{} {
	return map[string]interface{}{"frames_captured": uint64(3)}
}

type staticMetrics map[string]interface{}

func (m staticMetrics) GetMetrics() map[string]interface{} { return m }

type constEmbedder struct{ calls atomic.Int32 }

func (e *constEmbedder) Embed(_ context.Context, imgs []image.Image) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(imgs))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func grayFrame(seq uint64, v uint8) *camera.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return &camera.Frame{Seq: seq, Timestamp: time.Unix(1000, 0), Image: img}
}

type fixture struct {
	srv      *Server
	rec      *fakeRecorder
	registry *seedo.Registry
	store    *store.FileStore
	embedder *constEmbedder
	imageDir string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := store.NewFileStore(t.TempDir(), zap.NewNop())
	f := &fixture{
		rec:      &fakeRecorder{},
		registry: seedo.NewRegistry(fs, zap.NewNop()),
		store:    fs,
		embedder: &constEmbedder{},
		imageDir: t.TempDir(),
	}
	opts.Logger = zap.NewNop()
	if opts.Embedder == nil {
		opts.Embedder = f.embedder
	}
	opts.ImageDir = f.imageDir
	f.srv = NewServer(ctx, f.rec, f.registry, opts)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

const brightnessRule = `{"type": "brightness", "name": "Lights On", "interval_sec": 1,
  "config": {"threshold": 120},
  "action": {"type": "email", "params": {"to": "me@example.com"}}}`

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateListAndToggleRule(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/api/rules", brightnessRule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created seedo.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Lights On", created.Name)
	assert.Equal(t, seedo.KindBrightness, created.Type)
	assert.True(t, created.Enabled)

	w = f.do(http.MethodPost, "/api/rules", brightnessRule)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/api/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []seedo.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = f.do(http.MethodPost, "/api/rules/Lights%20On/toggle", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"name":"Lights On","enabled":false}`, w.Body.String())

	// The toggle is persisted.
	rules, err := f.store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled())

	w = f.do(http.MethodGet, "/api/rules/Lights%20On", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)
}

func TestToggleUnknownRule(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(http.MethodPost, "/api/rules/nope/toggle", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/rules/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRuleRejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/api/rules", `{"name": "x"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/rules", `{"type": "brightness", "name": "x",
	  "config": {"threshold": 999}, "action": {"type": "email", "params": {"to": "me@example.com"}}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.registry.Len())
}

const similarityRule = `{"type": "semantic_similarity", "name": "Shelf", "interval_sec": 2,
  "config": {"semantic_regions": [{"roi": [0, 0, 32, 24], "similarity_threshold": 0.8}]},
  "action": {"type": "email", "params": {"to": "me@example.com"}}}`

func TestCreateSimilarityRuleCapturesRegions(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/api/rules", similarityRule)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "no frame yet")

	f.rec.cell.Store(grayFrame(1, 90))
	w = f.do(http.MethodPost, "/api/rules", similarityRule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int32(1), f.embedder.calls.Load())

	rule, err := f.registry.Get("Shelf")
	require.NoError(t, err)
	cond, ok := rule.Condition.(seedo.RegionSimilarity)
	require.True(t, ok)
	require.Len(t, cond.Regions, 1)
	assert.Equal(t, []float32{1, 0, 0}, cond.Regions[0].Embedding)
	assert.FileExists(t, seedo.RegionImagePath(f.imageDir, "Shelf", 0))
}

func TestCaptureAndRecordingSwitches(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/api/capture/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"capturing":true}`, w.Body.String())

	w = f.do(http.MethodPost, "/api/recording/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.rec.Recording())

	w = f.do(http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recording":false}`, w.Body.String())

	w = f.do(http.MethodPost, "/api/capture/pause", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/capture/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatusIncludesMetrics(t *testing.T) {
	f := newFixture(t, Options{Metrics: map[string]MetricsSource{
		"dispatcher": staticMetrics{"fired": uint64(2)},
	}})
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/rules", brightnessRule).Code)
	f.rec.StartCapture()

	w := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Capturing)
	assert.Equal(t, 1, resp.Rules)
	assert.Equal(t, 1, resp.Enabled)
	assert.EqualValues(t, 2, resp.Metrics["dispatcher"]["fired"])
	assert.EqualValues(t, 3, resp.Metrics["recorder"]["frames_captured"])
}

func TestLatestFrame(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodGet, "/api/frame/latest.jpg", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.rec.cell.Store(grayFrame(4, 200))
	w = f.do(http.MethodGet, "/api/frame/latest.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	img, err := jpeg.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	r, _, _, _ := color.GrayModel.Convert(img.At(10, 10)).RGBA()
	assert.InDelta(t, 200, r>>8, 6)
}

func TestMutationsAreRateLimited(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 2})

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/capture/start", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/capture/stop", "").Code)
	w := f.do(http.MethodPost, "/api/capture/start", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, f.rec.Active())

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/health", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/rules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/rules", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterRefills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(0, 0)
	rl := NewRateLimiter(ctx, 2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "buckets are per client")

	now = now.Add(30 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterEvictsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, time.Minute)
	rl.maxCacheSize = 20
	for i := 0; i < 40; i++ {
		rl.Allow(string(rune('A' + i)))
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.LessOrEqual(t, len(rl.buckets), 20)
}

func TestPreviewStreamsFrames(t *testing.T) {
	f := newFixture(t, Options{})
	f.rec.cell.Store(grayFrame(1, 50))

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/preview"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	f.rec.cell.Store(grayFrame(2, 220))
	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, _, _, _ := color.GrayModel.Convert(img.At(5, 5)).RGBA()
	assert.InDelta(t, 220, r>>8, 6)
}

func TestMaskIP(t *testing.T) {
	assert.Equal(t, "192.168.*.*", maskIP("192.168.1.100"))
	assert.Equal(t, "2001:db8:1:2::*", maskIP("2001:db8:1:2:aa:bb:cc:dd"))
	assert.Equal(t, "unknown", maskIP("not-an-ip"))
}

type checker struct{ err error }

func (c checker) HealthCheck(context.Context) error { return c.err }

func TestHealthReportsBackingServices(t *testing.T) {
	f := newFixture(t, Options{Health: map[string]HealthChecker{
		"object_store": checker{},
		"rules_db":     checker{err: errors.New("connection refused")},
	}})
	w := f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"object_store":"ok","rules_db":"connection refused"}}`, w.Body.String())

	f = newFixture(t, Options{Health: map[string]HealthChecker{"object_store": checker{}}})
	w = f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"object_store":"ok"}}`, w.Body.String())
}

// listingStore serves List from a fixed set; other methods are unused here.
type listingStore struct {
	objects []storage.ObjectInfo
	prefix  string
}

func (l *listingStore) Put(context.Context, string, io.Reader, int64, ...storage.PutOption) error {
	return nil
}
func (l *listingStore) PutFile(context.Context, string, string, ...storage.PutOption) error {
	return nil
}
func (l *listingStore) Delete(context.Context, string) error         { return nil }
func (l *listingStore) Exists(context.Context, string) (bool, error) { return false, nil }
func (l *listingStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	l.prefix = prefix
	return l.objects, nil
}
func (l *listingStore) GeneratePresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}
func (l *listingStore) HealthCheck(context.Context) error { return nil }

func TestListArchive(t *testing.T) {
	archive := &listingStore{objects: []storage.ObjectInfo{
		{Key: "evidence/porch/2024/01/02/a1.jpg", Size: 1200, LastModified: time.Unix(1704153600, 0).UTC(), ContentType: "image/jpeg"},
	}}
	f := newFixture(t, Options{Archive: archive})

	w := f.do(http.MethodPost, "/api/rules", `{"type": "brightness", "name": "Porch", "interval_sec": 1,
	  "config": {"threshold": 100},
	  "action": {"type": "archive", "params": {"prefix": "evidence"}}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/rules/Porch/archive", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "evidence/porch/", archive.prefix)
	assert.JSONEq(t, `[{"key":"evidence/porch/2024/01/02/a1.jpg","size":1200,
	  "last_modified":"2024-01-02T00:00:00Z","content_type":"image/jpeg"}]`, w.Body.String())

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/rules", brightnessRule).Code)
	w = f.do(http.MethodGet, "/api/rules/Lights%20On/archive", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "email rules have no archive")

	w = f.do(http.MethodGet, "/api/rules/nope/archive", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

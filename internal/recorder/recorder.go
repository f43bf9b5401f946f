// internal/recorder/recorder.go
package recorder

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/recorder/buffer"
)

// SnapshotSink receives full ring snapshots for persistence.
type SnapshotSink interface {
	Submit(entries []buffer.Entry) error
	Close() error
}

// Sweeper is a self-throttled retention pass.
type Sweeper interface {
	MaybeRun(now time.Time) bool
}

// Options configures a Recorder
type Options struct {
	TargetFPS      float64
	BufferCapacity int
	Sink           SnapshotSink // nil disables persistence
	Sweepers       []Sweeper
	Logger         *zap.Logger
}

// Metrics tracks capture loop counters
type Metrics struct {
	Ticks            atomic.Uint64
	FramesCaptured   atomic.Uint64
	ReadErrors       atomic.Uint64
	AppendErrors     atomic.Uint64
	BuffersDiscarded atomic.Uint64
	SnapshotsQueued  atomic.Uint64
	SubmitErrors     atomic.Uint64
}

// Recorder is the capture loop. An external heartbeat calls Tick; the
// recorder throttles itself to the target frame rate, publishes the latest
// frame and feeds the ring buffer.
type Recorder struct {
	source   camera.Source
	ring     *buffer.Ring
	sink     SnapshotSink
	sweepers []Sweeper
	latest   camera.Cell
	interval time.Duration
	logger   *zap.Logger

	active    atomic.Bool
	recording atomic.Bool

	// tick state, guarded by mu
	mu        sync.Mutex
	lastFrame time.Time
	seq       uint64
	closed    bool

	metrics Metrics
}

// New creates a recorder. Capture starts active; persistence starts off.
func New(source camera.Source, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L().Named("recorder")
	}
	var interval time.Duration
	if opts.TargetFPS > 0 {
		interval = time.Duration(float64(time.Second) / opts.TargetFPS)
	}
	r := &Recorder{
		source:   source,
		ring:     buffer.NewRing(opts.BufferCapacity),
		sink:     opts.Sink,
		sweepers: opts.Sweepers,
		interval: interval,
		logger:   logger,
	}
	r.active.Store(true)
	return r
}

// Tick runs one step of the capture loop and returns the frame captured in
// this step, or nil if none was.
func (r *Recorder) Tick(now time.Time) *camera.Frame {
	r.metrics.Ticks.Add(1)
	for _, s := range r.sweepers {
		s.MaybeRun(now)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.active.Load() {
		return nil
	}
	if !r.lastFrame.IsZero() && now.Sub(r.lastFrame) < r.interval {
		return nil
	}

	img, err := r.source.Read()
	r.lastFrame = now
	if err != nil || img == nil {
		if n := r.metrics.ReadErrors.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("Frame read failed", zap.Error(err), zap.Uint64("read_errors", n))
		}
		return nil
	}

	r.seq++
	frame := &camera.Frame{Seq: r.seq, Timestamp: now, Image: camera.ToRGBA(img)}
	r.latest.Store(frame)
	r.metrics.FramesCaptured.Add(1)

	full, err := r.ring.Append(buffer.Entry{Timestamp: now, Frame: frame})
	if err != nil {
		r.metrics.AppendErrors.Add(1)
		r.logger.Warn("Frame not buffered", zap.Error(err))
	}
	if full {
		r.handleFull()
	}
	return frame
}

// handleFull empties the ring: discarded when not recording, otherwise
// handed to the sink as one snapshot. Called with mu held.
func (r *Recorder) handleFull() {
	if !r.recording.Load() || r.sink == nil {
		n := r.ring.Clear()
		r.metrics.BuffersDiscarded.Add(1)
		r.logger.Debug("Buffer full; discarded", zap.Int("frames", n))
		return
	}
	snap := r.ring.SnapshotAndClear()
	if err := r.sink.Submit(snap); err != nil {
		r.metrics.SubmitErrors.Add(1)
		r.logger.Warn("Snapshot not queued for writing", zap.Error(err), zap.Int("frames", len(snap)))
		return
	}
	r.metrics.SnapshotsQueued.Add(1)
}

// Latest returns the most recently captured frame, or nil.
func (r *Recorder) Latest() *camera.Frame { return r.latest.Load() }

// Cell exposes the latest-frame cell for readers that want to wait.
func (r *Recorder) Cell() *camera.Cell { return &r.latest }

func (r *Recorder) StartCapture() {
	if !r.active.Swap(true) {
		r.logger.Info("Capture started")
	}
}

func (r *Recorder) StopCapture() {
	if r.active.Swap(false) {
		r.logger.Info("Capture stopped")
	}
}

func (r *Recorder) Active() bool { return r.active.Load() }

// StartRecording turns on persistence of full buffers.
func (r *Recorder) StartRecording() {
	if !r.recording.Swap(true) {
		r.logger.Info("Recording started")
	}
}

// StopRecording turns persistence off. Snapshots already queued are still
// written.
func (r *Recorder) StopRecording() {
	if r.recording.Swap(false) {
		r.logger.Info("Recording stopped")
	}
}

func (r *Recorder) Recording() bool { return r.recording.Load() }

// BufferLen returns the number of frames waiting in the ring.
func (r *Recorder) BufferLen() int { return r.ring.Len() }

// Close stops capture, flushes a partial buffer when recording, shuts the
// sink down (sentinel plus drain) and releases the source.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.active.Store(false)
	if r.recording.Load() && r.sink != nil && r.ring.Len() > 0 {
		if err := r.sink.Submit(r.ring.SnapshotAndClear()); err != nil {
			r.logger.Warn("Final snapshot not queued", zap.Error(err))
		}
	}
	r.mu.Unlock()

	var firstErr error
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.source.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.logger.Info("Recorder closed", zap.Uint64("frames", r.metrics.FramesCaptured.Load()))
	return firstErr
}

// GetMetrics returns capture statistics
func (r *Recorder) GetMetrics() map[string]interface{} {
	m := map[string]interface{}{
		"ticks":             r.metrics.Ticks.Load(),
		"frames_captured":   r.metrics.FramesCaptured.Load(),
		"read_errors":       r.metrics.ReadErrors.Load(),
		"append_errors":     r.metrics.AppendErrors.Load(),
		"buffers_discarded": r.metrics.BuffersDiscarded.Load(),
		"snapshots_queued":  r.metrics.SnapshotsQueued.Load(),
		"submit_errors":     r.metrics.SubmitErrors.Load(),
		"active":            r.Active(),
		"recording":         r.Recording(),
	}
	for k, v := range r.ring.Metrics() {
		m["buffer_"+k] = v
	}
	return m
}

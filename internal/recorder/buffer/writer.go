package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/recorder/encoder"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
)

var (
	ErrWriterClosed = errors.New("segment writer closed")
	ErrQueueFull    = errors.New("segment writer queue full")
)

// WriterConfig configures a SegmentWriter
type WriterConfig struct {
	Dir       string
	FPS       float64
	Quality   int
	QueueSize int
}

// job is one snapshot to persist. A nil job is the shutdown sentinel.
type job struct {
	entries   []Entry
	submitted time.Time
}

// SegmentWriter persists ring snapshots as segment files on a single
// goroutine, in submission order.
type SegmentWriter struct {
	cfg    WriterConfig
	queue  chan *job
	done   chan struct{}
	logger *zap.Logger

	onSegment func(storage.Segment)

	mu     sync.RWMutex
	closed bool

	// Metrics
	jobsQueued    atomic.Uint64
	jobsWritten   atomic.Uint64
	jobsFailed    atomic.Uint64
	jobsDropped   atomic.Uint64
	framesWritten atomic.Uint64
}

// NewSegmentWriter creates the output directory and starts the worker.
func NewSegmentWriter(cfg WriterConfig, logger *zap.Logger) (*SegmentWriter, error) {
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("segment writer fps must be positive")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	if logger == nil {
		logger = zap.L().Named("segment-writer")
	}

	w := &SegmentWriter{
		cfg:    cfg,
		queue:  make(chan *job, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w, nil
}

// OnSegment registers a hook called with every segment that was written.
// It runs on the writer goroutine; slow hooks delay later segments.
func (w *SegmentWriter) OnSegment(fn func(storage.Segment)) {
	w.mu.Lock()
	w.onSegment = fn
	w.mu.Unlock()
}

// Submit queues a snapshot for writing. It never blocks: when the queue is
// full the snapshot is dropped and ErrQueueFull returned.
func (w *SegmentWriter) Submit(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- &job{entries: entries, submitted: time.Now()}:
		w.jobsQueued.Add(1)
		return nil
	default:
		w.jobsDropped.Add(1)
		return ErrQueueFull
	}
}

// Close enqueues the sentinel and waits for every queued job to finish.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.queue <- nil
	<-w.done
	w.logger.Info("Segment writer stopped",
		zap.Uint64("written", w.jobsWritten.Load()),
		zap.Uint64("failed", w.jobsFailed.Load()))
	return nil
}

// Pending returns the number of queued jobs.
func (w *SegmentWriter) Pending() int { return len(w.queue) }

func (w *SegmentWriter) run() {
	defer close(w.done)
	for j := range w.queue {
		if j == nil {
			return
		}
		w.process(j)
	}
}

func (w *SegmentWriter) process(j *job) {
	defer func() {
		if r := recover(); r != nil {
			w.jobsFailed.Add(1)
			w.logger.Error("Segment job panicked", zap.Any("panic", r))
		}
	}()

	seg, err := w.write(j.entries)
	if err != nil {
		w.jobsFailed.Add(1)
		w.logger.Error("Failed to write segment", zap.Error(err), zap.Int("frames", len(j.entries)))
		if seg == nil {
			return
		}
	} else {
		w.jobsWritten.Add(1)
		w.logger.Debug("Segment written",
			zap.String("file", seg.Name),
			zap.Int("frames", len(j.entries)),
			zap.Duration("latency", time.Since(j.submitted)))
	}

	w.mu.RLock()
	hook := w.onSegment
	w.mu.RUnlock()
	if hook != nil {
		hook(*seg)
	}
}

// write encodes entries into one file. A failure after the file was created
// still closes it and returns the segment: partial files are kept.
func (w *SegmentWriter) write(entries []Entry) (*storage.Segment, error) {
	first, last := entries[0], entries[len(entries)-1]
	if first.Frame == nil || first.Frame.Image == nil {
		return nil, fmt.Errorf("snapshot starts with an empty frame")
	}
	bounds := first.Frame.Image.Bounds()

	start, end := first.Timestamp.Unix(), last.Timestamp.Unix()
	name := storage.SegmentName(start, end, encoder.Ext)
	path := filepath.Join(w.cfg.Dir, name)

	out, err := encoder.Create(path, encoder.Params{
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		FPS:     w.cfg.FPS,
		Quality: w.cfg.Quality,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	seg := &storage.Segment{Name: name, Path: path, Start: start, End: end}

	var writeErr error
	for _, e := range entries {
		if e.Frame == nil || e.Frame.Image == nil {
			continue
		}
		if writeErr = out.WriteFrame(e.Frame.Image, e.Timestamp); writeErr != nil {
			writeErr = fmt.Errorf("failed writing %s: %w", name, writeErr)
			break
		}
		w.framesWritten.Add(1)
	}
	if err := out.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	return seg, writeErr
}

// GetMetrics returns writer statistics
func (w *SegmentWriter) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"jobs_queued":    w.jobsQueued.Load(),
		"jobs_written":   w.jobsWritten.Load(),
		"jobs_failed":    w.jobsFailed.Load(),
		"jobs_dropped":   w.jobsDropped.Load(),
		"frames_written": w.framesWritten.Load(),
		"pending":        w.Pending(),
	}
}

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/recorder/storage"
)

// Archiver copies finished segments to the object store in the background.
// Enqueue never blocks; when the backlog is full the segment stays local only.
type Archiver struct {
	store   storage.ObjectStore
	prefix  string
	timeout time.Duration
	logger  *zap.SugaredLogger

	queue  chan storage.Segment
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	present  atomic.Uint64
}

func NewArchiver(store storage.ObjectStore, prefix string, backlog int, logger *zap.Logger) *Archiver {
	if backlog <= 0 {
		backlog = 16
	}
	if logger == nil {
		logger = zap.L().Named("archiver")
	}
	a := &Archiver{
		store:   store,
		prefix:  prefix,
		timeout: 2 * time.Minute,
		logger:  logger.Sugar(),
		queue:   make(chan storage.Segment, backlog),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Enqueue schedules seg for upload. It matches the segment writer's
// OnSegment hook signature.
func (a *Archiver) Enqueue(seg storage.Segment) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- seg:
	default:
		a.dropped.Add(1)
		a.logger.Warnw("Archive backlog full; segment kept local only", "file", seg.Name)
	}
}

// Close stops accepting work and waits for queued uploads.
func (a *Archiver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for seg := range a.queue {
		a.upload(seg)
	}
}

// Key returns the object key for a segment.
func (a *Archiver) Key(seg storage.Segment) string {
	return path.Join(a.prefix, time.Unix(seg.Start, 0).UTC().Format("2006/01/02"), seg.Name)
}

func (a *Archiver) upload(seg storage.Segment) {
	defer func() {
		if r := recover(); r != nil {
			a.failed.Add(1)
			a.logger.Errorw("Segment upload panicked", "file", seg.Name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	meta := map[string]string{
		"start": strconv.FormatInt(seg.Start, 10),
		"end":   strconv.FormatInt(seg.End, 10),
	}
	if sum := checksum(seg.Path); sum != "" {
		meta["sha256"] = sum
	}

	key := a.Key(seg)
	// A segment rewritten under the same name after a restart is already archived.
	if ok, err := a.store.Exists(ctx, key); err == nil && ok {
		a.present.Add(1)
		a.logger.Debugw("Segment already archived", "key", key)
		return
	}
	if err := a.store.PutFile(ctx, key, seg.Path, storage.WithMetadata(meta)); err != nil {
		a.failed.Add(1)
		if storage.IsAccessDenied(err) {
			a.logger.Errorw("Archive credentials rejected", "key", key, "error", err)
			return
		}
		a.logger.Warnw("Failed to archive segment", "file", seg.Name, "key", key, "error", err)
		return
	}
	a.uploaded.Add(1)
	a.logger.Debugw("Segment archived", "key", key)
}

func checksum(p string) string {
	file, err := os.Open(p)
	if err != nil {
		return ""
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return ""
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func (a *Archiver) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uploaded": a.uploaded.Load(),
		"failed":   a.failed.Load(),
		"dropped":  a.dropped.Load(),
		"present":  a.present.Load(),
		"backlog":  len(a.queue),
	}
}

package storage

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SweepResult summarises one retention pass.
type SweepResult struct {
	Deleted   []string
	Skipped   []string // malformed names left alone
	Failed    map[string]error
	DiskUsage *DiskUsage
}

// Sweeper deletes files whose range ended more than Horizon ago. MaybeRun
// is cheap and meant to be called on every capture tick; it starts at most
// one detached pass per Interval.
type Sweeper struct {
	catalog  *Catalog
	horizon  time.Duration
	interval time.Duration
	logger   *zap.Logger

	lastRun atomic.Int64 // unix nanos
	running atomic.Bool
	passes  atomic.Uint64
	deleted atomic.Uint64

	remove func(string) error
	done   func(SweepResult)
}

// NewSweeper creates a sweeper whose first pass is due one interval from now.
func NewSweeper(catalog *Catalog, horizon, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.L().Named("retention")
	}
	s := &Sweeper{
		catalog:  catalog,
		horizon:  horizon,
		interval: interval,
		logger:   logger,
		remove:   os.Remove,
	}
	s.lastRun.Store(time.Now().UnixNano())
	return s
}

// OnSweep registers a hook called after each detached pass.
func (s *Sweeper) OnSweep(fn func(SweepResult)) { s.done = fn }

// MaybeRun starts a pass in the background if Interval has elapsed since the
// previous one and none is running. It reports whether a pass was started.
func (s *Sweeper) MaybeRun(now time.Time) bool {
	last := s.lastRun.Load()
	if now.UnixNano()-last <= int64(s.interval) {
		return false
	}
	if !s.lastRun.CompareAndSwap(last, now.UnixNano()) {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer s.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Retention sweep panicked", zap.Any("panic", r))
			}
		}()
		res := s.Sweep(now)
		if s.done != nil {
			s.done(res)
		}
	}()
	return true
}

// Sweep deletes every file whose end is strictly before now minus the
// horizon. Failures are logged and do not stop the pass.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	res := SweepResult{Failed: map[string]error{}}
	cutoff := now.Add(-s.horizon)

	segs, malformed, err := s.catalog.List()
	if err != nil {
		s.logger.Warn("Retention sweep could not list directory", zap.String("dir", s.catalog.Dir), zap.Error(err))
		return res
	}
	for _, name := range malformed {
		s.logger.Debug("Skipping file with unparseable name", zap.String("file", name))
	}
	res.Skipped = malformed

	for _, seg := range segs {
		if !time.Unix(seg.End, 0).Before(cutoff) {
			continue
		}
		if err := s.remove(seg.Path); err != nil {
			s.logger.Warn("Failed to delete expired file", zap.String("file", seg.Name), zap.Error(err))
			res.Failed[seg.Name] = err
			continue
		}
		res.Deleted = append(res.Deleted, seg.Name)
	}

	s.passes.Add(1)
	s.deleted.Add(uint64(len(res.Deleted)))

	usage, err := Usage(s.catalog.Dir)
	if err == nil {
		res.DiskUsage = usage
	}
	fields := []zap.Field{
		zap.String("dir", s.catalog.Dir),
		zap.Int("deleted", len(res.Deleted)),
		zap.Int("failed", len(res.Failed)),
		zap.Time("cutoff", cutoff),
	}
	if usage != nil {
		fields = append(fields, zap.String("disk", usage.String()))
	}
	s.logger.Info("Retention sweep complete", fields...)
	return res
}

func (s *Sweeper) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"passes":  s.passes.Load(),
		"deleted": s.deleted.Load(),
		"running": s.running.Load(),
	}
}

// DiskUsage describes the filesystem holding a directory.
type DiskUsage struct {
	Total uint64
	Free  uint64
}

func (d *DiskUsage) Used() uint64 { return d.Total - d.Free }

func (d *DiskUsage) String() string {
	const gib = 1 << 30
	return fmt.Sprintf("%.2f GiB free of %.2f GiB", float64(d.Free)/gib, float64(d.Total)/gib)
}

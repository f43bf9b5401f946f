package seedo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/camera"
)

// ClipSource assembles an evidence clip around t. pipeline.Assembler
// satisfies it.
type ClipSource interface {
	ClipAround(ctx context.Context, t time.Time) (string, bool, error)
}

type DispatcherConfig struct {
	// Grace lets the ring buffer collect post-trigger footage before the
	// clip is cut.
	Grace time.Duration
	// Timeout bounds clip assembly plus the action itself.
	Timeout time.Duration
}

// Dispatcher applies the per-rule debounce and runs the action. Failures
// are logged and counted; nothing is retried and nothing propagates.
type Dispatcher struct {
	clips  ClipSource
	runner Executor
	cfg    DispatcherConfig
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	fired      atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
	noClip     atomic.Uint64
}

// NewDispatcher builds a dispatcher. clips may be nil, in which case
// actions always run without a clip.
func NewDispatcher(clips ClipSource, runner Executor, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.L().Named("dispatcher")
	}
	return &Dispatcher{
		clips:  clips,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle is called after rule's condition held for frame at now. It
// reports whether the action was started.
func (d *Dispatcher) Handle(ctx context.Context, rule *Rule, frame *camera.Frame, now time.Time) bool {
	if !rule.tryFire(now) {
		d.suppressed.Add(1)
		last, _ := rule.LastAction()
		d.logger.Info("Trigger suppressed",
			zap.String("rule", rule.Name),
			zap.Duration("since_last", now.Sub(last)),
			zap.Duration("min_retrigger", rule.MinRetrigger))
		return false
	}

	defer func() {
		if p := recover(); p != nil {
			d.failed.Add(1)
			d.logger.Error("Action panicked", zap.String("rule", rule.Name), zap.Any("panic", p))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout+d.cfg.Grace)
	defer cancel()

	ac := ActionContext{
		AlertID:   uuid.NewString(),
		Rule:      rule.Name,
		Timestamp: now,
		Frame:     frame,
	}
	if d.clips != nil && rule.Action.wantsClip() {
		ac.ClipPath = d.clip(ctx, rule, now)
	}

	d.fired.Add(1)
	if err := d.runner.Run(ctx, rule.Action, ac); err != nil {
		d.failed.Add(1)
		d.logger.Error("Action failed",
			zap.String("rule", rule.Name),
			zap.String("action", rule.Action.Kind()),
			zap.String("alert_id", ac.AlertID),
			zap.Error(err))
		return true
	}
	d.logger.Info("Action fired",
		zap.String("rule", rule.Name),
		zap.String("action", rule.Action.Kind()),
		zap.String("alert_id", ac.AlertID),
		zap.String("clip", ac.ClipPath))
	return true
}

// clip waits out the grace period and asks for a clip. Any failure yields
// an empty path; the action still fires.
func (d *Dispatcher) clip(ctx context.Context, rule *Rule, now time.Time) string {
	if err := d.sleep(ctx, d.cfg.Grace); err != nil {
		d.noClip.Add(1)
		return ""
	}
	p, ok, err := d.clips.ClipAround(ctx, now)
	switch {
	case err != nil:
		d.noClip.Add(1)
		d.logger.Warn("Clip assembly failed", zap.String("rule", rule.Name), zap.Error(err))
		return ""
	case !ok:
		d.noClip.Add(1)
		d.logger.Info("No footage for clip", zap.String("rule", rule.Name), zap.Time("at", now))
		return ""
	}
	return p
}

func (d *Dispatcher) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"fired":      d.fired.Load(),
		"suppressed": d.suppressed.Load(),
		"failed":     d.failed.Load(),
		"no_clip":    d.noClip.Load(),
	}
}

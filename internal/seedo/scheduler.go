package seedo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/inference"
)

type SchedulerConfig struct {
	// Workers caps concurrent evaluations regardless of rule count.
	Workers int
	// EvalTimeout bounds a single evaluation, inference included.
	EvalTimeout time.Duration
}

// Scheduler fans each new frame out to the rules that are due. It is
// driven from the heartbeat goroutine and never blocks it: when every
// worker is busy a due rule is left due and picked up on a later frame.
type Scheduler struct {
	registry   *Registry
	svc        inference.Service
	dispatcher *Dispatcher
	cfg        SchedulerConfig
	logger     *zap.Logger

	ctx context.Context
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu        sync.Mutex
	lastFrame *camera.Frame
	cursor    int

	dispatched atomic.Uint64
	deferred   atomic.Uint64
	triggered  atomic.Uint64
	evalErrors atomic.Uint64
}

// NewScheduler builds a scheduler whose tasks inherit ctx. svc may be nil
// when no rule needs inference.
func NewScheduler(ctx context.Context, registry *Registry, svc inference.Service, dispatcher *Dispatcher, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.L().Named("scheduler")
	}
	return &Scheduler{
		registry:   registry,
		svc:        svc,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// OnFrame dispatches an evaluation for every enabled, due rule and returns
// how many were started. A frame already seen is ignored.
func (s *Scheduler) OnFrame(frame *camera.Frame, now time.Time) int {
	if frame == nil {
		return 0
	}
	s.mu.Lock()
	if frame == s.lastFrame {
		s.mu.Unlock()
		return 0
	}
	s.lastFrame = frame
	// Rotate the starting rule so a saturated pool cannot starve the tail.
	start := s.cursor
	s.cursor++
	s.mu.Unlock()

	rules := s.registry.List()
	n := 0
	for i := range rules {
		rule := rules[(start+i)%len(rules)]
		if !rule.Enabled() || !rule.due(now) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.deferred.Add(1)
			continue
		}
		rule.markRan(now)
		s.dispatched.Add(1)
		s.wg.Add(1)
		go s.run(rule, frame, now)
		n++
	}
	return n
}

func (s *Scheduler) run(rule *Rule, frame *camera.Frame, now time.Time) {
	defer s.wg.Done()
	release := sync.OnceFunc(func() { s.sem.Release(1) })
	defer release()
	defer func() {
		if p := recover(); p != nil {
			s.evalErrors.Add(1)
			s.logger.Error("Evaluation panicked", zap.String("rule", rule.Name), zap.Any("panic", p))
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.EvalTimeout)
	ok, err := Evaluate(ctx, rule.Condition, frame, s.svc)
	cancel()
	// The worker slot covers evaluation only; grace delays and mail
	// delivery must not starve other rules.
	release()

	if err != nil {
		s.evalErrors.Add(1)
		s.logger.Warn("Evaluation failed", zap.String("rule", rule.Name), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.triggered.Add(1)
	s.logger.Debug("Condition met", zap.String("rule", rule.Name), zap.Time("at", now))
	if s.dispatcher != nil {
		s.dispatcher.Handle(s.ctx, rule, frame, now)
	}
}

// Wait blocks until every dispatched task, action included, has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"dispatched":  s.dispatched.Load(),
		"deferred":    s.deferred.Load(),
		"triggered":   s.triggered.Load(),
		"eval_errors": s.evalErrors.Load(),
	}
}

package seedo

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/inference"
)

func newTestScheduler(t *testing.T, svc inference.Service, workers int, rules ...*Rule) (*Scheduler, *recordingExecutor) {
	t.Helper()
	reg := NewRegistry(nil, zap.NewNop())
	for _, r := range rules {
		require.NoError(t, reg.Add(context.Background(), r))
	}
	exec := &recordingExecutor{}
	d := NewDispatcher(nil, exec, DispatcherConfig{}, zap.NewNop())
	return NewScheduler(context.Background(), reg, svc, d, SchedulerConfig{Workers: workers}, zap.NewNop()), exec
}

func TestSchedulerDedupsFrame(t *testing.T) {
	r := mustRule(t, "bright", 0, 0, Brightness{Threshold: 10}, testEmailAction)
	s, exec := newTestScheduler(t, nil, 4, r)

	f := solidFrame(200, 4, 4)
	assert.Equal(t, 1, s.OnFrame(f, ts(0)))
	assert.Equal(t, 0, s.OnFrame(f, ts(1)), "same frame twice")
	assert.Equal(t, 0, s.OnFrame(nil, ts(2)))
	assert.Equal(t, 1, s.OnFrame(solidFrame(200, 4, 4), ts(3)))
	s.Wait()

	assert.Len(t, exec.Calls(), 2)
}

func TestSchedulerInterval(t *testing.T) {
	r := mustRule(t, "r", 2*time.Second, 0, Brightness{Threshold: 10}, testEmailAction)
	s, _ := newTestScheduler(t, nil, 4, r)

	var started []float64
	for _, sec := range []float64{0, 1, 1.99, 2, 3, 4.5} {
		if s.OnFrame(solidFrame(200, 2, 2), ts(sec)) > 0 {
			started = append(started, sec)
		}
	}
	s.Wait()
	assert.Equal(t, []float64{0, 2, 4.5}, started)
	assert.Equal(t, ts(4.5), r.LastRun())
}

func TestSchedulerSkipsDisabled(t *testing.T) {
	on := mustRule(t, "on", 0, 0, Brightness{Threshold: 10}, testEmailAction)
	off := mustRule(t, "off", 0, 0, Brightness{Threshold: 10}, testEmailAction)
	off.setEnabled(false)
	s, exec := newTestScheduler(t, nil, 4, on, off)

	assert.Equal(t, 1, s.OnFrame(solidFrame(200, 2, 2), ts(0)))
	s.Wait()
	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "on", calls[0].ac.Rule)
	assert.True(t, off.LastRun().IsZero())
}

func TestSchedulerFalseConditionDoesNotDispatch(t *testing.T) {
	r := mustRule(t, "r", 0, 0, Brightness{Threshold: 250}, testEmailAction)
	s, exec := newTestScheduler(t, nil, 4, r)

	s.OnFrame(solidFrame(10, 2, 2), ts(0))
	s.Wait()
	assert.Empty(t, exec.Calls())
	assert.Equal(t, uint64(0), s.GetMetrics()["triggered"])
}

// blockingInference holds Embed until released.
type blockingInference struct {
	fakeInference
	entered chan struct{}
	release chan struct{}
}

func (b *blockingInference) Embed(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeInference.Embed(ctx, imgs)
}

func TestSchedulerBoundsWorkers(t *testing.T) {
	svc := &blockingInference{entered: make(chan struct{}, 4), release: make(chan struct{})}
	cond := RegionSimilarity{Regions: []Region{{ROI: image.Rect(0, 0, 2, 2), Embedding: []float32{1, 0}, Threshold: 0.5, GreaterThan: true}}}
	a := mustRule(t, "a", 10*time.Second, 0, cond, testEmailAction)
	b := mustRule(t, "b", 0, 0, cond, testEmailAction)
	s, exec := newTestScheduler(t, svc, 1, a, b)

	assert.Equal(t, 1, s.OnFrame(solidFrame(0, 4, 4), ts(0)))
	<-svc.entered
	assert.True(t, b.LastRun().IsZero(), "deferred rule stays due")
	assert.Equal(t, uint64(1), s.GetMetrics()["deferred"])

	close(svc.release)
	s.Wait()

	assert.Equal(t, 1, s.OnFrame(solidFrame(0, 4, 4), ts(1)), "b runs once a slot is free")
	s.Wait()
	assert.Len(t, exec.Calls(), 2)
}

type panickyInference struct{ fakeInference }

func (panickyInference) Embed(context.Context, []image.Image) ([][]float32, error) {
	panic("segfault in model")
}

func TestSchedulerRecoversPanics(t *testing.T) {
	cond := RegionSimilarity{Regions: []Region{{ROI: image.Rect(0, 0, 2, 2), Embedding: []float32{1, 0}, Threshold: 0.5, GreaterThan: true}}}
	r := mustRule(t, "r", 0, 0, cond, testEmailAction)
	s, exec := newTestScheduler(t, &panickyInference{}, 1, r)

	s.OnFrame(solidFrame(0, 4, 4), ts(0))
	s.Wait()
	assert.Empty(t, exec.Calls())
	assert.Equal(t, uint64(1), s.GetMetrics()["eval_errors"])

	// The worker slot was returned.
	assert.Equal(t, 1, s.OnFrame(solidFrame(0, 4, 4), ts(1)))
	s.Wait()
}

func TestSchedulerConcurrentTriggersFireOnce(t *testing.T) {
	// Many frames in quick succession all satisfy the condition; the
	// re-trigger floor lets exactly one action through.
	r := mustRule(t, "r", 0, time.Hour, Brightness{Threshold: 10}, testEmailAction)
	s, exec := newTestScheduler(t, nil, 8, r)

	for i := 0; i < 20; i++ {
		s.OnFrame(solidFrame(200, 2, 2), ts(float64(i)*0.01))
	}
	s.Wait()
	assert.Len(t, exec.Calls(), 1)
}

func TestSchedulerRotatesStartingRule(t *testing.T) {
	svc := &blockingInference{entered: make(chan struct{}, 4), release: make(chan struct{})}
	close(svc.release)
	cond := RegionSimilarity{Regions: []Region{{ROI: image.Rect(0, 0, 2, 2), Embedding: []float32{1, 0}, Threshold: 0.5, GreaterThan: true}}}
	a := mustRule(t, "a", 0, 0, cond, testEmailAction)
	b := mustRule(t, "b", 0, 0, cond, testEmailAction)
	s, _ := newTestScheduler(t, svc, 1, a, b)

	// With one worker and two always-due rules, neither starves.
	for i := 0; i < 4; i++ {
		s.OnFrame(solidFrame(0, 4, 4), ts(float64(i)))
		s.Wait()
	}
	assert.False(t, a.LastRun().IsZero())
	assert.False(t, b.LastRun().IsZero())
}

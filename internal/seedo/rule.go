// Package seedo holds the trigger rules ("SeeDos"): their conditions and
// actions, the registry, the per-frame scheduler and the debounced
// dispatcher that fires actions.
package seedo

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRuleExists   = errors.New("rule already exists")
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidRule  = errors.New("invalid rule")
)

// Rule binds a condition to an action. Name is the identity. The
// scheduler owns lastRun; lastAction is guarded by mu so that concurrent
// evaluations agree on whether the re-trigger floor has passed.
type Rule struct {
	Name         string
	Interval     time.Duration
	MinRetrigger time.Duration
	Condition    Condition
	Action       Action

	enabled atomic.Bool
	lastRun atomic.Int64 // unix nanos, 0 = never

	mu         sync.Mutex
	lastAction time.Time
	hasFired   bool
}

// NewRule validates the definition and returns an enabled or disabled rule
// with clean run state.
func NewRule(name string, interval, minRetrigger time.Duration, cond Condition, action Action, enabled bool) (*Rule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if interval < 0 || minRetrigger < 0 {
		return nil, fmt.Errorf("%w: %s: negative interval", ErrInvalidRule, name)
	}
	if cond == nil {
		return nil, fmt.Errorf("%w: %s: missing condition", ErrInvalidRule, name)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: %s: missing action", ErrInvalidRule, name)
	}
	if err := cond.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, name, err)
	}
	if err := action.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, name, err)
	}
	r := &Rule{
		Name:         name,
		Interval:     interval,
		MinRetrigger: minRetrigger,
		Condition:    cond,
		Action:       action,
	}
	r.enabled.Store(enabled)
	return r, nil
}

func (r *Rule) Enabled() bool { return r.enabled.Load() }

func (r *Rule) setEnabled(v bool) { r.enabled.Store(v) }

// Type is the condition kind, used as the persisted rule type.
func (r *Rule) Type() string { return r.Condition.Kind() }

// Slug is the directory and file stem used for the rule's assets.
func (r *Rule) Slug() string { return Slug(r.Name) }

// Slug lowercases name and replaces spaces and path separators.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "/", "_", "\\", "_", "..", "_").Replace(s)
}

func (r *Rule) due(now time.Time) bool {
	last := r.lastRun.Load()
	if last == 0 {
		return true
	}
	return now.Sub(time.Unix(0, last)) >= r.Interval
}

func (r *Rule) markRan(now time.Time) { r.lastRun.Store(now.UnixNano()) }

// LastRun reports when evaluation was last started.
func (r *Rule) LastRun() time.Time {
	last := r.lastRun.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// tryFire is the debounce gate: it reports whether the action may fire at
// now and, if so, records now as the last firing in the same critical
// section.
func (r *Rule) tryFire(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasFired && now.Sub(r.lastAction) < r.MinRetrigger {
		return false
	}
	r.lastAction = now
	r.hasFired = true
	return true
}

// LastAction reports the last firing, or false if the rule never fired.
func (r *Rule) LastAction() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAction, r.hasFired
}

// Status is a point-in-time view of a rule for the control API.
type Status struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Action       string     `json:"action"`
	Enabled      bool       `json:"enabled"`
	Interval     float64    `json:"interval_sec"`
	MinRetrigger float64    `json:"min_retrigger_interval_sec"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastAction   *time.Time `json:"last_action,omitempty"`
}

func (r *Rule) Status() Status {
	s := Status{
		Name:         r.Name,
		Type:         r.Type(),
		Action:       r.Action.Kind(),
		Enabled:      r.Enabled(),
		Interval:     r.Interval.Seconds(),
		MinRetrigger: r.MinRetrigger.Seconds(),
	}
	if t := r.LastRun(); !t.IsZero() {
		s.LastRun = &t
	}
	if t, ok := r.LastAction(); ok {
		s.LastAction = &t
	}
	return s
}

package seedo

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Store persists rule definitions. Implementations skip definitions they
// cannot parse rather than failing the whole load.
type Store interface {
	LoadAll(ctx context.Context) ([]*Rule, error)
	Save(ctx context.Context, rule *Rule) error
}

// Registry is the live set of rules, in insertion order.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu    sync.RWMutex
	rules map[string]*Rule
	order []*Rule

	// held across read, flip and save of an enabled flag
	toggleMu sync.Mutex
}

// NewRegistry returns an empty registry. store may be nil for an
// in-memory registry.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L().Named("registry")
	}
	return &Registry{store: store, logger: logger, rules: make(map[string]*Rule)}
}

// Load adds every stored rule. Duplicate names keep the first definition.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	rules, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}
	n := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range rules {
		if _, dup := r.rules[rule.Name]; dup {
			r.logger.Warn("Skipping duplicate rule", zap.String("rule", rule.Name))
			continue
		}
		r.rules[rule.Name] = rule
		r.order = append(r.order, rule)
		n++
	}
	r.logger.Info("Rules loaded", zap.Int("count", n))
	return n, nil
}

// Add registers a new rule and persists it. The rule is not kept if it
// cannot be saved.
func (r *Registry) Add(ctx context.Context, rule *Rule) error {
	r.mu.Lock()
	if _, dup := r.rules[rule.Name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.Name)
	}
	r.rules[rule.Name] = rule
	r.order = append(r.order, rule)
	r.mu.Unlock()

	if err := r.save(ctx, rule); err != nil {
		r.remove(rule)
		return err
	}
	r.logger.Info("Rule added",
		zap.String("rule", rule.Name),
		zap.String("type", rule.Type()),
		zap.String("action", rule.Action.Kind()))
	return nil
}

func (r *Registry) remove(rule *Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, rule.Name)
	for i, x := range r.order {
		if x == rule {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return rule, nil
}

// List returns a snapshot of the rules; the slice is the caller's.
func (r *Registry) List() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Rule, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Toggle flips a rule's enabled flag and returns the new value.
func (r *Registry) Toggle(ctx context.Context, name string) (bool, error) {
	rule, err := r.Get(name)
	if err != nil {
		return false, err
	}
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()
	next := !rule.Enabled()
	return next, r.setEnabled(ctx, rule, next)
}

func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	rule, err := r.Get(name)
	if err != nil {
		return err
	}
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()
	return r.setEnabled(ctx, rule, enabled)
}

// setEnabled persists the change and reverts it if the save fails, so the
// live state never drifts from storage.
func (r *Registry) setEnabled(ctx context.Context, rule *Rule, enabled bool) error {
	prev := rule.Enabled()
	if prev == enabled {
		return nil
	}
	rule.setEnabled(enabled)
	if err := r.save(ctx, rule); err != nil {
		rule.setEnabled(prev)
		return err
	}
	r.logger.Info("Rule toggled", zap.String("rule", rule.Name), zap.Bool("enabled", enabled))
	return nil
}

func (r *Registry) save(ctx context.Context, rule *Rule) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, rule); err != nil {
		return fmt.Errorf("save rule %s: %w", rule.Name, err)
	}
	return nil
}

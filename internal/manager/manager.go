// Package manager owns the in-memory strategy cache and the lifecycle of
// running strategy evaluators. Definitions are served from the cache only
// after an explicit warm load from the store; activation before the warm
// load is a precondition failure, never a silent miss.
package manager

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/strategystore"
)

// Runner is a live evaluation loop for one activated strategy.
type Runner interface {
	Run(ctx context.Context) error
	// Stop halts evaluation. When closePositions is set, open positions are
	// flattened before the runner returns.
	Stop(ctx context.Context, closePositions bool) error
}

// RunnerFactory builds a runner for an activated strategy record.
type RunnerFactory func(record strategystore.Record) (Runner, error)

// DeactivateOptions controls what happens to open positions on deactivation.
type DeactivateOptions struct {
	ClosePositions bool
}

type active struct {
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager caches strategy definitions and controls evaluator lifecycles.
type Manager struct {
	store   strategystore.Store
	factory RunnerFactory
	logger  *log.Logger

	mu      sync.Mutex
	warm    bool
	cache   map[string]strategystore.Record
	actives map[string]*active
}

// New builds a manager over the given store and runner factory.
func New(store strategystore.Store, factory RunnerFactory, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errs.New("manager/new", errs.CodeValidation, errs.WithMessage("store required"))
	}
	if factory == nil {
		return nil, errs.New("manager/new", errs.CodeValidation, errs.WithMessage("runner factory required"))
	}
	return &Manager{
		store:   store,
		factory: factory,
		logger:  logger,
		cache:   make(map[string]strategystore.Record),
		actives: make(map[string]*active),
	}, nil
}

// LoadFromStore replaces the cache with the store contents and marks the
// manager warm. Running strategies keep the definition they started with.
func (m *Manager) LoadFromStore(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.cache = make(map[string]strategystore.Record, len(records))
	for _, record := range records {
		m.cache[record.ID] = record
	}
	m.warm = true
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Printf("manager: cache warmed with %d strategies", len(records))
	}
	return len(records), nil
}

// Warm reports whether LoadFromStore has completed at least once.
func (m *Manager) Warm() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warm
}

// Get returns a cached definition.
func (m *Manager) Get(id string) (strategystore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.warm {
		return strategystore.Record{}, errs.New("manager/get", errs.CodePrecondition,
			errs.WithMessage("strategy cache not warmed"))
	}
	record, ok := m.cache[id]
	if !ok {
		return strategystore.Record{}, errs.New("manager/get", errs.CodeNotFound,
			errs.WithMessage("strategy not cached"), errs.WithField("strategy_id", id))
	}
	return record, nil
}

// IDs lists cached strategy ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.cache))
	for id := range m.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active lists running strategy ids, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.actives))
	for id := range m.actives {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Activate starts an evaluator for a cached, enabled strategy. Activation is
// at-most-once: a second activation of a running strategy is a conflict.
func (m *Manager) Activate(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errs.New("manager/activate", errs.CodeValidation, errs.WithMessage("strategy id required"))
	}

	m.mu.Lock()
	if !m.warm {
		m.mu.Unlock()
		return errs.New("manager/activate", errs.CodePrecondition,
			errs.WithMessage("strategy cache not warmed"), errs.WithField("strategy_id", id))
	}
	record, ok := m.cache[id]
	if !ok {
		m.mu.Unlock()
		return errs.New("manager/activate", errs.CodeNotFound,
			errs.WithMessage("strategy not cached"), errs.WithField("strategy_id", id))
	}
	if !record.Definition.Enabled {
		m.mu.Unlock()
		return errs.New("manager/activate", errs.CodePrecondition,
			errs.WithMessage("strategy disabled"), errs.WithField("strategy_id", id))
	}
	if _, running := m.actives[id]; running {
		m.mu.Unlock()
		return errs.New("manager/activate", errs.CodeConflict,
			errs.WithMessage("strategy already active"), errs.WithField("strategy_id", id))
	}

	runner, err := m.factory(record)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &active{runner: runner, cancel: cancel, done: make(chan struct{})}
	m.actives[id] = entry
	m.mu.Unlock()

	go func() {
		defer close(entry.done)
		if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			if m.logger != nil {
				m.logger.Printf("manager: evaluator %s exited: %v", id, err)
			}
		}
		m.mu.Lock()
		if m.actives[id] == entry {
			delete(m.actives, id)
		}
		m.mu.Unlock()
	}()

	if m.logger != nil {
		m.logger.Printf("manager: activated %s (version %d)", id, record.Version)
	}
	return nil
}

// Deactivate stops a running evaluator. Deactivating an inactive strategy is
// a no-op so callers can retry freely.
func (m *Manager) Deactivate(ctx context.Context, id string, opts DeactivateOptions) error {
	m.mu.Lock()
	entry, ok := m.actives[id]
	if ok {
		delete(m.actives, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := entry.runner.Stop(ctx, opts.ClosePositions); err != nil {
		entry.cancel()
		return err
	}
	entry.cancel()
	select {
	case <-entry.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.logger != nil {
		m.logger.Printf("manager: deactivated %s (close_positions=%t)", id, opts.ClosePositions)
	}
	return nil
}

// ActivateAll activates every enabled cached strategy, returning the ids
// that started. Individual failures are logged and skipped.
func (m *Manager) ActivateAll(ctx context.Context) []string {
	var started []string
	for _, id := range m.IDs() {
		record, err := m.Get(id)
		if err != nil || !record.Definition.Enabled {
			continue
		}
		if err := m.Activate(ctx, id); err != nil {
			if m.logger != nil {
				m.logger.Printf("manager: activate %s: %v", id, err)
			}
			continue
		}
		started = append(started, id)
	}
	return started
}

// DeactivateAll stops every running evaluator.
func (m *Manager) DeactivateAll(ctx context.Context, opts DeactivateOptions) error {
	var firstErr error
	for _, id := range m.Active() {
		if err := m.Deactivate(ctx, id, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApplyChange folds a store change notification into the cache. Running
// evaluators are not restarted; the new definition applies on next
// activation.
func (m *Manager) ApplyChange(change strategystore.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.warm {
		return
	}
	switch change.Kind {
	case strategystore.ChangeSaved, strategystore.ChangeEnabled:
		m.cache[change.ID] = change.Record
	case strategystore.ChangeDeleted:
		delete(m.cache, change.ID)
	}
}

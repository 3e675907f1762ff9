package strategystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// Memory is an in-process store. Writes are serialized per id so concurrent
// saves of different strategies do not contend.
type Memory struct {
	validator *Validator

	mu      sync.RWMutex
	records map[string]Record
	locks   map[string]*sync.Mutex

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewMemory builds an empty in-memory store.
func NewMemory(validator *Validator) *Memory {
	if validator == nil {
		validator = NewValidator(nil)
	}
	return &Memory{
		validator: validator,
		records:   make(map[string]Record),
		locks:     make(map[string]*sync.Mutex),
	}
}

// AddListener registers a change listener.
func (m *Memory) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

func (m *Memory) notify(change Change) {
	m.listenerMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()
	for _, l := range listeners {
		l(change)
	}
}

func (m *Memory) idLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Save validates and upserts a definition.
func (m *Memory) Save(ctx context.Context, id string, def schema.Strategy) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, errs.New("strategystore/save", errs.CodeValidation,
			errs.WithMessage("strategy id required"))
	}
	if _, err := m.validator.Validate(def); err != nil {
		return Record{}, err
	}

	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	prev := m.records[id]
	record := Record{
		ID:         id,
		Definition: def,
		Version:    prev.Version + 1,
		UpdatedAt:  time.Now().UTC(),
	}
	m.records[id] = record
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeSaved, ID: id, Record: record})
	return record, nil
}

// Get returns a stored record.
func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	record, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, errs.New("strategystore/get", errs.CodeNotFound,
			errs.WithMessage("strategy not found"), errs.WithField("strategy_id", id))
	}
	return record, nil
}

// List returns all records sorted by id.
func (m *Memory) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a record.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	_, ok := m.records[id]
	if ok {
		delete(m.records, id)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New("strategystore/delete", errs.CodeNotFound,
			errs.WithMessage("strategy not found"), errs.WithField("strategy_id", id))
	}
	m.notify(Change{Kind: ChangeDeleted, ID: id})
	return nil
}

// SetEnabled flips the enabled flag.
func (m *Memory) SetEnabled(ctx context.Context, id string, enabled bool) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	record, ok := m.records[id]
	if ok {
		record.Definition.Enabled = enabled
		record.Version++
		record.UpdatedAt = time.Now().UTC()
		m.records[id] = record
	}
	m.mu.Unlock()
	if !ok {
		return Record{}, errs.New("strategystore/enable", errs.CodeNotFound,
			errs.WithMessage("strategy not found"), errs.WithField("strategy_id", id))
	}
	m.notify(Change{Kind: ChangeEnabled, ID: id, Record: record})
	return record, nil
}

var _ Store = (*Memory)(nil)
var _ Notifier = (*Memory)(nil)

// Package session orchestrates trading session lifecycles. A session binds a
// mode, a symbol set and a budget cap to a warmed strategy manager; startup
// always loads the strategy cache before any activation.
package session

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/manager"
	"github.com/LKrysik/quantra/internal/schema"
	"github.com/LKrysik/quantra/internal/strategystore"
)

// Binding is what a session needs from the execution layer: a runner factory
// wired to a budget-capped trader, and a teardown hook invoked on stop.
type Binding struct {
	Factory  manager.RunnerFactory
	Teardown func()
}

// Binder builds the execution binding for a starting session. The caller
// typically constructs an order manager capped at the session budget and
// returns evaluator runners wired to it.
type Binder func(sess schema.Session) (Binding, error)

// Config parameterizes the controller.
type Config struct {
	Store  strategystore.Store
	Bus    *bus.Bus
	Binder Binder
	Logger *log.Logger
	// MaxBudgetUSD caps the budget a session may request. Zero means no cap.
	MaxBudgetUSD float64
	Clock        func() schema.Nanos
}

// StartRequest asks for a new session.
type StartRequest struct {
	Mode      config.Mode
	Symbols   []string
	BudgetUSD float64
	// Idempotent returns the conflicting session instead of failing when an
	// equal-or-higher priority session already covers a requested symbol.
	Idempotent bool
}

// StopOptions controls position handling on stop.
type StopOptions struct {
	ClosePositions bool
}

type state struct {
	sess     schema.Session
	manager  *manager.Manager
	teardown func()
}

// Controller owns sessions. Start enforces the ordering load_from_store then
// activate then return, so an evaluator can never run against a cold cache.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*state
}

// New builds a session controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errs.New("session/new", errs.CodeValidation, errs.WithMessage("store required"))
	}
	if cfg.Bus == nil {
		return nil, errs.New("session/new", errs.CodeValidation, errs.WithMessage("bus required"))
	}
	if cfg.Binder == nil {
		return nil, errs.New("session/new", errs.CodeValidation, errs.WithMessage("binder required"))
	}
	if cfg.Clock == nil {
		cfg.Clock = schema.Now
	}
	return &Controller{cfg: cfg, sessions: make(map[string]*state)}, nil
}

// Start creates and runs a session. It returns only after the strategy cache
// is warm and every enabled strategy has been activated.
func (c *Controller) Start(ctx context.Context, req StartRequest) (schema.Session, error) {
	symbols, err := c.validate(req)
	if err != nil {
		return schema.Session{}, err
	}

	c.mu.Lock()
	if existing := c.conflicting(symbols, req.Mode.Priority()); existing != nil {
		sess := existing.sess
		c.mu.Unlock()
		if req.Idempotent {
			return sess, nil
		}
		return schema.Session{}, errs.New("session/start", errs.CodeConflict,
			errs.WithMessage("session conflict on overlapping symbols"),
			errs.WithField("session_id", sess.SessionID),
			errs.WithField("mode", sess.Mode))
	}

	sess := schema.Session{
		SessionID: uuid.NewString(),
		Mode:      string(req.Mode),
		Symbols:   symbols,
		BudgetUSD: req.BudgetUSD,
		Status:    schema.SessionStarting,
		StartedAt: c.cfg.Clock(),
	}
	entry := &state{sess: sess}
	c.sessions[sess.SessionID] = entry
	c.mu.Unlock()

	binding, err := c.cfg.Binder(sess)
	if err != nil {
		return schema.Session{}, c.fail(entry, err)
	}
	entry.teardown = binding.Teardown

	mgr, err := manager.New(c.cfg.Store, binding.Factory, c.cfg.Logger)
	if err != nil {
		return schema.Session{}, c.fail(entry, err)
	}
	entry.manager = mgr

	// Cache warm strictly before activation.
	count, err := mgr.LoadFromStore(ctx)
	if err != nil {
		return schema.Session{}, c.fail(entry, err)
	}
	started := mgr.ActivateAll(ctx)

	c.mu.Lock()
	entry.sess.Status = schema.SessionRunning
	entry.sess.Strategies = started
	sess = entry.sess
	c.mu.Unlock()

	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf("session: %s running mode=%s strategies=%d/%d",
			sess.SessionID, sess.Mode, len(started), count)
	}
	c.publish(schema.TopicSessionStarted, sess)
	return sess, nil
}

// Stop deactivates every strategy in the session and tears down its
// execution binding. Stopping a stopped session is a no-op.
func (c *Controller) Stop(ctx context.Context, id string, opts StopOptions) error {
	c.mu.Lock()
	entry, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return errs.New("session/stop", errs.CodeNotFound,
			errs.WithMessage("unknown session"), errs.WithField("session_id", id))
	}
	if entry.sess.Status.Terminal() || entry.sess.Status == schema.SessionStopping {
		c.mu.Unlock()
		return nil
	}
	entry.sess.Status = schema.SessionStopping
	c.mu.Unlock()

	var deactivateErr error
	if entry.manager != nil {
		deactivateErr = entry.manager.DeactivateAll(ctx, manager.DeactivateOptions{
			ClosePositions: opts.ClosePositions,
		})
	}
	if entry.teardown != nil {
		entry.teardown()
	}

	c.mu.Lock()
	entry.sess.Status = schema.SessionStopped
	entry.sess.StoppedAt = c.cfg.Clock()
	sess := entry.sess
	c.mu.Unlock()

	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf("session: %s stopped (close_positions=%t)", id, opts.ClosePositions)
	}
	c.publish(schema.TopicSessionStopped, sess)
	return deactivateErr
}

// StopAll stops every non-terminal session.
func (c *Controller) StopAll(ctx context.Context, opts StopOptions) error {
	var firstErr error
	for _, sess := range c.List() {
		if sess.Status.Terminal() {
			continue
		}
		if err := c.Stop(ctx, sess.SessionID, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns a session snapshot.
func (c *Controller) Status(id string) (schema.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[id]
	if !ok {
		return schema.Session{}, errs.New("session/status", errs.CodeNotFound,
			errs.WithMessage("unknown session"), errs.WithField("session_id", id))
	}
	return entry.sess, nil
}

// List snapshots all sessions, sorted by id.
func (c *Controller) List() []schema.Session {
	c.mu.Lock()
	out := make([]schema.Session, 0, len(c.sessions))
	for _, entry := range c.sessions {
		out = append(out, entry.sess)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Manager exposes the strategy manager of a running session, for per-strategy
// activation control.
func (c *Controller) Manager(id string) (*manager.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[id]
	if !ok || entry.manager == nil {
		return nil, errs.New("session/manager", errs.CodeNotFound,
			errs.WithMessage("unknown session"), errs.WithField("session_id", id))
	}
	return entry.manager, nil
}

func (c *Controller) validate(req StartRequest) ([]string, error) {
	switch req.Mode {
	case config.ModePaper, config.ModeLive, config.ModeBacktest:
	default:
		return nil, errs.New("session/start", errs.CodeValidation,
			errs.WithMessage("invalid session mode"), errs.WithField("mode", string(req.Mode)))
	}
	if req.BudgetUSD <= 0 {
		return nil, errs.New("session/start", errs.CodeValidation,
			errs.WithMessage("budget must be positive"),
			errs.WithField("budget_usd", req.BudgetUSD))
	}
	if c.cfg.MaxBudgetUSD > 0 && req.BudgetUSD > c.cfg.MaxBudgetUSD {
		return nil, errs.New("session/start", errs.CodeValidation,
			errs.WithMessage("budget exceeds configured cap"),
			errs.WithField("budget_usd", req.BudgetUSD),
			errs.WithField("max_budget_usd", c.cfg.MaxBudgetUSD))
	}

	seen := make(map[string]struct{}, len(req.Symbols))
	symbols := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	if len(symbols) == 0 {
		return nil, errs.New("session/start", errs.CodeValidation,
			errs.WithMessage("at least one symbol required"))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// conflicting finds a live session of equal-or-higher priority sharing a
// symbol. Lower priority sessions do not block. Caller holds c.mu.
func (c *Controller) conflicting(symbols []string, priority int) *state {
	want := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		want[symbol] = struct{}{}
	}
	for _, entry := range c.sessions {
		switch entry.sess.Status {
		case schema.SessionStarting, schema.SessionRunning:
		default:
			continue
		}
		if config.Mode(entry.sess.Mode).Priority() < priority {
			continue
		}
		for _, symbol := range entry.sess.Symbols {
			if _, overlap := want[symbol]; overlap {
				return entry
			}
		}
	}
	return nil
}

func (c *Controller) fail(entry *state, cause error) error {
	if entry.teardown != nil {
		entry.teardown()
	}
	c.mu.Lock()
	entry.sess.Status = schema.SessionFailed
	entry.sess.Error = cause.Error()
	entry.sess.StoppedAt = c.cfg.Clock()
	c.mu.Unlock()
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf("session: %s failed: %v", entry.sess.SessionID, cause)
	}
	return cause
}

func (c *Controller) publish(topic string, sess schema.Session) {
	evt := &schema.Event{
		Topic:     topic,
		Source:    "session/" + sess.SessionID,
		SessionID: sess.SessionID,
		Payload:   sess,
	}
	if err := c.cfg.Bus.Publish(context.Background(), evt); err != nil && c.cfg.Logger != nil {
		c.cfg.Logger.Printf("session: publish %s: %v", topic, err)
	}
}

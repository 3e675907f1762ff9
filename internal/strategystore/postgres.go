package strategystore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// Postgres persists strategies as JSONB rows. Version bumps ride on the
// upsert so concurrent writers never lose increments.
type Postgres struct {
	pool      *pgxpool.Pool
	validator *Validator

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewPostgres builds a store over the given pool.
func NewPostgres(pool *pgxpool.Pool, validator *Validator) (*Postgres, error) {
	if pool == nil {
		return nil, errs.New("strategystore/postgres", errs.CodeValidation,
			errs.WithMessage("pgx pool required"))
	}
	if validator == nil {
		validator = NewValidator(nil)
	}
	return &Postgres{pool: pool, validator: validator}, nil
}

// AddListener registers a change listener.
func (p *Postgres) AddListener(l Listener) {
	if l == nil {
		return
	}
	p.listenerMu.Lock()
	p.listeners = append(p.listeners, l)
	p.listenerMu.Unlock()
}

func (p *Postgres) notify(change Change) {
	p.listenerMu.RLock()
	listeners := make([]Listener, len(p.listeners))
	copy(listeners, p.listeners)
	p.listenerMu.RUnlock()
	for _, l := range listeners {
		l(change)
	}
}

const upsertStrategySQL = `
INSERT INTO strategies (strategy_id, definition, enabled, version, updated_at)
VALUES ($1, $2, $3, 1, now())
ON CONFLICT (strategy_id) DO UPDATE
SET definition = EXCLUDED.definition,
    enabled    = EXCLUDED.enabled,
    version    = strategies.version + 1,
    updated_at = now()
RETURNING version, updated_at`

// Save validates and upserts a definition.
func (p *Postgres) Save(ctx context.Context, id string, def schema.Strategy) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, errs.New("strategystore/save", errs.CodeValidation,
			errs.WithMessage("strategy id required"))
	}
	if _, err := p.validator.Validate(def); err != nil {
		return Record{}, err
	}
	payload, err := schema.EncodeStrategy(def)
	if err != nil {
		return Record{}, errs.New("strategystore/save", errs.CodeValidation,
			errs.WithMessage("encode definition"), errs.WithCause(err))
	}

	record := Record{ID: id, Definition: def}
	err = p.pool.QueryRow(ctx, upsertStrategySQL, id, payload, def.Enabled).
		Scan(&record.Version, &record.UpdatedAt)
	if err != nil {
		return Record{}, wrapPG("strategystore/save", err)
	}
	p.notify(Change{Kind: ChangeSaved, ID: id, Record: record})
	return record, nil
}

const getStrategySQL = `
SELECT definition, version, updated_at FROM strategies WHERE strategy_id = $1`

// Get returns a stored record.
func (p *Postgres) Get(ctx context.Context, id string) (Record, error) {
	var payload []byte
	record := Record{ID: id}
	err := p.pool.QueryRow(ctx, getStrategySQL, id).
		Scan(&payload, &record.Version, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, errs.New("strategystore/get", errs.CodeNotFound,
			errs.WithMessage("strategy not found"), errs.WithField("strategy_id", id))
	}
	if err != nil {
		return Record{}, wrapPG("strategystore/get", err)
	}
	record.Definition, err = schema.DecodeStrategy(payload)
	if err != nil {
		return Record{}, errs.New("strategystore/get", errs.CodeDataQuality,
			errs.WithMessage("decode stored definition"), errs.WithCause(err),
			errs.WithField("strategy_id", id))
	}
	return record, nil
}

const listStrategiesSQL = `
SELECT strategy_id, definition, version, updated_at FROM strategies ORDER BY strategy_id`

// List returns all records sorted by id.
func (p *Postgres) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx, listStrategiesSQL)
	if err != nil {
		return nil, wrapPG("strategystore/list", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload []byte
		var record Record
		if err := rows.Scan(&record.ID, &payload, &record.Version, &record.UpdatedAt); err != nil {
			return nil, wrapPG("strategystore/list", err)
		}
		record.Definition, err = schema.DecodeStrategy(payload)
		if err != nil {
			return nil, errs.New("strategystore/list", errs.CodeDataQuality,
				errs.WithMessage("decode stored definition"), errs.WithCause(err),
				errs.WithField("strategy_id", record.ID))
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("strategystore/list", err)
	}
	return out, nil
}

// Delete removes a record.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM strategies WHERE strategy_id = $1`, id)
	if err != nil {
		return wrapPG("strategystore/delete", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("strategystore/delete", errs.CodeNotFound,
			errs.WithMessage("strategy not found"), errs.WithField("strategy_id", id))
	}
	p.notify(Change{Kind: ChangeDeleted, ID: id})
	return nil
}

const setEnabledSQL = `
UPDATE strategies
SET enabled    = $2,
    definition = jsonb_set(definition, '{enabled}', to_jsonb($2::boolean)),
    version    = version + 1,
    updated_at = now()
WHERE strategy_id = $1
RETURNING definition, version, updated_at`

// SetEnabled flips the enabled flag.
func (p *Postgres) SetEnabled(ctx context.Context, id string, enabled bool) (Record, error) {
	var payload []byte
	record := Record{ID: id}
	err := p.pool.QueryRow(ctx, setEnabledSQL, id, enabled).
		Scan(&payload, &record.Version, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, errs.New("strategystore/enable", errs.CodeNotFound,
			errs.WithMessage("strategy not found"), errs.WithField("strategy_id", id))
	}
	if err != nil {
		return Record{}, wrapPG("strategystore/enable", err)
	}
	record.Definition, err = schema.DecodeStrategy(payload)
	if err != nil {
		return Record{}, errs.New("strategystore/enable", errs.CodeDataQuality,
			errs.WithMessage("decode stored definition"), errs.WithCause(err))
	}
	p.notify(Change{Kind: ChangeEnabled, ID: id, Record: record})
	return record, nil
}

func wrapPG(scope string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.New(scope, errs.CodeTransient,
		errs.WithMessage("postgres query failed"), errs.WithCause(err))
}

var _ Store = (*Postgres)(nil)
var _ Notifier = (*Postgres)(nil)

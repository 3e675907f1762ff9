package persistence

import (
	"context"

	"github.com/jackc/pgx/v5"

	json "github.com/goccy/go-json"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// querier is the read slice of pgxpool.Pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TailStore serves historical indicator values to late subscribers. It backs
// the indicator engine's tail cache fallback.
type TailStore struct {
	db querier
}

// NewTailStore builds a tail reader over the given pool.
func NewTailStore(db querier) (*TailStore, error) {
	if db == nil {
		return nil, errs.New("persistence/tail", errs.CodeValidation, errs.WithMessage("database required"))
	}
	return &TailStore{db: db}, nil
}

const readTailSQL = `SELECT ts, value, fields
FROM indicators
WHERE variant_id = $1 AND symbol = $2
ORDER BY ts DESC
LIMIT $3`

// ReadTail returns up to n most recent values, ascending by ts. Duplicate
// rows at the same ts are collapsed, keeping the first read.
func (t *TailStore) ReadTail(ctx context.Context, variantID, symbol string, n int) ([]schema.IndicatorValue, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := t.db.Query(ctx, readTailSQL, variantID, symbol, n)
	if err != nil {
		return nil, errs.New("persistence/tail", errs.CodeTransient,
			errs.WithMessage("query indicator tail"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []schema.IndicatorValue
	var lastTS schema.Nanos
	for rows.Next() {
		var (
			ts     int64
			value  float64
			fields []byte
		)
		if err := rows.Scan(&ts, &value, &fields); err != nil {
			return nil, errs.New("persistence/tail", errs.CodeDataQuality,
				errs.WithMessage("scan indicator row"), errs.WithCause(err))
		}
		if lastTS != 0 && schema.Nanos(ts) == lastTS {
			continue
		}
		lastTS = schema.Nanos(ts)

		iv := schema.IndicatorValue{
			VariantID: variantID,
			Symbol:    symbol,
			TS:        schema.Nanos(ts),
			Value:     value,
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &iv.Fields); err != nil {
				return nil, errs.New("persistence/tail", errs.CodeDataQuality,
					errs.WithMessage("decode indicator fields"), errs.WithCause(err))
			}
		}
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("persistence/tail", errs.CodeTransient,
			errs.WithMessage("iterate indicator tail"), errs.WithCause(err))
	}

	// Query is newest-first; callers want ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

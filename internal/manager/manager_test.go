package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
	"github.com/LKrysik/quantra/internal/strategystore"
)

type fakeRunner struct {
	running atomic.Bool
	stopped atomic.Int64
	closed  atomic.Bool
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.running.Store(true)
	<-ctx.Done()
	r.running.Store(false)
	return nil
}

func (r *fakeRunner) Stop(_ context.Context, closePositions bool) error {
	r.stopped.Add(1)
	if closePositions {
		r.closed.Store(true)
	}
	return nil
}

func minimalStrategy(enabled bool) schema.Strategy {
	return schema.Strategy{
		Name:      "s",
		Direction: schema.DirectionLong,
		Signal: schema.SignalSection{Conditions: []schema.Condition{
			{VariantID: "rsi_14", Operator: schema.OpLTE, Value: 30},
		}},
		Entry: schema.EntrySection{
			PositionSize: schema.PositionSize{Type: schema.SizeFixed, Value: 100},
			Leverage:     1,
		},
		Close: schema.CloseSection{Conditions: []schema.Condition{
			{VariantID: "pnl_pct", Operator: schema.OpGTE, Value: 5},
		}},
		Enabled: enabled,
	}
}

func newManagerWith(t *testing.T, ids map[string]bool) (*Manager, map[string]*fakeRunner) {
	t.Helper()
	store := strategystore.NewMemory(nil)
	for id, enabled := range ids {
		_, err := store.Save(context.Background(), id, minimalStrategy(enabled))
		require.NoError(t, err)
	}
	runners := make(map[string]*fakeRunner)
	factory := func(record strategystore.Record) (Runner, error) {
		r := &fakeRunner{}
		runners[record.ID] = r
		return r, nil
	}
	m, err := New(store, factory, nil)
	require.NoError(t, err)
	return m, runners
}

func TestActivateBeforeWarmIsPreconditionFailure(t *testing.T) {
	m, _ := newManagerWith(t, map[string]bool{"s1": true})

	err := m.Activate(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePrecondition))

	_, err = m.LoadFromStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Activate(context.Background(), "s1"))
}

func TestActivateIsAtMostOnce(t *testing.T) {
	m, _ := newManagerWith(t, map[string]bool{"s1": true})
	_, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Activate(context.Background(), "s1"))
	err = m.Activate(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConflict))
	assert.Equal(t, []string{"s1"}, m.Active())

	require.NoError(t, m.DeactivateAll(context.Background(), DeactivateOptions{}))
}

func TestActivateDisabledStrategyFails(t *testing.T) {
	m, _ := newManagerWith(t, map[string]bool{"s1": false})
	_, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)

	err = m.Activate(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodePrecondition))
}

func TestDeactivateIsIdempotent(t *testing.T) {
	m, runners := newManagerWith(t, map[string]bool{"s1": true})
	_, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Activate(context.Background(), "s1"))

	require.NoError(t, m.Deactivate(context.Background(), "s1", DeactivateOptions{}))
	require.NoError(t, m.Deactivate(context.Background(), "s1", DeactivateOptions{}))
	assert.Equal(t, int64(1), runners["s1"].stopped.Load(), "second deactivate is a no-op")
	assert.Empty(t, m.Active())
}

func TestDeactivateClosePositionsOption(t *testing.T) {
	m, runners := newManagerWith(t, map[string]bool{"s1": true})
	_, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Activate(context.Background(), "s1"))

	require.NoError(t, m.Deactivate(context.Background(), "s1", DeactivateOptions{ClosePositions: true}))
	assert.True(t, runners["s1"].closed.Load())
}

func TestActivateAllSkipsDisabled(t *testing.T) {
	m, _ := newManagerWith(t, map[string]bool{"a": true, "b": false, "c": true})
	_, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)

	started := m.ActivateAll(context.Background())
	assert.Equal(t, []string{"a", "c"}, started)
	assert.Equal(t, []string{"a", "c"}, m.Active())

	require.NoError(t, m.DeactivateAll(context.Background(), DeactivateOptions{}))
	require.Eventually(t, func() bool { return len(m.Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestApplyChangeUpdatesCache(t *testing.T) {
	m, _ := newManagerWith(t, map[string]bool{"s1": true})
	_, err := m.LoadFromStore(context.Background())
	require.NoError(t, err)

	updated := minimalStrategy(true)
	updated.Name = "renamed"
	m.ApplyChange(strategystore.Change{
		Kind:   strategystore.ChangeSaved,
		ID:     "s2",
		Record: strategystore.Record{ID: "s2", Definition: updated, Version: 1},
	})
	record, err := m.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, "renamed", record.Definition.Name)

	m.ApplyChange(strategystore.Change{Kind: strategystore.ChangeDeleted, ID: "s1"})
	_, err = m.Get("s1")
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

package strategystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

func pumpStrategy() schema.Strategy {
	return schema.Strategy{
		Name:      "pump_detector",
		Direction: schema.DirectionLong,
		Signal: schema.SignalSection{Conditions: []schema.Condition{
			{VariantID: "pump_magnitude_pct_60000", Operator: schema.OpGTE, Value: 7},
			{VariantID: "volume_surge_300000", Operator: schema.OpGTE, Value: 3},
		}},
		Cancel: schema.CancelSection{
			TimeoutSeconds: 120,
			Conditions: []schema.Condition{
				{VariantID: "pump_magnitude_pct_60000", Operator: schema.OpLT, Value: 3},
			},
			CooldownMinutes: 5,
		},
		Entry: schema.EntrySection{
			Conditions: []schema.Condition{
				{VariantID: "rsi_14", Operator: schema.OpLTE, Value: 80},
				{VariantID: "spread_pct", Operator: schema.OpLTE, Value: 2},
			},
			PositionSize: schema.PositionSize{Type: schema.SizePercentage, Value: 10},
			Leverage:     2,
			StopLoss:     schema.OffsetTrigger{Enabled: true, OffsetPercent: 5},
			TakeProfit:   schema.OffsetTrigger{Enabled: true, OffsetPercent: 15},
		},
		Close: schema.CloseSection{Conditions: []schema.Condition{
			{VariantID: "pnl_pct", Operator: schema.OpGTE, Value: 10},
		}},
		EmergencyExit: schema.EmergencySection{
			Conditions: []schema.Condition{
				{VariantID: "pnl_pct", Operator: schema.OpLTE, Value: -15},
			},
			CooldownMinutes: 60,
		},
		GlobalLimits: schema.GlobalLimits{
			MaxDailyTrades:         20,
			DailyLossLimitPct:      10,
			MaxConcurrentPositions: 3,
			CooldownMinutes:        5,
		},
		Enabled: true,
	}
}

func TestValidateAcceptsWellFormedStrategy(t *testing.T) {
	warnings, err := NewValidator(nil).Validate(pumpStrategy())
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidateRejectsUnknownVariant(t *testing.T) {
	def := pumpStrategy()
	def.Entry.Conditions[0].VariantID = "macd_12_26_9"
	_, err := NewValidator(nil).Validate(def)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeValidation))
}

func TestValidateLeverageBounds(t *testing.T) {
	v := NewValidator(nil)

	def := pumpStrategy()
	def.Entry.Leverage = 11
	_, err := v.Validate(def)
	require.Error(t, err, "above hard cap rejected")

	def.Entry.Leverage = 0.5
	_, err = v.Validate(def)
	require.Error(t, err, "below 1 rejected")

	def.Entry.Leverage = 5
	warnings, err := v.Validate(def)
	require.NoError(t, err, "above advisory cap still loads")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "advisory")
}

func TestValidateLeverageAgainstGlobalLimit(t *testing.T) {
	def := pumpStrategy()
	def.GlobalLimits.MaxLeverage = 2
	def.Entry.Leverage = 3
	_, err := NewValidator(nil).Validate(def)
	require.Error(t, err)
}

func TestValidateRequiresExitPath(t *testing.T) {
	def := pumpStrategy()
	def.Close.Conditions = nil
	def.EmergencyExit.Conditions = nil
	_, err := NewValidator(nil).Validate(def)
	require.Error(t, err)
}

func TestValidateStopLossOffsetRange(t *testing.T) {
	def := pumpStrategy()
	def.Entry.StopLoss = schema.OffsetTrigger{Enabled: true, OffsetPercent: 100}
	_, err := NewValidator(nil).Validate(def)
	require.Error(t, err, "a full-notional stop loss is nonsense")
}

func TestValidatePositionSize(t *testing.T) {
	v := NewValidator(nil)

	def := pumpStrategy()
	def.Entry.PositionSize = schema.PositionSize{Type: schema.SizePercentage, Value: 150}
	_, err := v.Validate(def)
	require.Error(t, err)

	def.Entry.PositionSize = schema.PositionSize{Type: "notional", Value: 100}
	_, err = v.Validate(def)
	require.Error(t, err)
}

func TestMemorySaveGetRoundTrip(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	record, err := store.Save(ctx, "pump-1", pumpStrategy())
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version)

	got, err := store.Get(ctx, "pump-1")
	require.NoError(t, err)
	assert.Equal(t, "pump_detector", got.Definition.Name)

	record, err = store.Save(ctx, "pump-1", pumpStrategy())
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Version, "save bumps version")
}

func TestMemoryGetMissing(t *testing.T) {
	store := NewMemory(nil)
	_, err := store.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestMemorySaveRejectsInvalidDefinition(t *testing.T) {
	store := NewMemory(nil)
	def := pumpStrategy()
	def.Name = ""
	_, err := store.Save(context.Background(), "pump-1", def)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeValidation))

	_, err = store.Get(context.Background(), "pump-1")
	assert.True(t, errs.HasCode(err, errs.CodeNotFound), "rejected save leaves no record")
}

func TestMemoryListSorted(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := store.Save(ctx, id, pumpStrategy())
		require.NoError(t, err)
	}
	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "c", records[2].ID)
}

func TestMemoryDelete(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()
	_, err := store.Save(ctx, "pump-1", pumpStrategy())
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "pump-1"))
	err = store.Delete(ctx, "pump-1")
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestMemorySetEnabled(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()
	_, err := store.Save(ctx, "pump-1", pumpStrategy())
	require.NoError(t, err)

	record, err := store.SetEnabled(ctx, "pump-1", false)
	require.NoError(t, err)
	assert.False(t, record.Definition.Enabled)
	assert.Equal(t, int64(2), record.Version)
}

func TestMemoryNotifiesListeners(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	var changes []Change
	store.AddListener(func(c Change) { changes = append(changes, c) })

	_, err := store.Save(ctx, "pump-1", pumpStrategy())
	require.NoError(t, err)
	_, err = store.SetEnabled(ctx, "pump-1", false)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "pump-1"))

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeSaved, changes[0].Kind)
	assert.Equal(t, ChangeEnabled, changes[1].Kind)
	assert.Equal(t, ChangeDeleted, changes[2].Kind)
}

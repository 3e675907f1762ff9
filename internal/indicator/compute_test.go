package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

func tickSample(ts int64, price float64) Sample {
	return Sample{Symbol: "BTC_USDT", TS: schema.Nanos(ts), Price: price}
}

func feedPrices(t *testing.T, comp Compute, prices ...float64) (Output, bool) {
	t.Helper()
	var out Output
	var ok bool
	for i, price := range prices {
		out, ok = comp.Update(tickSample(int64(i+1)*1_000_000_000, price))
	}
	return out, ok
}

func TestSMAWarmupAndMean(t *testing.T) {
	comp, err := NewSMA(Params{{Name: "period", Value: 3}})
	require.NoError(t, err)

	_, ok := comp.Update(tickSample(1e9, 10))
	assert.False(t, ok)
	_, ok = comp.Update(tickSample(2e9, 20))
	assert.False(t, ok)

	out, ok := comp.Update(tickSample(3e9, 30))
	require.True(t, ok)
	assert.InDelta(t, 20, out.Value, 1e-9)

	out, ok = comp.Update(tickSample(4e9, 40))
	require.True(t, ok)
	assert.InDelta(t, 30, out.Value, 1e-9)
}

func TestEMASeedsWithSMA(t *testing.T) {
	comp, err := NewEMA(Params{{Name: "period", Value: 3}})
	require.NoError(t, err)

	out, ok := feedPrices(t, comp, 10, 20, 30)
	require.True(t, ok)
	assert.InDelta(t, 20, out.Value, 1e-9)

	// alpha = 2/(3+1) = 0.5
	out, ok = comp.Update(tickSample(4e9, 40))
	require.True(t, ok)
	assert.InDelta(t, 30, out.Value, 1e-9)
}

func TestRSIKnownSequence(t *testing.T) {
	comp, err := NewRSI(Params{{Name: "period", Value: 2}})
	require.NoError(t, err)

	_, ok := comp.Update(tickSample(1e9, 10))
	assert.False(t, ok, "first price only primes the change tracker")
	_, ok = comp.Update(tickSample(2e9, 11))
	assert.False(t, ok)

	out, ok := comp.Update(tickSample(3e9, 12))
	require.True(t, ok)
	assert.InDelta(t, 100, out.Value, 1e-9, "all gains means RSI 100")

	// One gain and one loss of equal size average out to RSI 50 territory.
	out, ok = comp.Update(tickSample(4e9, 11))
	require.True(t, ok)
	assert.InDelta(t, 50, out.Value, 1e-9)
}

func TestBollingerBands(t *testing.T) {
	comp, err := NewBollinger(Params{{Name: "period", Value: 4}, {Name: "k", Value: 2}})
	require.NoError(t, err)

	out, ok := feedPrices(t, comp, 10, 10, 20, 20)
	require.True(t, ok)
	assert.InDelta(t, 15, out.Value, 1e-9)
	require.NotNil(t, out.Fields)
	assert.InDelta(t, 25, out.Fields["upper"], 1e-9)
	assert.InDelta(t, 15, out.Fields["mid"], 1e-9)
	assert.InDelta(t, 5, out.Fields["lower"], 1e-9)
}

func TestVWAPZeroVolumeYieldsNoValue(t *testing.T) {
	comp, err := NewVWAP(Params{
		{Name: "window_ms", Value: 2000},
		{Name: "interval_ms", Value: 1000},
	})
	require.NoError(t, err)

	_, ok := comp.Update(tickSample(1e9, 10))
	assert.False(t, ok)
	_, ok = comp.Update(tickSample(2e9, 20))
	assert.False(t, ok, "zero volume must not divide")

	_, _ = comp.Update(Sample{TS: schema.Nanos(2_500_000_000), Price: 10, Volume: 1})
	out, ok := comp.Update(Sample{TS: schema.Nanos(3_000_000_000), Price: 20, Volume: 3})
	require.True(t, ok)
	assert.InDelta(t, (10*1+20*3)/4.0, out.Value, 1e-9)
}

func TestSpreadPct(t *testing.T) {
	comp, err := NewSpreadPct(nil)
	require.NoError(t, err)

	out, ok := comp.Update(Sample{TS: 1e9, Bid: 100, Ask: 102})
	require.True(t, ok)
	assert.InDelta(t, 2, out.Value, 1e-9)

	_, ok = comp.Update(Sample{TS: 2e9, Bid: 102, Ask: 100})
	assert.False(t, ok, "crossed book is not a spread")

	_, ok = comp.Update(Sample{TS: 3e9, Price: 100})
	assert.False(t, ok, "tick without book data")
}

func TestPumpMagnitudeRiseOverWindowMin(t *testing.T) {
	comp, err := NewPumpMagnitude(Params{
		{Name: "window_ms", Value: 60000},
		{Name: "interval_ms", Value: 10000},
	})
	require.NoError(t, err)

	// expected = 6 samples, required = ceil(6*0.8) = 5
	prices := []float64{100, 101, 100.5, 102, 107}
	var out Output
	var ok bool
	for i, price := range prices {
		out, ok = comp.Update(tickSample(int64(i+1)*10_000_000_000, price))
	}
	require.True(t, ok)
	assert.InDelta(t, 7, out.Value, 1e-9)
}

func TestVolumeSurgeRatio(t *testing.T) {
	comp, err := NewVolumeSurge(Params{
		{Name: "window_ms", Value: 3000},
		{Name: "interval_ms", Value: 1000},
	})
	require.NoError(t, err)

	samples := []float64{10, 10, 40}
	var out Output
	var ok bool
	for i, vol := range samples {
		out, ok = comp.Update(Sample{TS: schema.Nanos(int64(i+1) * 1_000_000_000), Volume: vol})
	}
	require.True(t, ok)
	assert.InDelta(t, 40/20.0, out.Value, 1e-9)
}

func TestTimeWindowShorterThanIntervalNeverWarms(t *testing.T) {
	w := NewTimeWindow(500, 1000, DefaultFillRatio)
	for i := int64(1); i <= 100; i++ {
		w.Push(schema.Nanos(i*1_000_000_000), float64(i))
		assert.False(t, w.Warm(), "span shorter than inter-arrival retains one sample at a time")
	}
	assert.Equal(t, 1, w.Len())
}

func TestTimeWindowEvictsBySpan(t *testing.T) {
	w := NewTimeWindow(2000, 1000, 1.0)
	w.Push(1e9, 1)
	w.Push(2e9, 2)
	w.Push(3e9, 3)
	w.Push(4e9, 4)
	assert.Equal(t, 2, w.Len(), "samples at or before ts-span evicted")
	first, ok := w.First()
	require.True(t, ok)
	assert.Equal(t, 3.0, first)
}

func TestCountWindowStats(t *testing.T) {
	w := NewCountWindow(3)
	for _, v := range []float64{1, 2, 3, 4} {
		w.Push(v)
	}
	assert.True(t, w.Warm())
	assert.InDelta(t, 9, w.Sum(), 1e-9)
	assert.InDelta(t, 3, w.Mean(), 1e-9)
	assert.InDelta(t, math.Sqrt(2.0/3.0), w.StdDev(), 1e-9)

	got := make([]float64, 0, 3)
	w.Each(func(v float64) { got = append(got, v) })
	assert.Equal(t, []float64{2, 3, 4}, got, "oldest first")
}

func TestCatalogDuplicateRegistrationIsError(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register("sma", NewSMA))
	err := c.Register("sma", NewSMA)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConflict))

	require.NoError(t, c.RegisterRuntime("pnl_pct"))
	err = c.RegisterRuntime("pnl_pct")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConflict))
}

func TestCatalogKnows(t *testing.T) {
	c := DefaultCatalog()
	assert.True(t, c.Knows("rsi_14"))
	assert.True(t, c.Knows("rsi"))
	assert.True(t, c.Knows("pump_magnitude_pct_60000"))
	assert.True(t, c.Knows("pnl_pct"))
	assert.False(t, c.Knows("macd_12_26_9"))
	assert.False(t, c.Knows(""))
}

func TestCatalogUnknownBase(t *testing.T) {
	c := DefaultCatalog()
	_, err := c.NewCompute(NewVariant("macd", nil))
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestFormatVariantID(t *testing.T) {
	assert.Equal(t, "rsi_14", FormatVariantID("rsi", Params{{Name: "period", Value: 14}}))
	assert.Equal(t, "pump_magnitude_pct_60000",
		FormatVariantID("pump_magnitude_pct", Params{{Name: "window_ms", Value: 60000}}))
	assert.Equal(t, "bollinger_20_2",
		FormatVariantID("bollinger", Params{{Name: "period", Value: 20}, {Name: "k", Value: 2}}))
	assert.Equal(t, "spread_pct", FormatVariantID("spread_pct", nil))
}

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/schema"
)

func TestNormalizerAdmitsMonotonicSamples(t *testing.T) {
	n := NewNormalizer(500 * time.Millisecond)
	assert.Equal(t, DropNone, n.Admit("BTC_USDT", 1000))
	assert.Equal(t, DropNone, n.Admit("BTC_USDT", 2000))
	assert.Equal(t, DropNone, n.Admit("BTC_USDT", 2001))

	ts, ok := n.Watermark("BTC_USDT")
	require.True(t, ok)
	assert.EqualValues(t, 2001, ts)
}

func TestNormalizerDropsDuplicates(t *testing.T) {
	n := NewNormalizer(500 * time.Millisecond)
	require.Equal(t, DropNone, n.Admit("BTC_USDT", 1000))
	assert.Equal(t, DropDuplicate, n.Admit("BTC_USDT", 1000))
	assert.EqualValues(t, 1, n.Dropped(DropDuplicate))
}

func TestNormalizerClassifiesReorderVersusStale(t *testing.T) {
	tolerance := 500 * time.Millisecond
	n := NewNormalizer(tolerance)
	now := schema.Nanos(time.Second.Nanoseconds() * 10)
	require.Equal(t, DropNone, n.Admit("BTC_USDT", now))

	// 100ms behind the watermark: a small reorder.
	assert.Equal(t, DropReordered, n.Admit("BTC_USDT", now-schema.Nanos(100*time.Millisecond.Nanoseconds())))
	// 600ms behind: stale beyond tolerance.
	assert.Equal(t, DropStale, n.Admit("BTC_USDT", now-schema.Nanos(600*time.Millisecond.Nanoseconds())))

	assert.EqualValues(t, 1, n.Dropped(DropReordered))
	assert.EqualValues(t, 1, n.Dropped(DropStale))
}

func TestNormalizerTracksSymbolsIndependently(t *testing.T) {
	n := NewNormalizer(500 * time.Millisecond)
	require.Equal(t, DropNone, n.Admit("BTC_USDT", 5000))
	assert.Equal(t, DropNone, n.Admit("ETH_USDT", 1000), "other symbols have their own watermark")
}

func TestDecodeKline(t *testing.T) {
	d := NewDecoder([]string{"BTC_USDT"})
	raw := []byte(`{"stream":"btcusdt@kline_1s","data":{"e":"kline","s":"BTCUSDT",` +
		`"k":{"T":1700000000123,"o":"49990.1","h":"50010.5","l":"49980.0","c":"50000.2","v":"12.5","n":42}}}`)

	symbol, payload, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", symbol)

	tick, ok := payload.(schema.Tick)
	require.True(t, ok)
	assert.Equal(t, 50000.2, tick.Close)
	assert.Equal(t, 49990.1, tick.Open)
	assert.EqualValues(t, 42, tick.TradesCount)
	// Millisecond venue time normalized to nanoseconds.
	assert.EqualValues(t, 1700000000123*int64(time.Millisecond), int64(tick.TS))
}

func TestDecodeAggTrade(t *testing.T) {
	d := NewDecoder([]string{"BTC_USDT"})
	raw := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT",` +
		`"p":"50000.5","q":"0.25","T":1700000000500,"m":true}}`)

	symbol, payload, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", symbol)

	trade, ok := payload.(schema.Trade)
	require.True(t, ok)
	assert.Equal(t, 50000.5, trade.Price)
	assert.Equal(t, 0.25, trade.Quantity)
	assert.False(t, trade.IsBuyer, "buyer-is-maker means the aggressor sold")
}

func TestDecodeDepthSnapshot(t *testing.T) {
	d := NewDecoder([]string{"BTC_USDT"})
	raw := []byte(`{"stream":"btcusdt@depth20@100ms","data":{` +
		`"bids":[["49999.5","1.2"],["49999.0","3.0"]],"asks":[["50000.5","0.8"]]}}`)

	symbol, payload, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", symbol)

	book, ok := payload.(schema.OrderbookSnapshot)
	require.True(t, ok)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, 49999.5, book.Bids[0].Price)
	assert.Equal(t, 0.8, book.Asks[0].Quantity)
	assert.NotZero(t, book.TS, "depth frames are stamped at receipt")
}

func TestDecodeRejectsUnknownSymbol(t *testing.T) {
	d := NewDecoder([]string{"BTC_USDT"})
	raw := []byte(`{"stream":"dogeusdt@aggTrade","data":{"p":"0.1","q":"1","T":1700000000500}}`)
	_, _, err := d.Decode(raw)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeDataQuality))
}

func TestDecodeRejectsMalformedStream(t *testing.T) {
	d := NewDecoder([]string{"BTC_USDT"})
	for _, raw := range []string{
		`{"stream":"","data":{}}`,
		`{"stream":"btcusdt","data":{}}`,
		`not json`,
	} {
		_, _, err := d.Decode([]byte(raw))
		require.Error(t, err, "frame %q", raw)
	}
}

func TestStreamsForSymbol(t *testing.T) {
	streams := Streams("BTC_USDT")
	assert.Equal(t, []string{"btcusdt@kline_1s", "btcusdt@aggTrade", "btcusdt@depth20@100ms"}, streams)
}

func newTestGateway(t *testing.T, b *bus.Bus) *Gateway {
	t.Helper()
	g, err := New(config.GatewayConfig{
		Venue:              "binance",
		WebsocketURL:       "wss://example.invalid/ws",
		Symbols:            []string{"BTC_USDT"},
		StalenessTolerance: 500 * time.Millisecond,
	}, b, nil)
	require.NoError(t, err)
	return g
}

func TestHandleFramePublishesNormalizedTick(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	g := newTestGateway(t, b)

	sub, err := b.Subscribe(context.Background(), "market.*", 16, bus.BlockPublisher)
	require.NoError(t, err)
	defer sub.Close()

	raw := []byte(`{"stream":"btcusdt@kline_1s","data":{"s":"BTCUSDT",` +
		`"k":{"T":1700000001000,"o":"1","h":"1","l":"1","c":"50000","v":"2","n":3}}}`)
	g.handleFrame(context.Background(), raw)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.TopicMarketPrice, evt.Topic)
	assert.Equal(t, "gateway/binance", evt.Source)
	assert.Equal(t, "BTC_USDT", evt.Symbol)
	tick := evt.Payload.(schema.Tick)
	assert.Equal(t, 50000.0, tick.Close)
}

func TestHandleFrameDropsStaleReplay(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	g := newTestGateway(t, b)

	sub, err := b.Subscribe(context.Background(), "market.*", 16, bus.BlockPublisher)
	require.NoError(t, err)
	defer sub.Close()

	fresh := []byte(`{"stream":"btcusdt@kline_1s","data":{"s":"BTCUSDT",` +
		`"k":{"T":1700000005000,"o":"1","h":"1","l":"1","c":"50000","v":"2","n":3}}}`)
	replay := []byte(`{"stream":"btcusdt@kline_1s","data":{"s":"BTCUSDT",` +
		`"k":{"T":1700000001000,"o":"1","h":"1","l":"1","c":"49000","v":"2","n":3}}}`)
	g.handleFrame(context.Background(), fresh)
	g.handleFrame(context.Background(), replay)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, evt.Payload.(schema.Tick).Close)

	assert.EqualValues(t, 1, g.norm.Dropped(DropStale))

	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = sub.Recv(shortCtx)
	require.Error(t, err, "replayed frame never reaches the bus")
}

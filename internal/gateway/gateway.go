package gateway

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/schema"
)

// Gateway maintains one websocket connection to the venue, decodes combined
// stream frames, enforces per-symbol monotonic timestamps and publishes
// market.* events. Reconnects use exponential backoff; every reconnect is
// announced with exchange.reconnected plus a system.gap covering the outage.
type Gateway struct {
	cfg     config.GatewayConfig
	bus     *bus.Bus
	decoder *Decoder
	norm    *Normalizer
	logger  *log.Logger

	published metric.Int64Counter
	dropped   metric.Int64Counter

	reconnects int
}

// New builds a gateway for the configured venue and symbols.
func New(cfg config.GatewayConfig, b *bus.Bus, logger *log.Logger) (*Gateway, error) {
	if b == nil {
		return nil, errs.New("gateway/new", errs.CodeValidation, errs.WithMessage("bus required"))
	}
	if cfg.WebsocketURL == "" {
		return nil, errs.New("gateway/new", errs.CodeValidation, errs.WithMessage("websocket url required"))
	}
	if len(cfg.Symbols) == 0 {
		return nil, errs.New("gateway/new", errs.CodeValidation, errs.WithMessage("at least one symbol required"))
	}

	g := &Gateway{
		cfg:     cfg,
		bus:     b,
		decoder: NewDecoder(cfg.Symbols),
		norm:    NewNormalizer(cfg.StalenessTolerance),
		logger:  logger,
	}
	meter := otel.Meter("gateway")
	g.published, _ = meter.Int64Counter("gateway.samples.published",
		metric.WithDescription("Normalized market data samples published"),
		metric.WithUnit("{sample}"))
	g.dropped, _ = meter.Int64Counter("gateway.samples.dropped",
		metric.WithDescription("Market data samples dropped by the normalizer"),
		metric.WithUnit("{sample}"))
	return g, nil
}

// Run connects and pumps the feed until ctx is cancelled. Connection loss is
// handled internally; Run only returns on cancellation or a setup error.
func (g *Gateway) Run(ctx context.Context) error {
	endpoint, err := g.streamURL()
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	if g.cfg.ReconnectMaxWait > 0 {
		policy.MaxInterval = g.cfg.ReconnectMaxWait
	}
	connected := false
	var downSince time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := g.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.reconnects++
			wait := policy.NextBackOff()
			if g.logger != nil {
				g.logger.Printf("gateway: dial %s: %v (retry in %s)", g.cfg.Venue, err, wait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		policy.Reset()
		if connected {
			g.announceReconnect(ctx, downSince)
		}
		connected = true

		err = g.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		downSince = time.Now()
		g.reconnects++
		if g.logger != nil {
			g.logger.Printf("gateway: %s feed lost: %v", g.cfg.Venue, err)
		}
	}
}

func (g *Gateway) streamURL() (string, error) {
	base, err := url.Parse(g.cfg.WebsocketURL)
	if err != nil {
		return "", errs.New("gateway/url", errs.CodeValidation,
			errs.WithMessage("invalid websocket url"), errs.WithCause(err))
	}
	var streams []string
	for _, symbol := range g.cfg.Symbols {
		streams = append(streams, Streams(symbol)...)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/stream"
	base.RawQuery = "streams=" + strings.Join(streams, "/")
	return base.String(), nil
}

func (g *Gateway) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialCtx := ctx
	if g.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 21)
	return conn, nil
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		g.handleFrame(ctx, data)
	}
}

// handleFrame decodes, normalizes and publishes one raw frame. Decode and
// normalizer rejections are counted, never fatal to the feed.
func (g *Gateway) handleFrame(ctx context.Context, raw []byte) {
	symbol, payload, err := g.decoder.Decode(raw)
	if err != nil {
		g.countDrop(ctx, "undecodable")
		if g.logger != nil {
			g.logger.Printf("gateway: %v", err)
		}
		return
	}

	var topic string
	var ts schema.Nanos
	switch p := payload.(type) {
	case schema.Tick:
		topic, ts = schema.TopicMarketPrice, p.TS
	case schema.Trade:
		topic, ts = schema.TopicMarketTrade, p.TS
	case schema.OrderbookSnapshot:
		topic, ts = schema.TopicMarketOrderbook, p.TS
	default:
		return
	}

	if kind := g.norm.Admit(symbol, ts); kind != DropNone {
		g.countDrop(ctx, kind.String())
		return
	}

	evt := &schema.Event{
		Topic:   topic,
		Source:  "gateway/" + g.cfg.Venue,
		Symbol:  symbol,
		Payload: payload,
	}
	if err := g.bus.Publish(ctx, evt); err != nil {
		if g.logger != nil {
			g.logger.Printf("gateway: publish %s: %v", topic, err)
		}
		return
	}
	if g.published != nil {
		g.published.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("topic", topic)))
	}
}

func (g *Gateway) countDrop(ctx context.Context, reason string) {
	if g.dropped != nil {
		g.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// announceReconnect publishes the reconnect marker and a gap covering the
// interval the feed was down. Watermarks are kept so replayed frames from
// before the outage stay dropped.
func (g *Gateway) announceReconnect(ctx context.Context, downSince time.Time) {
	downFor := time.Since(downSince)
	source := "gateway/" + g.cfg.Venue

	_ = g.bus.Publish(ctx, &schema.Event{
		Topic:  schema.TopicExchangeReconnected,
		Source: source,
		Payload: schema.Reconnected{
			Venue:    g.cfg.Venue,
			Attempts: g.reconnects,
			DownFor:  downFor.Milliseconds(),
		},
	})
	_ = g.bus.Publish(ctx, &schema.Event{
		Topic:  schema.TopicSystemGap,
		Source: source,
		Payload: schema.Gap{
			Source: source,
			FromTS: schema.NanosFromTime(downSince),
			ToTS:   schema.Now(),
		},
	})
	if g.logger != nil {
		g.logger.Printf("gateway: %s reconnected after %s (attempt %d)", g.cfg.Venue, downFor, g.reconnects)
	}
}

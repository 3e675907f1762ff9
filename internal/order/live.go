package order

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// LiveConfig configures the HTTP execution client.
type LiveConfig struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	RateLimitPerSec float64
	RateLimitBurst  int
	HTTPTimeout     time.Duration
}

// Live submits orders to a venue REST API. Requests are rate limited,
// signed, and retried with exponential backoff on transient failures.
// Leverage is set lazily per symbol and cached.
type Live struct {
	cfg     LiveConfig
	client  *http.Client
	limiter *rate.Limiter

	leverageMu sync.Mutex
	leverage   map[string]float64
}

// NewLive builds a live venue client.
func NewLive(cfg LiveConfig) (*Live, error) {
	if cfg.BaseURL == "" {
		return nil, errs.New("order/live", errs.CodeValidation, errs.WithMessage("base url required"))
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errs.New("order/live", errs.CodeValidation, errs.WithMessage("api credentials required"))
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	return &Live{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		leverage: make(map[string]float64),
	}, nil
}

func (l *Live) Name() string { return "live" }

type executionReport struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	ExecutedQty  string `json:"executedQty"`
	AvgPrice     string `json:"avgPrice"`
	Commission   string `json:"commission"`
	ErrorCode    int    `json:"code"`
	ErrorMessage string `json:"msg"`
}

// PlaceMarketOrder sets leverage if needed, then submits a signed market
// order. The caller bounds the whole call with its context deadline.
func (l *Live) PlaceMarketOrder(ctx context.Context, req Request) (Result, error) {
	if err := l.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return Result{}, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(schema.OrderMarket))
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.OrderID)

	report, err := l.signedCall(ctx, http.MethodPost, "/api/v1/order", params)
	if err != nil {
		return Result{}, err
	}
	filled, err := decimal.NewFromString(report.ExecutedQty)
	if err != nil {
		return Result{}, errs.New("order/live", errs.CodeDataQuality,
			errs.WithMessage("unparseable executed quantity"), errs.WithCause(err))
	}
	avg, err := decimal.NewFromString(report.AvgPrice)
	if err != nil {
		return Result{}, errs.New("order/live", errs.CodeDataQuality,
			errs.WithMessage("unparseable average price"), errs.WithCause(err))
	}
	commission := decimal.Zero
	if report.Commission != "" {
		commission, err = decimal.NewFromString(report.Commission)
		if err != nil {
			return Result{}, errs.New("order/live", errs.CodeDataQuality,
				errs.WithMessage("unparseable commission"), errs.WithCause(err))
		}
	}
	return Result{FilledQuantity: filled, AvgFillPrice: avg, Commission: commission}, nil
}

// CancelOrder cancels a resting order by client order id.
func (l *Live) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", orderID)
	_, err := l.signedCall(ctx, http.MethodDelete, "/api/v1/order", params)
	return err
}

func (l *Live) ensureLeverage(ctx context.Context, symbol string, leverage float64) error {
	if leverage < 1 {
		leverage = 1
	}
	l.leverageMu.Lock()
	current, ok := l.leverage[symbol]
	l.leverageMu.Unlock()
	if ok && current == leverage {
		return nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.FormatFloat(leverage, 'f', -1, 64))
	if _, err := l.signedCall(ctx, http.MethodPost, "/api/v1/leverage", params); err != nil {
		return err
	}
	l.leverageMu.Lock()
	l.leverage[symbol] = leverage
	l.leverageMu.Unlock()
	return nil
}

func (l *Live) signedCall(ctx context.Context, method, path string, params url.Values) (*executionReport, error) {
	operation := func() (*executionReport, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		report, retryable, err := l.doSigned(ctx, method, path, params)
		if err != nil && !retryable {
			return nil, backoff.Permanent(err)
		}
		return report, err
	}
	report, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4))
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (l *Live) doSigned(ctx context.Context, method, path string, params url.Values) (*executionReport, bool, error) {
	values := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			values.Add(k, v)
		}
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	payload := values.Encode()

	mac := hmac.New(sha256.New, []byte(l.cfg.APISecret))
	mac.Write([]byte(payload))
	payload += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, l.cfg.BaseURL+path+"?"+payload, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-API-KEY", l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, true, errs.New("order/live", errs.CodeTransient,
			errs.WithMessage("venue request failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, errs.New("order/live", errs.CodeTransient,
			errs.WithMessage("read venue response"), errs.WithCause(err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, errs.New("order/live", errs.CodeTransient,
			errs.WithMessage("venue unavailable"),
			errs.WithField("status", resp.StatusCode))
	}
	var report executionReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, false, errs.New("order/live", errs.CodeDataQuality,
			errs.WithMessage("unparseable venue response"), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, errs.New("order/live", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("venue rejected request: %s", report.ErrorMessage)),
			errs.WithField("status", resp.StatusCode),
			errs.WithField("venue_code", report.ErrorCode))
	}
	return &report, false, nil
}

var _ Venue = (*Live)(nil)

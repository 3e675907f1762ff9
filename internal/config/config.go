// Package config loads the engine configuration with precedence
// defaults, then YAML, then environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LKrysik/quantra/errs"
)

// Environment selects runtime behaviour presets.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Mode is the execution mode of a trading session.
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// Priority orders conflicting sessions on the same symbols. Higher wins.
func (m Mode) Priority() int {
	switch m {
	case ModeLive:
		return 3
	case ModePaper:
		return 2
	case ModeBacktest:
		return 1
	default:
		return 0
	}
}

// BusConfig sizes the event bus.
type BusConfig struct {
	PublishDeadline time.Duration `yaml:"publishDeadline"`
	BlockTimeout    time.Duration `yaml:"blockTimeout"`
	FanoutWorkers   int           `yaml:"fanoutWorkers"`
}

// DatabaseConfig configures the postgres pool and migrations.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"maxConns"`
	ConnTimeout  time.Duration `yaml:"connTimeout"`
	MigrationDir string        `yaml:"migrationDir"`
}

// GatewayConfig configures the market data gateway.
type GatewayConfig struct {
	Venue              string        `yaml:"venue"`
	WebsocketURL       string        `yaml:"websocketURL"`
	Symbols            []string      `yaml:"symbols"`
	StalenessTolerance time.Duration `yaml:"stalenessTolerance"`
	ReconnectMaxWait   time.Duration `yaml:"reconnectMaxWait"`
	HandshakeTimeout   time.Duration `yaml:"handshakeTimeout"`
}

// IndicatorConfig configures the indicator engine.
type IndicatorConfig struct {
	EmitEpsilon float64         `yaml:"emitEpsilon"`
	TickThrough bool            `yaml:"tickThrough"`
	TailSize    int             `yaml:"tailSize"`
	Variants    []VariantConfig `yaml:"variants"`
}

// VariantConfig declares one indicator variant to compute.
type VariantConfig struct {
	Base   string             `yaml:"base"`
	Params map[string]float64 `yaml:"params"`
}

// ExecutionConfig configures order execution.
type ExecutionConfig struct {
	SlippageBps     float64       `yaml:"slippageBps"`
	CommissionPct   float64       `yaml:"commissionPct"`
	SubmitDeadline  time.Duration `yaml:"submitDeadline"`
	VenueRESTURL    string        `yaml:"venueRESTURL"`
	APIKey          string        `yaml:"apiKey"`
	APISecret       string        `yaml:"apiSecret"`
	RateLimitPerSec float64       `yaml:"rateLimitPerSec"`
	RateLimitBurst  int           `yaml:"rateLimitBurst"`
}

// SessionConfig configures the default session.
type SessionConfig struct {
	Mode      Mode    `yaml:"mode"`
	BudgetUSD float64 `yaml:"budgetUSD"`
}

// PersistenceConfig configures the async event sink.
type PersistenceConfig struct {
	QueueSize     int           `yaml:"queueSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified engine configuration.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	StrategyDir string            `yaml:"strategyDir"`
	Bus         BusConfig         `yaml:"bus"`
	Database    DatabaseConfig    `yaml:"database"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Indicator   IndicatorConfig   `yaml:"indicator"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Session     SessionConfig     `yaml:"session"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Load reads configuration with precedence defaults, YAML, env.
func Load(path string) (AppConfig, error) {
	cfg := defaultAppConfig()

	if err := cfg.loadYAML(path); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, errs.New("config/load", errs.CodeValidation,
			errs.WithMessage("load yaml config"), errs.WithCause(err))
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		StrategyDir: "config/strategies",
		Bus: BusConfig{
			PublishDeadline: 50 * time.Millisecond,
			BlockTimeout:    10 * time.Millisecond,
			FanoutWorkers:   4,
		},
		Database: DatabaseConfig{
			MaxConns:     8,
			ConnTimeout:  5 * time.Second,
			MigrationDir: "db/migrations",
		},
		Gateway: GatewayConfig{
			Venue:              "binance",
			StalenessTolerance: 500 * time.Millisecond,
			ReconnectMaxWait:   30 * time.Second,
			HandshakeTimeout:   10 * time.Second,
		},
		Indicator: IndicatorConfig{
			EmitEpsilon: 1e-9,
			TailSize:    256,
		},
		Execution: ExecutionConfig{
			SlippageBps:     5,
			CommissionPct:   0.1,
			SubmitDeadline:  5 * time.Second,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Session: SessionConfig{
			Mode:      ModePaper,
			BudgetUSD: 10_000,
		},
		Persistence: PersistenceConfig{
			QueueSize:     8192,
			BatchSize:     200,
			FlushInterval: time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "quantra-engine",
			EnableMetrics: true,
		},
	}
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("QUANTRA_CONFIG")
	}
	if path == "" {
		path = "config/app.yaml"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, c)
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("QUANTRA_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("QUANTRA_DB_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("QUANTRA_STRATEGY_DIR")); v != "" {
		c.StrategyDir = v
	}
	if v := strings.TrimSpace(os.Getenv("QUANTRA_MODE")); v != "" {
		c.Session.Mode = Mode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("QUANTRA_BUDGET_USD")); v != "" {
		if budget, err := strconv.ParseFloat(v, 64); err == nil {
			c.Session.BudgetUSD = budget
		}
	}
	if v := strings.TrimSpace(os.Getenv("QUANTRA_API_KEY")); v != "" {
		c.Execution.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("QUANTRA_API_SECRET")); v != "" {
		c.Execution.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate checks the merged configuration.
func (c *AppConfig) Validate() error {
	fail := func(msg string, fields map[string]any) error {
		return errs.New("config/validate", errs.CodeValidation,
			errs.WithMessage(msg), errs.WithFields(fields))
	}

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fail("invalid environment", map[string]any{"environment": string(c.Environment)})
	}

	switch c.Session.Mode {
	case ModePaper, ModeLive, ModeBacktest:
	default:
		return fail("invalid session mode", map[string]any{"mode": string(c.Session.Mode)})
	}
	if c.Session.BudgetUSD <= 0 {
		return fail("session budget must be positive", map[string]any{"budget_usd": c.Session.BudgetUSD})
	}

	if c.Session.Mode == ModeLive {
		if c.Execution.VenueRESTURL == "" {
			return fail("live mode requires execution.venueRESTURL", nil)
		}
		if c.Execution.APIKey == "" || c.Execution.APISecret == "" {
			return fail("live mode requires API credentials", nil)
		}
	}

	if c.Gateway.WebsocketURL == "" && c.Session.Mode != ModeBacktest {
		return fail("gateway.websocketURL required", nil)
	}
	if len(c.Gateway.Symbols) == 0 {
		return fail("gateway.symbols must list at least one symbol", nil)
	}
	if c.Gateway.StalenessTolerance <= 0 {
		return fail("gateway.stalenessTolerance must be positive",
			map[string]any{"staleness_tolerance": c.Gateway.StalenessTolerance.String()})
	}

	if c.Execution.SlippageBps < 0 {
		return fail("execution.slippageBps must be non-negative",
			map[string]any{"slippage_bps": c.Execution.SlippageBps})
	}
	if c.Execution.CommissionPct < 0 {
		return fail("execution.commissionPct must be non-negative",
			map[string]any{"commission_pct": c.Execution.CommissionPct})
	}

	if c.Persistence.QueueSize < c.Persistence.BatchSize {
		return fail("persistence.queueSize must be at least batchSize", map[string]any{
			"queue_size": c.Persistence.QueueSize,
			"batch_size": c.Persistence.BatchSize,
		})
	}

	for i, variant := range c.Indicator.Variants {
		if strings.TrimSpace(variant.Base) == "" {
			return fail("indicator variant base required", map[string]any{"index": i})
		}
	}
	return nil
}

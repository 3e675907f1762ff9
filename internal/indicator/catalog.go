package indicator

import (
	"sort"
	"strings"
	"sync"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// Sample is the normalized per-symbol market observation fed to computations.
// Tick-driven fields come from market.price_update; Bid/Ask from orderbook
// snapshots. Absent fields are zero.
type Sample struct {
	Symbol string
	TS     schema.Nanos
	Price  float64
	High   float64
	Low    float64
	Volume float64
	Trades int64
	Bid    float64
	Ask    float64
}

// Output is one computed emission. Composite bases populate Fields and set
// Value to the primary field.
type Output struct {
	Value  float64
	Fields map[string]float64
}

// Compute is per-(variant, symbol) incremental state. Update advances the
// state with one sample and reports whether a value is defined (warmup
// complete, inputs usable). Implementations are single-writer; the engine
// serializes updates per symbol.
type Compute interface {
	Update(s Sample) (Output, bool)
}

// Builder constructs computation state for a parameterization of a base.
type Builder func(params Params) (Compute, error)

// Catalog maps base types to builders and carries the set of runtime-only
// variants (values produced elsewhere, e.g. pnl_pct from position marks).
type Catalog struct {
	mu       sync.RWMutex
	builders map[string]Builder
	runtime  map[string]struct{}
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		builders: make(map[string]Builder),
		runtime:  make(map[string]struct{}),
	}
}

// Register adds a base computation. A second registration for the same base
// is an error, not a silent overwrite.
func (c *Catalog) Register(base string, builder Builder) error {
	base = strings.TrimSpace(base)
	if base == "" {
		return errs.New("indicator/register", errs.CodeValidation, errs.WithMessage("base type required"))
	}
	if builder == nil {
		return errs.New("indicator/register", errs.CodeValidation, errs.WithMessage("builder required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.builders[base]; exists {
		return errs.New("indicator/register", errs.CodeConflict,
			errs.WithMessage("base already registered"), errs.WithField("base", base))
	}
	c.builders[base] = builder
	return nil
}

// RegisterRuntime declares a variant id whose values are produced outside the
// tick pipeline (e.g. pnl_pct). Strategies may reference it; the engine never
// computes it.
func (c *Catalog) RegisterRuntime(variantID string) error {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return errs.New("indicator/register", errs.CodeValidation, errs.WithMessage("variant id required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.runtime[variantID]; exists {
		return errs.New("indicator/register", errs.CodeConflict,
			errs.WithMessage("runtime variant already registered"), errs.WithField("variant_id", variantID))
	}
	c.runtime[variantID] = struct{}{}
	return nil
}

// NewCompute builds fresh computation state for a variant.
func (c *Catalog) NewCompute(v Variant) (Compute, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	builder, ok := c.builders[v.Base]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.New("indicator/build", errs.CodeNotFound,
			errs.WithMessage("unknown base type"), errs.WithField("base", v.Base))
	}
	return builder(v.Params)
}

// Knows reports whether the variant id resolves to a registered base variant
// shape or a runtime variant. Used by strategy validation.
func (c *Catalog) Knows(variantID string) bool {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.runtime[variantID]; ok {
		return true
	}
	// Variant ids are "base" or "base_<params...>"; accept any id whose base
	// prefix is registered.
	for base := range c.builders {
		if variantID == base || strings.HasPrefix(variantID, base+"_") {
			return true
		}
	}
	return false
}

// Bases lists registered base types, sorted.
func (c *Catalog) Bases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bases := make([]string, 0, len(c.builders))
	for base := range c.builders {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	return bases
}

// DefaultCatalog registers every built-in base plus the pnl_pct runtime
// variant and returns the catalog. Registration failures here are programming
// errors and panic.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	builtins := map[string]Builder{
		"sma":                NewSMA,
		"ema":                NewEMA,
		"rsi":                NewRSI,
		"bollinger":          NewBollinger,
		"vwap":               NewVWAP,
		"spread_pct":         NewSpreadPct,
		"pump_magnitude_pct": NewPumpMagnitude,
		"volume_surge":       NewVolumeSurge,
	}
	for base, builder := range builtins {
		if err := c.Register(base, builder); err != nil {
			panic(err)
		}
	}
	if err := c.RegisterRuntime("pnl_pct"); err != nil {
		panic(err)
	}
	return c
}

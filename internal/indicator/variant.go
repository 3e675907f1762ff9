// Package indicator implements the incremental, variant-parameterized
// indicator engine: a catalog of base computations, per-(variant, symbol)
// sliding-window state and ordered emission of indicator values.
package indicator

import (
	"strconv"
	"strings"

	"github.com/LKrysik/quantra/errs"
)

// Param is one named scalar parameter of a variant.
type Param struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Params is an ordered parameter list. Order is part of variant identity.
type Params []Param

// Get returns the named parameter or the fallback when absent.
func (p Params) Get(name string, fallback float64) float64 {
	for _, param := range p {
		if param.Name == name {
			return param.Value
		}
	}
	return fallback
}

// Has reports whether the named parameter is present.
func (p Params) Has(name string) bool {
	for _, param := range p {
		if param.Name == name {
			return true
		}
	}
	return false
}

// Variant is a concrete parameterization of a base indicator. The same base
// with different params is a different variant; the ID is the canonical
// identity referenced by strategies.
type Variant struct {
	ID     string `json:"variant_id"`
	Base   string `json:"base_type"`
	Params Params `json:"params"`
}

// NewVariant derives the stable variant ID from base and ordered params:
// base followed by each parameter value, e.g. "rsi_14",
// "pump_magnitude_pct_60000".
func NewVariant(base string, params Params) Variant {
	return Variant{
		ID:     FormatVariantID(base, params),
		Base:   base,
		Params: params,
	}
}

// FormatVariantID renders the canonical variant identifier.
func FormatVariantID(base string, params Params) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, base)
	for _, param := range params {
		parts = append(parts, strconv.FormatFloat(param.Value, 'f', -1, 64))
	}
	return strings.Join(parts, "_")
}

// Validate checks structural validity of the variant.
func (v Variant) Validate() error {
	if strings.TrimSpace(v.Base) == "" {
		return errs.New("indicator/variant", errs.CodeValidation, errs.WithMessage("base type required"))
	}
	if strings.TrimSpace(v.ID) == "" {
		return errs.New("indicator/variant", errs.CodeValidation, errs.WithMessage("variant id required"))
	}
	return nil
}

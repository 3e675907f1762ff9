package schema

import (
	"fmt"
	"math"

	json "github.com/goccy/go-json"

	"github.com/LKrysik/quantra/errs"
)

// Operator enumerates condition comparison operators.
type Operator string

const (
	OpGT      Operator = ">"
	OpLT      Operator = "<"
	OpGTE     Operator = ">="
	OpLTE     Operator = "<="
	OpEQ      Operator = "=="
	OpBetween Operator = "between"
	OpInSet   Operator = "in_set"
)

// equalityEpsilon bounds == comparisons on float64 indicator values.
const equalityEpsilon = 1e-9

// Condition compares one indicator variant against a threshold.
// DurationMS requires the predicate to hold continuously for that long;
// WindowMS counts a firing within the trailing window as true.
type Condition struct {
	ID         string    `json:"id,omitempty"`
	VariantID  string    `json:"variant_id"`
	Operator   Operator  `json:"operator"`
	Value      float64   `json:"-"`
	Lo         float64   `json:"-"`
	Hi         float64   `json:"-"`
	Set        []float64 `json:"-"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	WindowMS   int64     `json:"window_ms,omitempty"`
}

// Eval applies the operator to an observed value.
func (c Condition) Eval(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	switch c.Operator {
	case OpGT:
		return v > c.Value
	case OpLT:
		return v < c.Value
	case OpGTE:
		return v >= c.Value
	case OpLTE:
		return v <= c.Value
	case OpEQ:
		return math.Abs(v-c.Value) <= equalityEpsilon
	case OpBetween:
		return v >= c.Lo && v <= c.Hi
	case OpInSet:
		for _, member := range c.Set {
			if math.Abs(v-member) <= equalityEpsilon {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Validate checks operator and operand shape.
func (c Condition) Validate() error {
	if c.VariantID == "" {
		return errs.New("schema/condition", errs.CodeValidation, errs.WithMessage("variant_id required"))
	}
	switch c.Operator {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ:
	case OpBetween:
		if c.Lo > c.Hi {
			return errs.New("schema/condition", errs.CodeValidation,
				errs.WithMessage("between range inverted"), errs.WithField("variant_id", c.VariantID))
		}
	case OpInSet:
		if len(c.Set) == 0 {
			return errs.New("schema/condition", errs.CodeValidation,
				errs.WithMessage("in_set requires at least one member"), errs.WithField("variant_id", c.VariantID))
		}
	default:
		return errs.New("schema/condition", errs.CodeValidation,
			errs.WithMessage("unknown operator"), errs.WithField("operator", string(c.Operator)))
	}
	if c.DurationMS < 0 || c.WindowMS < 0 {
		return errs.New("schema/condition", errs.CodeValidation,
			errs.WithMessage("duration_ms and window_ms must be non-negative"))
	}
	return nil
}

type conditionJSON struct {
	ID         string   `json:"id,omitempty"`
	VariantID  string   `json:"variant_id"`
	Operator   Operator `json:"operator"`
	Value      any      `json:"value"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	WindowMS   int64    `json:"window_ms,omitempty"`
}

// MarshalJSON encodes the operand as a scalar, [lo,hi] pair or set
// depending on the operator.
func (c Condition) MarshalJSON() ([]byte, error) {
	out := conditionJSON{
		ID:         c.ID,
		VariantID:  c.VariantID,
		Operator:   c.Operator,
		Value:      nil,
		DurationMS: c.DurationMS,
		WindowMS:   c.WindowMS,
	}
	switch c.Operator {
	case OpBetween:
		out.Value = []float64{c.Lo, c.Hi}
	case OpInSet:
		out.Value = c.Set
	default:
		out.Value = c.Value
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the polymorphic value operand.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw conditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.VariantID = raw.VariantID
	c.Operator = raw.Operator
	c.DurationMS = raw.DurationMS
	c.WindowMS = raw.WindowMS
	c.Value, c.Lo, c.Hi, c.Set = 0, 0, 0, nil

	switch v := raw.Value.(type) {
	case nil:
		if raw.Operator == OpBetween || raw.Operator == OpInSet {
			return fmt.Errorf("condition %s: operator %s requires a value", raw.VariantID, raw.Operator)
		}
	case float64:
		c.Value = v
	case []any:
		members := make([]float64, 0, len(v))
		for _, item := range v {
			num, ok := item.(float64)
			if !ok {
				return fmt.Errorf("condition %s: non-numeric member in value list", raw.VariantID)
			}
			members = append(members, num)
		}
		if raw.Operator == OpBetween {
			if len(members) != 2 {
				return fmt.Errorf("condition %s: between requires [lo, hi]", raw.VariantID)
			}
			c.Lo, c.Hi = members[0], members[1]
		} else {
			c.Set = members
		}
	default:
		return fmt.Errorf("condition %s: unsupported value type %T", raw.VariantID, raw.Value)
	}
	return nil
}

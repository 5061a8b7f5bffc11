// Package filter evaluates threshold rules over canonical records.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

// Field names a filterable record field.
type Field string

const (
	FieldWeight          Field = "Weight"
	FieldBMI             Field = "BMI"
	FieldBodyFat         Field = "BodyFat"
	FieldBodyWater       Field = "BodyWater"
	FieldBoneMass        Field = "BoneMass"
	FieldMetabolicAge    Field = "MetabolicAge"
	FieldMuscleMass      Field = "MuscleMass"
	FieldVisceralFat     Field = "VisceralFat"
	FieldBasalMetabolism Field = "BasalMetabolism"
)

// SupportedFields lists the filterable fields in display order.
var SupportedFields = []Field{
	FieldWeight, FieldBMI, FieldBodyFat, FieldBodyWater, FieldBoneMass,
	FieldMetabolicAge, FieldMuscleMass, FieldVisceralFat, FieldBasalMetabolism,
}

// integerFields only accept whole-number thresholds.
var integerFields = map[Field]bool{
	FieldMetabolicAge:    true,
	FieldVisceralFat:     true,
	FieldBasalMetabolism: true,
}

// Operator is a comparison operator.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpBetween Operator = "between"
)

var operators = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpBetween}

// Logic combines condition results.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Epsilon absorbs float noise in eq/ne comparisons.
const Epsilon = 0.001

// Value is a condition threshold: one number, or a [min, max] pair.
type Value struct {
	Numbers []float64

	raw     json.RawMessage
	invalid string
}

// Number builds a scalar threshold.
func Number(v float64) Value { return Value{Numbers: []float64{v}} }

// Range builds a between threshold.
func Range(lo, hi float64) Value { return Value{Numbers: []float64{lo, hi}} }

// IsRange reports whether the value was given as a list.
func (v Value) IsRange() bool { return len(v.Numbers) != 1 || isJSONArray(v.raw) }

// MarshalJSON writes rejected input back unchanged, so saving a profile
// never turns a bad rule into a valid one.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.invalid != "" && len(v.raw) > 0 {
		return v.raw, nil
	}
	if len(v.Numbers) == 1 && !isJSONArray(v.raw) {
		return json.Marshal(v.Numbers[0])
	}
	return json.Marshal(v.Numbers)
}

// UnmarshalJSON keeps non-numeric input instead of failing, so a bad rule
// surfaces from Validate rather than from loading the profile.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(v.raw[:0], data...)
	v.Numbers = nil
	v.invalid = ""
	if isJSONArray(data) {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			n, err := parseNumber(item)
			if err != nil {
				v.invalid = err.Error()
				continue
			}
			v.Numbers = append(v.Numbers, n)
		}
		return nil
	}
	n, err := parseNumber(data)
	if err != nil {
		v.invalid = err.Error()
		return nil
	}
	v.Numbers = []float64{n}
	return nil
}

func (v Value) String() string {
	if len(v.Numbers) == 1 && !isJSONArray(v.raw) {
		return strconv.FormatFloat(v.Numbers[0], 'f', -1, 64)
	}
	parts := make([]string, len(v.Numbers))
	for i, n := range v.Numbers {
		parts[i] = strconv.FormatFloat(n, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (v Value) clone() Value {
	out := Value{invalid: v.invalid}
	if v.Numbers != nil {
		out.Numbers = append([]float64(nil), v.Numbers...)
	}
	if v.raw != nil {
		out.raw = append(json.RawMessage(nil), v.raw...)
	}
	return out
}

// Condition is a single field/operator/value rule.
type Condition struct {
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value)
}

// Config is the per-profile filter definition.
type Config struct {
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions,omitempty"`
	Logic      Logic       `json:"logic,omitempty"`
}

// Active reports whether Apply would evaluate anything.
func (c *Config) Active() bool {
	return c != nil && c.Enabled && len(c.Conditions) > 0
}

// Clone returns a deep copy of c, keeping any rejected values so they still
// fail Validate.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := &Config{Enabled: c.Enabled, Logic: c.Logic}
	if c.Conditions != nil {
		out.Conditions = make([]Condition, len(c.Conditions))
		for i, cond := range c.Conditions {
			out.Conditions[i] = Condition{Field: cond.Field, Operator: cond.Operator, Value: cond.Value.clone()}
		}
	}
	return out
}

func (c *Config) logic() Logic {
	if c.Logic == "" {
		return LogicAnd
	}
	return Logic(strings.ToLower(string(c.Logic)))
}

// Stats reports how many records passed and were dropped.
type Stats struct {
	Total   int
	Passed  int
	Dropped int
}

// Evaluate reports whether rec satisfies cond. A record lacking the field
// never matches. cond must have passed Validate.
func Evaluate(rec record.Record, cond Condition) bool {
	x, ok := fieldValue(rec, cond.Field)
	if !ok || len(cond.Value.Numbers) == 0 {
		return false
	}
	v := cond.Value.Numbers[0]
	switch cond.Operator {
	case OpEq:
		return math.Abs(x-v) < Epsilon
	case OpNe:
		return math.Abs(x-v) >= Epsilon
	case OpGt:
		return x > v
	case OpGte:
		return x >= v
	case OpLt:
		return x < v
	case OpLte:
		return x <= v
	case OpBetween:
		if len(cond.Value.Numbers) != 2 {
			return false
		}
		return cond.Value.Numbers[0] <= x && x <= cond.Value.Numbers[1]
	}
	return false
}

// Apply keeps the records matching cfg. An absent, disabled, or empty config
// returns recs unchanged. The config is validated before any evaluation.
func Apply(recs []record.Record, cfg *Config, logger *slog.Logger) ([]record.Record, Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Active() {
		return recs, Stats{Total: len(recs), Passed: len(recs)}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, Stats{}, err
	}

	logic := cfg.logic()
	logger.Info("applying weight filter", "conditions", len(cfg.Conditions), "logic", string(logic))
	for i, cond := range cfg.Conditions {
		logger.Debug("filter condition", "index", i+1, "rule", cond.String())
	}

	out := make([]record.Record, 0, len(recs))
	for _, rec := range recs {
		if matches(rec, cfg.Conditions, logic) {
			out = append(out, rec)
		}
	}

	stats := Stats{Total: len(recs), Passed: len(out), Dropped: len(recs) - len(out)}
	switch {
	case stats.Passed == 0:
		logger.Warn("filter dropped every record", "total", stats.Total)
	default:
		logger.Info("filter applied", "passed", stats.Passed, "dropped", stats.Dropped, "total", stats.Total)
	}
	return out, stats, nil
}

func matches(rec record.Record, conds []Condition, logic Logic) bool {
	if logic == LogicOr {
		for _, c := range conds {
			if Evaluate(rec, c) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !Evaluate(rec, c) {
			return false
		}
	}
	return true
}

func fieldValue(rec record.Record, f Field) (float64, bool) {
	switch f {
	case FieldWeight:
		return rec.WeightKg, true
	case FieldBMI:
		return floatOf(rec.BMI)
	case FieldBodyFat:
		return floatOf(rec.BodyFatPct)
	case FieldBodyWater:
		return floatOf(rec.BodyWaterPct)
	case FieldBoneMass:
		return floatOf(rec.BoneMassKg)
	case FieldMetabolicAge:
		return intOf(rec.MetabolicAgeYears)
	case FieldMuscleMass:
		return floatOf(rec.MuscleMassKg)
	case FieldVisceralFat:
		return intOf(rec.VisceralFatRating)
	case FieldBasalMetabolism:
		return intOf(rec.BasalMetabolismKcal)
	}
	return 0, false
}

func floatOf(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func intOf(p *int) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

func isJSONArray(data []byte) bool {
	s := strings.TrimSpace(string(data))
	return strings.HasPrefix(s, "[")
}

// parseNumber accepts JSON numbers and numeric strings. null is rejected;
// decoding it into a float64 would silently yield 0.
func parseNumber(data json.RawMessage) (float64, error) {
	if t := strings.TrimSpace(string(data)); t == "" || t == "null" {
		return 0, errors.New("is required")
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("value %s is not a number", string(data))
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a number", s)
	}
	return n, nil
}

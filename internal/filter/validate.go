package filter

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError is returned when a filter config is malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("filter config: %s: %s", e.Field, e.Message)
}

// Validate checks every condition before any record is evaluated.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if len(c.Conditions) == 0 {
		return &ValidationError{Field: "conditions", Message: "must not be empty when filter is enabled"}
	}
	for i, cond := range c.Conditions {
		if err := validateCondition(cond, i); err != nil {
			return err
		}
	}
	switch c.logic() {
	case LogicAnd, LogicOr:
	default:
		return &ValidationError{Field: "logic", Message: fmt.Sprintf("must be 'and' or 'or', got %q", c.Logic)}
	}
	return nil
}

func validateCondition(cond Condition, index int) error {
	where := fmt.Sprintf("conditions[%d]", index)

	if !isSupportedField(cond.Field) {
		names := make([]string, len(SupportedFields))
		for i, f := range SupportedFields {
			names[i] = string(f)
		}
		return &ValidationError{
			Field:   where + ".field",
			Message: fmt.Sprintf("unsupported field %q, supported: %s", cond.Field, strings.Join(names, ", ")),
		}
	}
	if !isSupportedOperator(cond.Operator) {
		return &ValidationError{Field: where + ".operator", Message: fmt.Sprintf("unsupported operator %q", cond.Operator)}
	}

	v := cond.Value
	if v.invalid != "" {
		return &ValidationError{Field: where + ".value", Message: v.invalid}
	}
	if len(v.Numbers) == 0 {
		return &ValidationError{Field: where + ".value", Message: "is required"}
	}

	if cond.Operator == OpBetween {
		if !v.IsRange() || len(v.Numbers) != 2 {
			return &ValidationError{Field: where + ".value", Message: fmt.Sprintf("between requires exactly 2 values, got %s", v)}
		}
		if v.Numbers[0] > v.Numbers[1] {
			return &ValidationError{Field: where + ".value", Message: fmt.Sprintf("between requires min <= max, got %s", v)}
		}
	} else if v.IsRange() {
		return &ValidationError{Field: where + ".value", Message: fmt.Sprintf("operator %s takes a single value, got %s", cond.Operator, v)}
	}

	if integerFields[cond.Field] {
		for _, n := range v.Numbers {
			if n != math.Trunc(n) {
				return &ValidationError{Field: where + ".value", Message: fmt.Sprintf("%s takes whole numbers, got %s", cond.Field, v)}
			}
		}
	}
	return nil
}

func isSupportedField(f Field) bool {
	for _, s := range SupportedFields {
		if s == f {
			return true
		}
	}
	return false
}

func isSupportedOperator(op Operator) bool {
	for _, o := range operators {
		if o == op {
			return true
		}
	}
	return false
}

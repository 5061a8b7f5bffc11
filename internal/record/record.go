// Package record defines the canonical body-composition measurement shared
// by the fetch, filter, artifact and export stages.
package record

import "time"

// Record is one measurement. Optional fields are nil when the source did not
// report them; nil never means zero.
type Record struct {
	Timestamp           time.Time `json:"timestamp"`
	WeightKg            float64   `json:"weightKg"`
	BMI                 *float64  `json:"bmi,omitempty"`
	BodyFatPct          *float64  `json:"bodyFatPct,omitempty"`
	BodyWaterPct        *float64  `json:"bodyWaterPct,omitempty"`
	BoneMassKg          *float64  `json:"boneMassKg,omitempty"`
	MetabolicAgeYears   *int      `json:"metabolicAgeYears,omitempty"`
	MuscleMassKg        *float64  `json:"muscleMassKg,omitempty"`
	VisceralFatRating   *int      `json:"visceralFatRating,omitempty"`
	BasalMetabolismKcal *int      `json:"basalMetabolismKcal,omitempty"`
	BodyScore           *int      `json:"bodyScore,omitempty"`
	HeartRateBpm        *int      `json:"heartRateBpm,omitempty"`
	ProteinPct          *float64  `json:"proteinPct,omitempty"`
	SourceTag           string    `json:"sourceTag"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

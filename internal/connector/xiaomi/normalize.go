package xiaomi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

// fieldSpec resolves one record field from the first present alias.
type fieldSpec struct {
	aliases []string
	set     func(r *record.Record, v float64)
}

func setFloat(dst func(r *record.Record) **float64) func(*record.Record, float64) {
	return func(r *record.Record, v float64) { *dst(r) = record.Float(v) }
}

// setInt truncates toward zero, the way the scale apps report whole units.
func setInt(dst func(r *record.Record) **int) func(*record.Record, float64) {
	return func(r *record.Record, v float64) { *dst(r) = record.Int(int(math.Trunc(v))) }
}

var (
	setWeight   = func(r *record.Record, v float64) { r.WeightKg = v }
	setBMI      = setFloat(func(r *record.Record) **float64 { return &r.BMI })
	setBodyFat  = setFloat(func(r *record.Record) **float64 { return &r.BodyFatPct })
	setWater    = setFloat(func(r *record.Record) **float64 { return &r.BodyWaterPct })
	setBone     = setFloat(func(r *record.Record) **float64 { return &r.BoneMassKg })
	setMetaAge  = setInt(func(r *record.Record) **int { return &r.MetabolicAgeYears })
	setMuscle   = setFloat(func(r *record.Record) **float64 { return &r.MuscleMassKg })
	setVisceral = setInt(func(r *record.Record) **int { return &r.VisceralFatRating })
	setBasal    = setInt(func(r *record.Record) **int { return &r.BasalMetabolismKcal })
	setScore    = setInt(func(r *record.Record) **int { return &r.BodyScore })
	setHeart    = setInt(func(r *record.Record) **int { return &r.HeartRateBpm })
	setProtein  = setFloat(func(r *record.Record) **float64 { return &r.ProteinPct })
)

// cursorFields is the alias table for the time-series endpoint payloads.
var cursorFields = []fieldSpec{
	{[]string{"weight", "w"}, setWeight},
	{[]string{"bmi"}, setBMI},
	{[]string{"body_fat_rate", "bfp", "body_fat", "fat"}, setBodyFat},
	{[]string{"moisture_rate", "bwp", "body_water", "water"}, setWater},
	{[]string{"bone_mass", "bmc", "bone"}, setBone},
	{[]string{"ma", "metabolic_age"}, setMetaAge},
	{[]string{"muscle_rate", "slm", "muscle_mass", "muscle"}, setMuscle},
	{[]string{"visceral_fat", "vfl"}, setVisceral},
	{[]string{"basal_metabolism", "bmr"}, setBasal},
	{[]string{"sbc", "body_score"}, setScore},
	{[]string{"heartRate", "heart_rate", "hr"}, setHeart},
	{[]string{"protein_rate"}, setProtein},
}

// scaleFields is the layout of legacy sources 1 and 2.
var scaleFields = []fieldSpec{
	{[]string{"weight"}, setWeight},
	{[]string{"bmi"}, setBMI},
	{[]string{"bfp"}, setBodyFat},
	{[]string{"bwp"}, setWater},
	{[]string{"bmc"}, setBone},
	{[]string{"ma"}, setMetaAge},
	{[]string{"smm"}, setMuscle},
	{[]string{"vfl"}, setVisceral},
	{[]string{"bmr"}, setBasal},
	{[]string{"sbc"}, setScore},
}

// bandFields is the top level of legacy source 3; the body composition part
// lives in the nested bodyResData string and uses bodyResFields.
var bandFields = []fieldSpec{
	{[]string{"weight"}, setWeight},
	{[]string{"bmi"}, setBMI},
	{[]string{"heartRate"}, setHeart},
}

var bodyResFields = scaleFields[2:]

// =============================================================================
// RAW SHAPES
// =============================================================================

// FitnessItem is one entry of the time-series endpoint's data_list.
type FitnessItem struct {
	Sid        string          `json:"sid"`
	Key        string          `json:"key"`
	Time       int64           `json:"time"`
	Value      string          `json:"value"`
	ZoneOffset json.RawMessage `json:"zone_offset,omitempty"`
	UpdateTime json.RawMessage `json:"update_time,omitempty"`
	ZoneName   string          `json:"zone_name,omitempty"`
}

// ScaleItem is one entry of the legacy scale API.
type ScaleItem struct {
	FromSource int    `json:"fromSource"`
	CreateTime int64  `json:"createTime"`
	Data       string `json:"data"`
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// NormalizeFitnessItem converts a time-series item. ok is false when the
// item is not a weight measurement or carries no weight.
func NormalizeFitnessItem(item FitnessItem) (rec record.Record, ok bool, err error) {
	if item.Key != "" && item.Key != "weight" {
		return rec, false, nil
	}
	payload, err := decodePayload(item.Value)
	if err != nil {
		return rec, false, fmt.Errorf("item %s at %d: %w", item.Sid, item.Time, err)
	}

	rec.Timestamp = time.Unix(item.Time, 0).UTC()
	rec.SourceTag = "cursor:" + item.Sid
	applyFields(&rec, payload, cursorFields)
	return rec, rec.WeightKg > 0, nil
}

// NormalizeScaleItem converts a legacy item according to its fromSource layout.
func NormalizeScaleItem(item ScaleItem) (rec record.Record, ok bool, err error) {
	payload, err := decodePayload(item.Data)
	if err != nil {
		return rec, false, fmt.Errorf("scale item at %d: %w", item.CreateTime, err)
	}

	rec.Timestamp = time.UnixMilli(item.CreateTime).UTC()
	rec.SourceTag = "legacy:" + strconv.Itoa(item.FromSource)

	switch item.FromSource {
	case 1, 2:
		applyFields(&rec, payload, scaleFields)
	case 3:
		applyFields(&rec, payload, bandFields)
		if nested, ok := stringField(payload, "bodyResData"); ok && nested != "" {
			inner, err := decodePayload(nested)
			if err != nil {
				return rec, false, fmt.Errorf("scale item at %d bodyResData: %w", item.CreateTime, err)
			}
			applyFields(&rec, inner, bodyResFields)
		}
	default:
		return rec, false, nil
	}
	return rec, rec.WeightKg > 0, nil
}

func applyFields(rec *record.Record, payload map[string]json.RawMessage, specs []fieldSpec) {
	for _, spec := range specs {
		for _, alias := range spec.aliases {
			if v, ok := numberField(payload, alias); ok {
				spec.set(rec, v)
				break
			}
		}
	}
}

func decodePayload(raw string) (map[string]json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// numberField reads a JSON number or numeric string. Null, empty and
// unparseable values count as absent.
func numberField(payload map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := payload[key]
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func stringField(payload map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := payload[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/tormoder/fit"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

// Encoder turns a chunk of records into an uploadable file.
type Encoder interface {
	Encode(w io.Writer, recs []record.Record) error
}

// Device identity written into every FileId.
const (
	fitProduct = 2429
	fitSerial  = 12345
)

// ErrNoRecords is returned when asked to encode an empty chunk.
var ErrNoRecords = errors.New("no records to encode")

// FITEncoder writes weight-type FIT files, one WeightScale message per record.
type FITEncoder struct {
	// Now stamps FileId.TimeCreated; time.Now when nil.
	Now func() time.Time
}

var _ Encoder = FITEncoder{}

// Encode implements Encoder. Absent optional fields stay invalid in the
// output, which readers treat as not measured.
func (e FITEncoder) Encode(w io.Writer, recs []record.Record) error {
	if len(recs) == 0 {
		return ErrNoRecords
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	file, err := fit.NewFile(fit.FileTypeWeight, fit.NewHeader(fit.V20, false))
	if err != nil {
		return fmt.Errorf("new fit file: %w", err)
	}
	file.FileId.Manufacturer = fit.ManufacturerGarmin
	file.FileId.Product = fitProduct
	file.FileId.SerialNumber = fitSerial
	file.FileId.TimeCreated = now().UTC()

	weight, err := file.Weight()
	if err != nil {
		return fmt.Errorf("weight file: %w", err)
	}
	for i, r := range recs {
		if r.WeightKg <= 0 || math.IsNaN(r.WeightKg) {
			return fmt.Errorf("record %d: weight %.2f is not encodable", i, r.WeightKg)
		}
		weight.WeightScales = append(weight.WeightScales, weightScale(r))
	}

	if err := fit.Encode(w, file, binary.LittleEndian); err != nil {
		return fmt.Errorf("encode fit: %w", err)
	}
	return nil
}

func weightScale(r record.Record) *fit.WeightScaleMsg {
	msg := fit.NewWeightScaleMsg()
	msg.Timestamp = r.Timestamp.UTC()
	msg.Weight = fit.Weight(scale16(r.WeightKg, 100))
	if r.BodyFatPct != nil {
		msg.PercentFat = scale16(*r.BodyFatPct, 100)
	}
	if r.BodyWaterPct != nil {
		msg.PercentHydration = scale16(*r.BodyWaterPct, 100)
	}
	if r.BoneMassKg != nil {
		msg.BoneMass = scale16(*r.BoneMassKg, 100)
	}
	if r.MuscleMassKg != nil {
		msg.MuscleMass = scale16(*r.MuscleMassKg, 100)
	}
	if r.BasalMetabolismKcal != nil {
		msg.BasalMet = scale16(float64(*r.BasalMetabolismKcal), 4)
	}
	if r.MetabolicAgeYears != nil {
		msg.MetabolicAge = clamp8(*r.MetabolicAgeYears)
	}
	if r.VisceralFatRating != nil {
		msg.VisceralFatRating = clamp8(*r.VisceralFatRating)
	}
	return msg
}

// scale16 applies a FIT scale factor, clamping below the uint16 invalid value.
func scale16(v, factor float64) uint16 {
	x := math.Round(v * factor)
	switch {
	case x < 0:
		return 0
	case x >= math.MaxUint16:
		return math.MaxUint16 - 1
	}
	return uint16(x)
}

func clamp8(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v >= math.MaxUint8:
		return math.MaxUint8 - 1
	}
	return uint8(v)
}

// Package export writes fetched records to columnar snapshot files.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/hayashishungenn/garmin-weight-sync/internal/fsutil"
	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

// ErrEmpty is returned when there is nothing to export.
var ErrEmpty = errors.New("no records to export")

// Row is the parquet layout of one record. Optional fields stay null when
// the source did not report them.
type Row struct {
	TimestampMillis int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WeightKg        float64  `parquet:"name=weight_kg, type=DOUBLE"`
	BMI             *float64 `parquet:"name=bmi, type=DOUBLE, repetitiontype=OPTIONAL"`
	BodyFatPct      *float64 `parquet:"name=body_fat_pct, type=DOUBLE, repetitiontype=OPTIONAL"`
	BodyWaterPct    *float64 `parquet:"name=body_water_pct, type=DOUBLE, repetitiontype=OPTIONAL"`
	BoneMassKg      *float64 `parquet:"name=bone_mass_kg, type=DOUBLE, repetitiontype=OPTIONAL"`
	MetabolicAge    *int32   `parquet:"name=metabolic_age, type=INT32, repetitiontype=OPTIONAL"`
	MuscleMassKg    *float64 `parquet:"name=muscle_mass_kg, type=DOUBLE, repetitiontype=OPTIONAL"`
	VisceralFat     *int32   `parquet:"name=visceral_fat, type=INT32, repetitiontype=OPTIONAL"`
	BasalMetabolism *int32   `parquet:"name=basal_metabolism_kcal, type=INT32, repetitiontype=OPTIONAL"`
	BodyScore       *int32   `parquet:"name=body_score, type=INT32, repetitiontype=OPTIONAL"`
	HeartRate       *int32   `parquet:"name=heart_rate_bpm, type=INT32, repetitiontype=OPTIONAL"`
	ProteinPct      *float64 `parquet:"name=protein_pct, type=DOUBLE, repetitiontype=OPTIONAL"`
	SourceTag       string   `parquet:"name=source_tag, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// RowOf converts a record.
func RowOf(r record.Record) Row {
	return Row{
		TimestampMillis: r.Timestamp.UnixMilli(),
		WeightKg:        r.WeightKg,
		BMI:             r.BMI,
		BodyFatPct:      r.BodyFatPct,
		BodyWaterPct:    r.BodyWaterPct,
		BoneMassKg:      r.BoneMassKg,
		MetabolicAge:    int32p(r.MetabolicAgeYears),
		MuscleMassKg:    r.MuscleMassKg,
		VisceralFat:     int32p(r.VisceralFatRating),
		BasalMetabolism: int32p(r.BasalMetabolismKcal),
		BodyScore:       int32p(r.BodyScore),
		HeartRate:       int32p(r.HeartRateBpm),
		ProteinPct:      r.ProteinPct,
		SourceTag:       r.SourceTag,
	}
}

// WriteParquet writes recs as one snappy-compressed parquet file.
func WriteParquet(w io.Writer, recs []record.Record) error {
	if len(recs) == 0 {
		return ErrEmpty
	}
	pfw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(pfw, new(Row), 4)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, r := range recs {
		if err := pw.Write(RowOf(r)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return fmt.Errorf("finish parquet file: %w", err)
	}
	return pfw.Close()
}

// WriteFile writes the parquet snapshot to path through a temp file.
func WriteFile(path string, recs []record.Record) error {
	var buf bytes.Buffer
	if err := WriteParquet(&buf, recs); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

func int32p(p *int) *int32 {
	if p == nil {
		return nil
	}
	v := int32(*p)
	return &v
}

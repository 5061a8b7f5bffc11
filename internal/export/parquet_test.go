package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

func sample() []record.Record {
	at := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	return []record.Record{
		{Timestamp: at, WeightKg: 70.5, BMI: record.Float(22.1), VisceralFatRating: record.Int(7), SourceTag: "cursor"},
		{Timestamp: at.Add(24 * time.Hour), WeightKg: 70.1, SourceTag: "legacy"},
	}
}

func TestRowOfKeepsAbsentFieldsNull(t *testing.T) {
	recs := sample()
	full := RowOf(recs[0])
	assert.Equal(t, recs[0].Timestamp.UnixMilli(), full.TimestampMillis)
	require.NotNil(t, full.VisceralFat)
	assert.Equal(t, int32(7), *full.VisceralFat)

	bare := RowOf(recs[1])
	assert.Nil(t, bare.BMI)
	assert.Nil(t, bare.VisceralFat)
	assert.Nil(t, bare.MetabolicAge)
}

func TestWriteParquetProducesParquetFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, sample()))
	data := buf.Bytes()
	require.Greater(t, len(data), 8)
	assert.Equal(t, "PAR1", string(data[:4]))
	assert.Equal(t, "PAR1", string(data[len(data)-4:]))
}

func TestWriteParquetRejectsEmpty(t *testing.T) {
	assert.ErrorIs(t, WriteParquet(&bytes.Buffer{}, nil), ErrEmpty)
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export", "alice.parquet")
	require.NoError(t, WriteFile(path, sample()))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(Row), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	require.Equal(t, 2, n)
	rows := make([]Row, n)
	require.NoError(t, pr.Read(&rows))

	assert.InDelta(t, 70.5, rows[0].WeightKg, 1e-9)
	require.NotNil(t, rows[0].BMI)
	assert.InDelta(t, 22.1, *rows[0].BMI, 1e-9)
	assert.Equal(t, "legacy", rows[1].SourceTag)
	assert.Nil(t, rows[1].BMI)
}

package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

func makeRecords(n int) []record.Record {
	base := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	recs := make([]record.Record, n)
	for i := range recs {
		recs[i] = record.Record{Timestamp: base.Add(time.Duration(i) * time.Hour), WeightKg: 70 + float64(i)/10}
	}
	return recs
}

func TestChunkIsOrderPreservingAndExhaustive(t *testing.T) {
	for _, n := range []int{0, 1, 4, 5, 6, 17} {
		for _, size := range []int{1, 2, 5, 100} {
			recs := makeRecords(n)
			chunks := Chunk(recs, size)

			assert.Len(t, chunks, (n+size-1)/size, "n=%d size=%d", n, size)
			var joined []record.Record
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c), size)
				assert.NotEmpty(t, c)
				joined = append(joined, c...)
			}
			if n == 0 {
				assert.Empty(t, joined)
				continue
			}
			assert.Equal(t, recs, joined)
		}
	}
}

func TestChunkDoesNotAlias(t *testing.T) {
	chunks := Chunk(makeRecords(4), 2)
	chunks[0] = append(chunks[0], record.Record{WeightKg: 1})
	assert.Equal(t, 70.2, chunks[1][0].WeightKg)
}

func TestName(t *testing.T) {
	at := time.Date(2024, 3, 1, 7, 30, 5, 0, time.UTC)
	id := uuid.MustParse("3f2a9c1e-0000-4000-8000-000000000000")

	assert.Equal(t, "weight_alice_20240301073005_3f2a9c1e_0.fit", Name("alice", at, id.String(), 0))
	assert.Equal(t, "weight_138_0000_mi.com_20240301073005_3f2a9c1e_2.fit", Name("138 0000@mi.com", at, id.String(), 2))

	other := uuid.NewString()
	assert.NotEqual(t, Name("alice", at, id.String(), 0), Name("alice", at, other, 0))
}

func TestFITEncoderRoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	recs := makeRecords(2)
	recs[0].BodyFatPct = record.Float(21.37)
	recs[0].BasalMetabolismKcal = record.Int(1500)
	recs[0].VisceralFatRating = record.Int(8)

	var buf bytes.Buffer
	require.NoError(t, FITEncoder{Now: func() time.Time { return created }}.Encode(&buf, recs))

	file, err := fit.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, fit.FileTypeWeight, file.FileId.Type)
	assert.Equal(t, fit.ManufacturerGarmin, file.FileId.Manufacturer)
	assert.Equal(t, uint16(fitProduct), file.FileId.Product)
	assert.Equal(t, uint32(fitSerial), file.FileId.SerialNumber)

	weight, err := file.Weight()
	require.NoError(t, err)
	require.Len(t, weight.WeightScales, 2)

	first := weight.WeightScales[0]
	assert.True(t, recs[0].Timestamp.Equal(first.Timestamp))
	assert.Equal(t, fit.Weight(7000), first.Weight)
	assert.Equal(t, uint16(2137), first.PercentFat)
	assert.Equal(t, uint16(6000), first.BasalMet)
	assert.Equal(t, uint8(8), first.VisceralFatRating)
	assert.Equal(t, uint16(0xFFFF), first.BoneMass, "absent fields stay invalid")

	assert.Equal(t, fit.Weight(7010), weight.WeightScales[1].Weight)
}

func TestFITEncoderRejectsEmpty(t *testing.T) {
	err := FITEncoder{}.Encode(io.Discard, nil)
	assert.ErrorIs(t, err, ErrNoRecords)
}

type failingEncoder struct{}

func (failingEncoder) Encode(io.Writer, []record.Record) error { return errors.New("boom") }

func TestWriterWritesAndArchives(t *testing.T) {
	out := t.TempDir()
	archiveRoot := t.TempDir()
	w := &Writer{Dir: out, Archive: &LocalArchive{Root: archiveRoot, Prefix: "alice/"}}

	art, err := w.Write(context.Background(), "weight_alice_1.fit", makeRecords(3))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "weight_alice_1.fit"), art.Path)
	assert.Equal(t, 3, art.Records)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, art.Bytes, len(data))

	archived, err := os.ReadFile(filepath.Join(archiveRoot, "alice", "weight_alice_1.fit"))
	require.NoError(t, err)
	assert.Equal(t, data, archived)
	assert.Contains(t, art.ArchiveURI, "alice/weight_alice_1.fit")
}

func TestWriterEncodeFailure(t *testing.T) {
	out := t.TempDir()
	w := &Writer{Dir: out, Encoder: failingEncoder{}}

	_, err := w.Write(context.Background(), "weight_x.fit", makeRecords(1))
	assert.Equal(t, syncerr.CodeArtifactGenerationFailed, syncerr.CodeOf(err))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type brokenArchive struct{}

func (brokenArchive) Put(context.Context, string, []byte) error { return errors.New("offline") }
func (brokenArchive) URI(key string) string                     { return key }

func TestWriterIgnoresArchiveFailure(t *testing.T) {
	w := &Writer{Dir: t.TempDir(), Archive: brokenArchive{}}
	art, err := w.Write(context.Background(), "weight_y.fit", makeRecords(1))
	require.NoError(t, err)
	assert.Empty(t, art.ArchiveURI)
}

func TestS3ArchiveConfigValidation(t *testing.T) {
	_, err := NewS3Archive(S3Config{})
	var aErr *ArchiveError
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, CodeEndpointUnreachable, aErr.Code)

	_, err = NewS3Archive(S3Config{Endpoint: "localhost:9000", Bucket: "b"})
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, CodeAuthInvalid, aErr.Code)

	a, err := NewS3Archive(S3Config{Endpoint: "https://s3.example.com", AccessKeyID: "k", SecretAccessKey: "s", Bucket: "fit", Prefix: "runs"})
	require.NoError(t, err)
	assert.Equal(t, "s3://fit/runs/weight_1.fit", a.URI("weight_1.fit"))
}

func TestS3ArchiveRoundTrip(t *testing.T) {
	endpoint := os.Getenv("WEIGHTSYNC_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("WEIGHTSYNC_TEST_MINIO_ENDPOINT not set")
	}
	a, err := NewS3Archive(S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     envOr("WEIGHTSYNC_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: envOr("WEIGHTSYNC_TEST_MINIO_SECRET_KEY", "minioadmin"),
		Bucket:          "weightsync-test",
		Prefix:          uuid.NewString(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.EnsureBucket(ctx))
	require.NoError(t, a.Put(ctx, "weight_1.fit", []byte("payload")))
	got, err := a.Get(ctx, "weight_1.fit")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

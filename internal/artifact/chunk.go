package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

// DefaultChunkSize is the number of records per uploaded artifact.
const DefaultChunkSize = 500

// Chunk splits recs into consecutive slices of at most size records. The
// concatenation of the result equals recs. A size below 1 uses
// DefaultChunkSize.
func Chunk(recs []record.Record, size int) [][]record.Record {
	if size < 1 {
		size = DefaultChunkSize
	}
	if len(recs) == 0 {
		return nil
	}
	chunks := make([][]record.Record, 0, (len(recs)+size-1)/size)
	for start := 0; start < len(recs); start += size {
		end := min(start+size, len(recs))
		chunks = append(chunks, recs[start:end:end])
	}
	return chunks
}

// Name returns the artifact file name of chunk idx of a run. The run id
// segment keeps concurrent runs of one user in the same second apart.
func Name(user string, runAt time.Time, runID string, idx int) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("weight_%s_%s_%s_%d.fit", sanitize(user), runAt.Format("20060102150405"), id, idx)
}

// sanitize keeps letters, digits, dot, dash and underscore.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hayashishungenn/garmin-weight-sync/internal/fsutil"
	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// Artifact is one encoded chunk on disk.
type Artifact struct {
	// Ref is the file name, unique per user, run and chunk index.
	Ref     string
	Path    string
	Records int
	Bytes   int
	// ArchiveURI is set when a copy was archived.
	ArchiveURI string
}

// Writer encodes chunks into an output directory and optionally archives a copy.
type Writer struct {
	Dir     string
	Encoder Encoder
	// Archive is optional. Archive failures are logged and do not fail the write.
	Archive Archive
	Logger  *slog.Logger
}

// Write encodes recs into Dir/name via a temp file and rename.
func (w *Writer) Write(ctx context.Context, name string, recs []record.Record) (*Artifact, error) {
	enc := w.Encoder
	if enc == nil {
		enc = FITEncoder{}
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, recs); err != nil {
		return nil, syncerr.New(syncerr.CodeArtifactGenerationFailed, fmt.Errorf("encode %s: %w", name, err))
	}

	path := filepath.Join(w.Dir, name)
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return nil, syncerr.New(syncerr.CodeArtifactGenerationFailed, fmt.Errorf("write %s: %w", name, err))
	}
	art := &Artifact{Ref: name, Path: path, Records: len(recs), Bytes: buf.Len()}

	if w.Archive != nil {
		if err := w.Archive.Put(ctx, name, buf.Bytes()); err != nil {
			logger.Warn("failed to archive artifact", "artifact", name, "error", err)
		} else {
			art.ArchiveURI = w.Archive.URI(name)
		}
	}
	logger.Debug("wrote artifact", "artifact", name, "records", art.Records, "bytes", art.Bytes)
	return art, nil
}

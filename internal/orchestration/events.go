package orchestration

import (
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/garmin"
	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
)

// Stage is the progress stage reported by a run.
type Stage string

const (
	StageAuthenticating Stage = "authenticating"
	StageFetching       Stage = "fetching"
	StageFiltering      Stage = "filtering"
	StageGenerating     Stage = "generating"
	StageUploading      Stage = "uploading"
	StageAwaitingInput  Stage = "awaiting_input"
	StageCompleted      Stage = "completed"
	StageStopped        Stage = "stopped"
	StageError          Stage = "error"
)

// Terminal reports whether no event follows s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageStopped || s == StageError
}

// Progress markers. Chunk generation spans markChunkStart..markChunkEnd and
// uploads span markUploadStart..markUploadStart+markUploadSpan.
const (
	markSourceStart = 10
	markSourceLogin = 15
	markSourceDone  = 20
	markFetchStart  = 30
	markFetchDone   = 40
	markFilter      = 45
	markChunkStart  = 50
	markChunkEnd    = 58
	markTargetAuth  = 60
	markUploadStart = 60
	markUploadSpan  = 35
	markDone        = 100
	progressTotal   = 100
)

// Event is one progress report. Current never decreases within a run except
// on the terminal error and stopped events, which reset it to 0.
type Event struct {
	RunID    string
	Username string
	Stage    Stage
	Current  int
	Total    int
	Message  string
	Time     time.Time
	Details  map[string]any

	// Input is set on awaiting_input events.
	Input *InputRequest
	// Result is set on terminal events.
	Result *Result
	// Err is set on error and stopped events.
	Err error
}

// ChunkOutcome is the upload outcome of one chunk.
type ChunkOutcome struct {
	Index       int                 `json:"index"`
	Status      garmin.UploadStatus `json:"status"`
	ArtifactRef string              `json:"artifactRef,omitempty"`
	Records     int                 `json:"records"`
	StatusCode  int                 `json:"statusCode,omitempty"`
	ErrorCode   string              `json:"errorCode,omitempty"`
	Message     string              `json:"message,omitempty"`
}

// Result aggregates a run.
type Result struct {
	RunID      string
	Username   string
	StartedAt  time.Time
	FinishedAt time.Time
	Stage      Stage
	Message    string

	Fetched  int
	Filtered int
	Strategy string

	Succeeded     int
	Duplicate     int
	Failed        int
	Chunks        []ChunkOutcome
	FailedDetails []ChunkOutcome

	// Records holds the filtered records of fetch-only runs.
	Records []record.Record
}

func (r *Result) tally(o ChunkOutcome) {
	r.Chunks = append(r.Chunks, o)
	switch o.Status {
	case garmin.StatusSuccess:
		r.Succeeded++
	case garmin.StatusDuplicate:
		r.Duplicate++
	default:
		r.Failed++
		r.FailedDetails = append(r.FailedDetails, o)
	}
}

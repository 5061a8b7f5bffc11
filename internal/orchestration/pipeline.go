// Package orchestration runs the per-user sync pipeline: authenticate the
// source, fetch, filter, chunk and encode, authenticate the destination,
// upload and finalize. Each run reports progress as a finite event stream and
// can pause for captcha, verification or MFA input.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/artifact"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/garmin"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// Config wires a Pipeline.
type Config struct {
	Store  ProfileStore
	Source SourceFactory
	Target TargetFactory
	// Writer encodes chunks to disk. Its Dir is required.
	Writer *artifact.Writer

	// ChunkSize bounds records per artifact, artifact.DefaultChunkSize by default.
	ChunkSize int
	// Incremental fetches only records newer than the last sync.
	Incremental bool
	// Prompter answers input requests directly instead of waiting for Respond.
	Prompter Prompter

	Logger *slog.Logger
	Now    func() time.Time
}

// Pipeline starts runs. It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewPipeline validates cfg and returns a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("pipeline store is required")
	case cfg.Source == nil:
		return nil, errors.New("pipeline source factory is required")
	case cfg.Target == nil:
		return nil, errors.New("pipeline target factory is required")
	case cfg.Writer == nil || cfg.Writer.Dir == "":
		return nil, errors.New("pipeline artifact writer with a directory is required")
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = artifact.DefaultChunkSize
	}
	p := &Pipeline{cfg: cfg, logger: cfg.Logger, now: cfg.Now}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// scope selects how far a run goes.
type scope int

const (
	scopeSync scope = iota
	scopeLogin
	scopeFetch
)

// Start launches a full sync of username. The returned Run's events must be
// drained.
func (p *Pipeline) Start(ctx context.Context, username string) *Run {
	return p.start(ctx, username, scopeSync)
}

// StartLogin launches a run that only authenticates the source and stores
// the credential.
func (p *Pipeline) StartLogin(ctx context.Context, username string) *Run {
	return p.start(ctx, username, scopeLogin)
}

// StartFetch launches a run that stops after filtering. The filtered records
// are returned in Result.Records.
func (p *Pipeline) StartFetch(ctx context.Context, username string) *Run {
	return p.start(ctx, username, scopeFetch)
}

func (p *Pipeline) start(ctx context.Context, username string, sc scope) *Run {
	r := newRun(p, username, sc)
	go r.pump()
	go r.execute(ctx)
	return r
}

// ============================================================================
// STAGES
// ============================================================================

func (r *Run) execute(ctx context.Context) {
	defer close(r.done)
	defer close(r.in)

	res, err := r.stages(ctx)
	res.FinishedAt = r.p.now()
	r.result, r.err = res, err

	switch {
	case err == nil:
		res.Stage = StageCompleted
		r.emitTerminal(StageCompleted, markDone, res.Message, nil)
	case errors.Is(err, syncerr.ErrCancelled), errors.Is(err, context.Canceled):
		res.Stage = StageStopped
		res.Message = "sync stopped"
		r.emitTerminal(StageStopped, 0, res.Message, err)
	default:
		res.Stage = StageError
		res.Message = err.Error()
		r.emitTerminal(StageError, 0, res.Message, err)
	}
	r.logger.Info("run finished",
		"stage", string(res.Stage),
		"succeeded", res.Succeeded,
		"duplicate", res.Duplicate,
		"failed", res.Failed,
		"duration", res.FinishedAt.Sub(res.StartedAt).String())
}

func (r *Run) stages(ctx context.Context) (*Result, error) {
	res := r.res
	cfg := r.p.cfg

	profile, err := cfg.Store.GetProfile(ctx, r.username)
	if err != nil {
		return res, fmt.Errorf("load profile: %w", err)
	}
	acct, err := cfg.Store.GetTargetAccount(ctx, r.username)
	if err != nil {
		return res, fmt.Errorf("load target account: %w", err)
	}
	if r.scope == scopeSync && acct.Email == "" {
		return res, syncerr.New(syncerr.CodeMissingTargetCredentials,
			fmt.Errorf("no destination account configured for %s", r.username))
	}

	src := cfg.Source(profile)
	if err := r.authenticateSource(ctx, src, profile); err != nil {
		return res, err
	}
	if r.scope == scopeLogin {
		res.Message = "source login successful"
		return res, nil
	}

	recs, err := r.fetch(ctx, src, profile)
	if err != nil {
		return res, err
	}
	recs, err = r.applyFilter(ctx, recs)
	if err != nil {
		return res, err
	}
	if r.scope == scopeFetch {
		res.Records = recs
		res.Message = fmt.Sprintf("fetched %d records", len(recs))
		return res, nil
	}

	jobs := r.generate(ctx, recs)
	if err := r.upload(ctx, acct, jobs); err != nil {
		return res, err
	}
	r.finalize(ctx)
	return res, nil
}

// authenticateSource refreshes a cached credential first and falls back to
// a password login. After a fresh login the token refresh is best effort.
func (r *Run) authenticateSource(ctx context.Context, src SourceSession, profile *store.Profile) error {
	r.emit(StageAuthenticating, markSourceStart, "authenticating source account", nil)

	cached, err := r.p.cfg.Store.GetCredential(ctx, r.username)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cached.CanRefresh() {
		src.SetCredential(cached)
		r.emit(StageAuthenticating, markSourceLogin, "refreshing saved credential", nil)
		cred, err := src.LoginWithToken(ctx)
		if err == nil {
			r.persistCredential(ctx, cred)
			r.emit(StageAuthenticating, markSourceDone, "source account authenticated", nil)
			return nil
		}
		r.logger.Warn("token refresh failed, falling back to password login", "error", err)
	}

	if profile.Password == "" {
		return syncerr.AuthFailed(syncerr.StageSource,
			errors.New("no usable saved credential and no password stored"))
	}

	r.emit(StageAuthenticating, markSourceLogin, "logging in with password", nil)
	cred, err := src.Login(ctx, profile.Username, profile.Password, r.challengeResponder)
	if err != nil {
		if syncerr.CodeOf(err) == "" {
			err = syncerr.AuthFailed(syncerr.StageSource, err)
		}
		return err
	}
	r.persistCredential(ctx, cred)

	src.SetCredential(cred)
	if refreshed, err := src.LoginWithToken(ctx); err != nil {
		r.logger.Warn("token refresh after login failed, continuing with login credential", "error", err)
	} else {
		r.persistCredential(ctx, refreshed)
	}
	r.emit(StageAuthenticating, markSourceDone, "source account authenticated", nil)
	return nil
}

func (r *Run) persistCredential(ctx context.Context, cred *xiaomi.Credential) {
	if cred == nil {
		return
	}
	if err := r.p.cfg.Store.SetCredential(ctx, r.username, cred); err != nil {
		r.logger.Warn("failed to persist source credential", "error", err)
	}
}

func (r *Run) fetch(ctx context.Context, src SourceSession, profile *store.Profile) ([]record.Record, error) {
	opts := xiaomi.FetchOptions{Model: profile.Model}
	if r.p.cfg.Incremental {
		last, err := r.p.cfg.Store.GetLastSync(ctx, r.username)
		if err != nil {
			return nil, fmt.Errorf("load last sync: %w", err)
		}
		opts.Since = last
	}

	r.emit(StageFetching, markFetchStart, "fetching records", nil)
	out, err := src.Fetch(ctx, opts)
	if err != nil {
		return nil, err
	}
	if out.PageErr != nil {
		r.logger.Warn("pagination ended early", "strategy", string(out.Strategy), "error", out.PageErr)
	}
	r.res.Fetched = len(out.Records)
	r.res.Strategy = string(out.Strategy)
	if len(out.Records) == 0 {
		return nil, syncerr.New(syncerr.CodeNoDataFound, errors.New("source returned no records"))
	}
	r.emit(StageFetching, markFetchDone, fmt.Sprintf("fetched %d records", len(out.Records)), map[string]any{
		"records":  len(out.Records),
		"strategy": string(out.Strategy),
		"pages":    out.Pages,
	})
	return out.Records, nil
}

func (r *Run) applyFilter(ctx context.Context, recs []record.Record) ([]record.Record, error) {
	cfg, err := r.p.cfg.Store.GetFilterConfig(ctx, r.username)
	if err != nil {
		return nil, fmt.Errorf("load filter config: %w", err)
	}
	out, stats, err := filter.Apply(recs, cfg, r.logger)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidFilterConfig, err)
	}
	r.res.Filtered = len(out)
	if len(out) == 0 {
		return nil, syncerr.New(syncerr.CodeNoDataFound,
			fmt.Errorf("filter dropped all %d records", stats.Total))
	}
	r.emit(StageFiltering, markFilter, fmt.Sprintf("%d of %d records passed the filter", stats.Passed, stats.Total),
		map[string]any{"passed": stats.Passed, "dropped": stats.Dropped})
	return out, nil
}

// job is one chunk on its way to the destination. art is nil when encoding failed.
type job struct {
	index   int
	records int
	art     *artifact.Artifact
	failure *ChunkOutcome
}

func (r *Run) generate(ctx context.Context, recs []record.Record) []job {
	chunks := artifact.Chunk(recs, r.p.cfg.ChunkSize)
	jobs := make([]job, 0, len(chunks))
	for i, chunk := range chunks {
		name := artifact.Name(r.username, r.res.StartedAt, r.id, i)
		r.emit(StageGenerating, markChunkStart+(markChunkEnd-markChunkStart)*i/len(chunks),
			fmt.Sprintf("generating chunk %d/%d", i+1, len(chunks)), nil)

		j := job{index: i, records: len(chunk)}
		art, err := r.p.cfg.Writer.Write(ctx, name, chunk)
		if err != nil {
			r.logger.Error("chunk encoding failed", "chunk", i, "error", err)
			j.failure = &ChunkOutcome{
				Index:       i,
				Status:      garmin.StatusFailed,
				ArtifactRef: name,
				Records:     len(chunk),
				ErrorCode:   string(syncerr.CodeArtifactGenerationFailed),
				Message:     err.Error(),
			}
		} else {
			j.art = art
		}
		jobs = append(jobs, j)
	}
	r.emit(StageGenerating, markChunkEnd, fmt.Sprintf("generated %d artifacts", len(jobs)), nil)
	return jobs
}

func (r *Run) upload(ctx context.Context, acct store.GarminAccount, jobs []job) error {
	var target TargetSession
	if hasArtifacts(jobs) {
		r.emit(StageAuthenticating, markTargetAuth, "authenticating destination account", nil)
		target = r.p.cfg.Target(acct, r.mfa)
		if err := target.Authenticate(ctx); err != nil {
			if syncerr.CodeOf(err) == "" {
				err = syncerr.AuthFailed(syncerr.StageTarget, err)
			}
			return err
		}
	}

	for i, j := range jobs {
		if r.stopRequested() || ctx.Err() != nil {
			r.logger.Info("stop requested, skipping remaining chunks", "remaining", len(jobs)-i)
			return syncerr.New(syncerr.CodeCancelled, fmt.Errorf("stopped before chunk %d/%d", i+1, len(jobs)))
		}
		r.emit(StageUploading, markUploadStart+markUploadSpan*i/len(jobs),
			fmt.Sprintf("uploading chunk %d/%d", i+1, len(jobs)), nil)

		if j.failure != nil {
			r.res.tally(*j.failure)
			continue
		}
		up := target.Upload(ctx, j.art.Path)
		outcome := ChunkOutcome{
			Index:       j.index,
			Status:      up.Status,
			ArtifactRef: j.art.Ref,
			Records:     j.records,
			StatusCode:  up.StatusCode,
			ErrorCode:   up.ErrorCode,
			Message:     up.Message,
		}
		r.res.tally(outcome)
		if up.Status == garmin.StatusFailed {
			r.logger.Warn("chunk upload failed", "chunk", j.index, "artifact", j.art.Ref, "code", up.ErrorCode)
		} else {
			r.logger.Info("chunk uploaded", "chunk", j.index, "artifact", j.art.Ref, "status", string(up.Status))
		}
	}
	r.emit(StageUploading, markUploadStart+markUploadSpan, fmt.Sprintf("uploaded %d chunks", len(jobs)), nil)
	return nil
}

func (r *Run) finalize(ctx context.Context) {
	if err := r.p.cfg.Store.SetLastSync(ctx, r.username, r.p.now()); err != nil {
		r.logger.Warn("failed to persist last sync time", "error", err)
	}
	res := r.res
	switch {
	case res.Failed == 0:
		res.Message = fmt.Sprintf("sync completed: %d uploaded, %d duplicate", res.Succeeded, res.Duplicate)
	default:
		res.Message = fmt.Sprintf("sync completed with failures: %d uploaded, %d duplicate, %d failed",
			res.Succeeded, res.Duplicate, res.Failed)
	}
}

func hasArtifacts(jobs []job) bool {
	for _, j := range jobs {
		if j.art != nil {
			return true
		}
	}
	return false
}

// ============================================================================
// INPUT
// ============================================================================

func (r *Run) challengeResponder(ctx context.Context, ch xiaomi.Challenge) (string, error) {
	req := InputRequest{Kind: InputCaptcha, Image: ch.Image, Attempt: ch.Attempt, Rejected: ch.Rejected}
	if ch.Kind == xiaomi.ChallengeVerification {
		req = InputRequest{Kind: InputVerification, Masked: ch.MaskedDestination, Attempt: ch.Attempt, Rejected: ch.Rejected}
	}
	return r.ask(ctx, req)
}

func (r *Run) mfa(ctx context.Context) (string, error) {
	return r.ask(ctx, InputRequest{Kind: InputMFA})
}

// ask publishes req in an awaiting_input event and blocks for the reply.
func (r *Run) ask(ctx context.Context, req InputRequest) (string, error) {
	id, reply := r.inputs.open()
	defer r.inputs.close(id)
	req.ID = id
	req.Username = r.username

	r.mu.Lock()
	resume := r.stage
	r.mu.Unlock()

	r.emit(StageAwaitingInput, r.currentMark(), fmt.Sprintf("waiting for %s input", req.Kind), nil, withInput(&req))
	r.logger.Info("awaiting input", "kind", string(req.Kind), "request", id)

	var (
		value string
		err   error
	)
	if prompt := r.p.cfg.Prompter; prompt != nil {
		value, err = prompt(ctx, req)
	} else {
		select {
		case value = <-reply:
		case <-ctx.Done():
			err = syncerr.New(syncerr.CodeCancelled, ctx.Err())
		case <-r.stopCh:
			err = syncerr.New(syncerr.CodeCancelled, errors.New("stopped while awaiting input"))
		}
	}
	if err != nil {
		return "", err
	}
	r.emit(resume, r.currentMark(), "input received", nil)
	return value, nil
}

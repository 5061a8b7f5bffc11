package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hayashishungenn/garmin-weight-sync/internal/artifact"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/garmin"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
	"github.com/hayashishungenn/garmin-weight-sync/internal/record"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeSource struct {
	mu        sync.Mutex
	records   []record.Record
	fetchErr  error
	refreshOK bool
	challenge *xiaomi.Challenge
	want      string

	logins    int
	refreshes int
	fetches   int
	since     time.Time
}

func (s *fakeSource) SetCredential(*xiaomi.Credential) {}

func (s *fakeSource) LoginWithToken(context.Context) (*xiaomi.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if !s.refreshOK {
		return nil, syncerr.AuthFailed(syncerr.StageSource, errors.New("token expired"))
	}
	return &xiaomi.Credential{UserID: "1001", PassToken: "refreshed", Security: []byte("health")}, nil
}

func (s *fakeSource) Login(ctx context.Context, _, _ string, respond xiaomi.Responder) (*xiaomi.Credential, error) {
	s.mu.Lock()
	s.logins++
	ch := s.challenge
	s.mu.Unlock()
	if ch != nil {
		code, err := respond(ctx, *ch)
		if err != nil {
			return nil, err
		}
		if code != s.want {
			return nil, syncerr.New(syncerr.CodeCaptchaRejected, errors.New("wrong code"))
		}
	}
	return &xiaomi.Credential{UserID: "1001", PassToken: "login", Security: []byte("login")}, nil
}

func (s *fakeSource) Fetch(_ context.Context, opts xiaomi.FetchOptions) (*xiaomi.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	s.since = opts.Since
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return &xiaomi.FetchResult{Records: s.records, Strategy: xiaomi.StrategyCursor, Pages: 1}, nil
}

type fakeTarget struct {
	mu       sync.Mutex
	authErr  error
	codes    []int
	onUpload func(i int)
	paths    []string
	built    int
}

func (t *fakeTarget) factory(_ store.GarminAccount, _ garmin.MFAProvider) TargetSession {
	t.mu.Lock()
	t.built++
	t.mu.Unlock()
	return t
}

func (t *fakeTarget) Authenticate(context.Context) error { return t.authErr }

func (t *fakeTarget) Upload(_ context.Context, path string) garmin.UploadResult {
	t.mu.Lock()
	i := len(t.paths)
	t.paths = append(t.paths, path)
	hook := t.onUpload
	code := 201
	if i < len(t.codes) {
		code = t.codes[i]
	}
	t.mu.Unlock()
	if hook != nil {
		hook(i)
	}
	res := garmin.Classify(code)
	res.Path = path
	return res
}

func (t *fakeTarget) uploads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

type byteEncoder struct {
	failOn float64
}

func (e byteEncoder) Encode(w io.Writer, recs []record.Record) error {
	for _, r := range recs {
		if e.failOn != 0 && r.WeightKg == e.failOn {
			return errors.New("unencodable record")
		}
	}
	_, err := fmt.Fprintf(w, "%d records", len(recs))
	return err
}

type harness struct {
	store  *store.FileStore
	source *fakeSource
	target *fakeTarget
	cfg    Config
	built  int
	outDir string
}

func newHarness(t *testing.T, weights ...float64) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		store:  store.NewFileStore(filepath.Join(dir, store.UsersFile)),
		source: &fakeSource{refreshOK: true},
		target: &fakeTarget{},
		outDir: filepath.Join(dir, "out"),
	}
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i, w := range weights {
		h.source.records = append(h.source.records, record.Record{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			WeightKg:  w,
			SourceTag: "test",
		})
	}
	require.NoError(t, h.store.PutProfile(context.Background(), &store.Profile{
		Username: "alice",
		Password: "secret",
		Garmin:   store.GarminAccount{Email: "alice@example.com", Password: "gpw"},
	}))
	h.cfg = Config{
		Store: h.store,
		Source: func(*store.Profile) SourceSession {
			h.built++
			return h.source
		},
		Target:    h.target.factory,
		Writer:    &artifact.Writer{Dir: h.outDir, Encoder: byteEncoder{}},
		ChunkSize: 2,
	}
	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(h.cfg)
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, run *Run) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func assertMonotonic(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events)
	last := 0
	for _, ev := range events[:len(events)-1] {
		assert.GreaterOrEqual(t, ev.Current, last, "event %q went backwards", ev.Message)
		assert.False(t, ev.Stage.Terminal(), "non-final event %q is terminal", ev.Message)
		last = ev.Current
	}
	assert.True(t, events[len(events)-1].Stage.Terminal())
}

// =============================================================================
// TESTS
// =============================================================================

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(Config{})
	assert.Error(t, err)

	h := newHarness(t)
	h.cfg.Writer = &artifact.Writer{}
	_, err = NewPipeline(h.cfg)
	assert.Error(t, err)
}

func TestUploadLoopContinuesAfterFailedChunk(t *testing.T) {
	h := newHarness(t, 60, 61, 62, 63, 64)
	h.target.codes = []int{201, 500, 202}

	run := h.pipeline(t).Start(context.Background(), "alice")
	events := collect(t, run)
	res, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, res.Stage)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Duplicate)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.FailedDetails, 1)
	assert.Equal(t, 1, res.FailedDetails[0].Index)
	assert.Equal(t, "ERROR_500", res.FailedDetails[0].ErrorCode)
	assert.Len(t, res.Chunks, 3)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 5, res.Filtered)
	assert.Contains(t, res.Message, "failures")

	assertMonotonic(t, events)
	final := events[len(events)-1]
	assert.Equal(t, StageCompleted, final.Stage)
	assert.Equal(t, 100, final.Current)
	assert.Same(t, res, final.Result)

	last, err := h.store.GetLastSync(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestProgressMarkers(t *testing.T) {
	h := newHarness(t, 70, 71, 72, 73)

	run := h.pipeline(t).Start(context.Background(), "alice")
	events := collect(t, run)
	_, err := run.Wait()
	require.NoError(t, err)

	marks := map[Stage][]int{}
	for _, ev := range events {
		marks[ev.Stage] = append(marks[ev.Stage], ev.Current)
	}
	assert.Equal(t, []int{10, 15, 20, 60}, marks[StageAuthenticating])
	assert.Equal(t, []int{30, 40}, marks[StageFetching])
	assert.Equal(t, []int{45}, marks[StageFiltering])
	assert.Equal(t, []int{50, 54, 58}, marks[StageGenerating])
	assert.Equal(t, []int{60, 77, 95}, marks[StageUploading])
	assert.Equal(t, []int{100}, marks[StageCompleted])
}

func TestChunkArtifactsAreUniquePerRun(t *testing.T) {
	h := newHarness(t, 70, 71, 72)
	p := h.pipeline(t)

	for i := 0; i < 2; i++ {
		run := p.Start(context.Background(), "alice")
		collect(t, run)
		_, err := run.Wait()
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for _, path := range h.target.paths {
		assert.False(t, seen[path], "artifact %s reused", path)
		seen[path] = true
	}
	assert.Len(t, seen, 4)
}

func TestStopEndsRunAtChunkBoundary(t *testing.T) {
	h := newHarness(t, 60, 61, 62, 63, 64)
	uploading := make(chan struct{})
	release := make(chan struct{})
	h.target.onUpload = func(i int) {
		if i == 0 {
			close(uploading)
			<-release
		}
	}

	run := h.pipeline(t).Start(context.Background(), "alice")
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range run.Events() {
			events = append(events, ev)
		}
	}()

	<-uploading
	run.Stop()
	close(release)
	<-done

	res, err := run.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.Equal(t, StageStopped, res.Stage)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, h.target.uploads())

	final := events[len(events)-1]
	assert.Equal(t, StageStopped, final.Stage)
	assert.Equal(t, 0, final.Current)
}

func TestAwaitingInputIsEmittedBeforeBlocking(t *testing.T) {
	h := newHarness(t, 70)
	h.source.challenge = &xiaomi.Challenge{Kind: xiaomi.ChallengeCaptcha, Image: []byte("png"), Attempt: 1}
	h.source.want = "9K2X"

	run := h.pipeline(t).StartLogin(context.Background(), "alice")
	var (
		events []Event
		asked  *InputRequest
	)
	for ev := range run.Events() {
		events = append(events, ev)
		if ev.Stage == StageAwaitingInput {
			asked = ev.Input
			require.NotNil(t, asked)
			assert.Equal(t, []string{asked.ID}, run.PendingInputs())
			require.NoError(t, run.Respond(asked.ID, "9K2X"))
		}
	}
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, res.Stage)

	require.NotNil(t, asked)
	assert.Equal(t, InputCaptcha, asked.Kind)
	assert.Equal(t, "alice", asked.Username)
	assert.Equal(t, []byte("png"), asked.Image)
	assert.ErrorIs(t, run.Respond(asked.ID, "again"), ErrUnknownRequest)

	assertMonotonic(t, events)
	assert.Equal(t, 1, h.source.logins)
	assert.Equal(t, 1, h.source.refreshes)
	assert.Zero(t, h.source.fetches)

	cred, err := h.store.GetCredential(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "refreshed", cred.PassToken)
}

func TestStopWhileAwaitingInput(t *testing.T) {
	h := newHarness(t, 70)
	h.source.challenge = &xiaomi.Challenge{Kind: xiaomi.ChallengeVerification, MaskedDestination: "138****0000"}

	run := h.pipeline(t).Start(context.Background(), "alice")
	var final Event
	for ev := range run.Events() {
		if ev.Stage == StageAwaitingInput {
			assert.Equal(t, InputVerification, ev.Input.Kind)
			assert.Equal(t, "138****0000", ev.Input.Masked)
			run.Stop()
		}
		final = ev
	}
	res, err := run.Wait()
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.Equal(t, StageStopped, res.Stage)
	assert.Equal(t, StageStopped, final.Stage)
}

func TestPrompterAnswersDirectly(t *testing.T) {
	h := newHarness(t, 70)
	h.source.challenge = &xiaomi.Challenge{Kind: xiaomi.ChallengeCaptcha, Image: []byte("png")}
	h.source.want = "ABCD"
	var kinds []InputKind
	h.cfg.Prompter = func(_ context.Context, req InputRequest) (string, error) {
		kinds = append(kinds, req.Kind)
		return "ABCD", nil
	}

	run := h.pipeline(t).Start(context.Background(), "alice")
	collect(t, run)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []InputKind{InputCaptcha}, kinds)
}

func TestCachedCredentialIsRefreshed(t *testing.T) {
	h := newHarness(t, 70)
	ctx := context.Background()
	require.NoError(t, h.store.SetCredential(ctx, "alice", &xiaomi.Credential{UserID: "1001", PassToken: "old", Security: []byte("s")}))

	run := h.pipeline(t).Start(ctx, "alice")
	collect(t, run)
	_, err := run.Wait()
	require.NoError(t, err)
	assert.Zero(t, h.source.logins)
	assert.Equal(t, 1, h.source.refreshes)
}

func TestFailedRefreshFallsBackToLogin(t *testing.T) {
	h := newHarness(t, 70)
	h.source.refreshOK = false
	ctx := context.Background()
	require.NoError(t, h.store.SetCredential(ctx, "alice", &xiaomi.Credential{UserID: "1001", PassToken: "old", Security: []byte("s")}))

	run := h.pipeline(t).Start(ctx, "alice")
	collect(t, run)
	res, err := run.Wait()
	require.NoError(t, err, "a refresh failure after a fresh login is not fatal")
	assert.Equal(t, StageCompleted, res.Stage)
	assert.Equal(t, 1, h.source.logins)
	assert.Equal(t, 2, h.source.refreshes)

	cred, err := h.store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "login", cred.PassToken)
}

func TestNoPasswordAndNoCredentialFails(t *testing.T) {
	h := newHarness(t, 70)
	ctx := context.Background()
	p, err := h.store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	p.Password = ""
	require.NoError(t, h.store.PutProfile(ctx, p))

	run := h.pipeline(t).Start(ctx, "alice")
	collect(t, run)
	_, err = run.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, &syncerr.Error{Code: syncerr.CodeAuthFailed, Stage: syncerr.StageSource})
}

func TestNoDataFoundEndsRunWithOneErrorEvent(t *testing.T) {
	h := newHarness(t)

	run := h.pipeline(t).Start(context.Background(), "alice")
	events := collect(t, run)
	res, err := run.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrNoDataFound)
	assert.Equal(t, StageError, res.Stage)

	var errorEvents int
	for _, ev := range events {
		if ev.Stage == StageError {
			errorEvents++
		}
		assert.NotEqual(t, StageFiltering, ev.Stage)
	}
	assert.Equal(t, 1, errorEvents)
	assert.Equal(t, StageError, events[len(events)-1].Stage)
	assert.Equal(t, 0, events[len(events)-1].Current)
	assert.Zero(t, h.target.built)
}

func TestFilterDroppingEverythingIsNoData(t *testing.T) {
	h := newHarness(t, 50, 55)
	ctx := context.Background()
	setFilter(t, h, &filter.Config{
		Enabled:    true,
		Conditions: []filter.Condition{{Field: filter.FieldWeight, Operator: filter.OpGte, Value: filter.Number(60)}},
	})

	run := h.pipeline(t).Start(ctx, "alice")
	collect(t, run)
	res, err := run.Wait()
	assert.ErrorIs(t, err, syncerr.ErrNoDataFound)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 0, res.Filtered)
}

func TestInvalidFilterIsTerminal(t *testing.T) {
	h := newHarness(t, 70)
	setFilter(t, h, &filter.Config{
		Enabled:    true,
		Conditions: []filter.Condition{{Field: filter.FieldWeight, Operator: filter.OpBetween, Value: filter.Range(90, 50)}},
	})

	run := h.pipeline(t).Start(context.Background(), "alice")
	collect(t, run)
	_, err := run.Wait()
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeInvalidFilterConfig, syncerr.CodeOf(err))
	assert.Zero(t, h.target.uploads())
}

func TestMissingTargetCredentials(t *testing.T) {
	h := newHarness(t, 70)
	ctx := context.Background()
	require.NoError(t, h.store.PutProfile(ctx, &store.Profile{Username: "bob", Password: "pw"}))

	run := h.pipeline(t).Start(ctx, "bob")
	events := collect(t, run)
	_, err := run.Wait()
	assert.ErrorIs(t, err, syncerr.ErrMissingTargetCredentials)
	require.Len(t, events, 1)
	assert.Equal(t, StageError, events[0].Stage)
	assert.Zero(t, h.built)
}

func TestTargetAuthFailureIsTerminal(t *testing.T) {
	h := newHarness(t, 70, 71)
	h.target.authErr = errors.New("sso down")

	run := h.pipeline(t).Start(context.Background(), "alice")
	collect(t, run)
	_, err := run.Wait()
	assert.ErrorIs(t, err, &syncerr.Error{Code: syncerr.CodeAuthFailed, Stage: syncerr.StageTarget})
	assert.Zero(t, h.target.uploads())
}

func TestEncodeFailureMarksChunkFailed(t *testing.T) {
	h := newHarness(t, 60, 61, 62, 63)
	h.cfg.Writer.Encoder = byteEncoder{failOn: 62}

	run := h.pipeline(t).Start(context.Background(), "alice")
	collect(t, run)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, string(syncerr.CodeArtifactGenerationFailed), res.FailedDetails[0].ErrorCode)
	assert.Equal(t, 1, h.target.uploads())
}

func TestIncrementalFetchUsesLastSync(t *testing.T) {
	h := newHarness(t, 70)
	h.cfg.Incremental = true
	ctx := context.Background()
	last := time.Date(2024, 2, 2, 2, 2, 2, 0, time.Local)
	require.NoError(t, h.store.SetLastSync(ctx, "alice", last))

	run := h.pipeline(t).StartFetch(ctx, "alice")
	collect(t, run)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, last.Equal(h.source.since))
	assert.Len(t, res.Records, 1)
	assert.Zero(t, h.target.built)
}

func setFilter(t *testing.T, h *harness, cfg *filter.Config) {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	p.Garmin.Filter = cfg
	require.NoError(t, h.store.PutProfile(ctx, p))
}

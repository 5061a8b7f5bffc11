package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// RunState is the latest known state of a tracked run.
type RunState struct {
	RunID     string
	Username  string
	Stage     Stage
	Current   int
	Message   string
	StartedAt time.Time
	// Pending holds the unanswered input request, if any.
	Pending *InputRequest
	Result  *Result
	// ErrorCode is set when the run ended in error.
	ErrorCode string
	Retryable bool
}

type tracked struct {
	run   *Run
	state RunState
	done  chan struct{}
}

// Manager owns in-process run state, forwards events to a listener and
// records history when runs finish.
type Manager struct {
	pipeline *Pipeline
	history  HistoryStore
	listener func(Event)
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*tracked
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHistory records a history entry for every finished run.
func WithHistory(h HistoryStore) ManagerOption {
	return func(m *Manager) { m.history = h }
}

// WithListener receives every event of every run, in order per run.
func WithListener(fn func(Event)) ManagerOption {
	return func(m *Manager) { m.listener = fn }
}

// NewManager creates a run manager over p.
func NewManager(p *Pipeline, opts ...ManagerOption) *Manager {
	m := &Manager{pipeline: p, logger: p.logger, runs: make(map[string]*tracked)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a sync for username and tracks it.
func (m *Manager) Start(ctx context.Context, username string) *Run {
	return m.track(ctx, m.pipeline.Start(ctx, username))
}

// StartLogin launches a source-only login for username and tracks it.
func (m *Manager) StartLogin(ctx context.Context, username string) *Run {
	return m.track(ctx, m.pipeline.StartLogin(ctx, username))
}

// StartFetch launches a fetch-only run for username and tracks it.
func (m *Manager) StartFetch(ctx context.Context, username string) *Run {
	return m.track(ctx, m.pipeline.StartFetch(ctx, username))
}

// Get returns the latest state of run id.
func (m *Manager) Get(id string) (RunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.runs[id]
	if !ok {
		return RunState{}, false
	}
	return t.state, true
}

// List returns the state of every tracked run.
func (m *Manager) List() []RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunState, 0, len(m.runs))
	for _, t := range m.runs {
		out = append(out, t.state)
	}
	return out
}

// Stop requests run id to stop.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	t, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.run.Stop()
	return true
}

// Respond answers input request reqID of run id.
func (m *Manager) Respond(id, reqID, value string) error {
	m.mu.Lock()
	t, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	return t.run.Respond(reqID, value)
}

// Wait blocks until run id has finished and its history entry is recorded.
func (m *Manager) Wait(id string) (*Result, error) {
	m.mu.Lock()
	t, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	<-t.done
	return t.run.Wait()
}

// SyncAll syncs users concurrently, at most limit at a time (0 means no
// limit). Every user runs to the end; the returned error joins the
// per-user failures.
func (m *Manager) SyncAll(ctx context.Context, users []string, limit int) ([]*Result, error) {
	results := make([]*Result, len(users))
	errs := make([]error, len(users))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, user := range users {
		g.Go(func() error {
			run := m.Start(ctx, user)
			res, err := m.Wait(run.ID())
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", user, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (m *Manager) track(ctx context.Context, run *Run) *Run {
	t := &tracked{
		run:   run,
		done:  make(chan struct{}),
		state: RunState{RunID: run.ID(), Username: run.Username(), StartedAt: run.res.StartedAt},
	}
	m.mu.Lock()
	m.runs[run.ID()] = t
	m.mu.Unlock()

	go m.drain(ctx, t)
	return run
}

func (m *Manager) drain(ctx context.Context, t *tracked) {
	defer close(t.done)
	for ev := range t.run.Events() {
		m.updateState(t.run.ID(), func(s *RunState) {
			s.Stage = ev.Stage
			s.Current = ev.Current
			s.Message = ev.Message
			s.Pending = nil
			if ev.Input != nil {
				cp := *ev.Input
				s.Pending = &cp
			}
			if ev.Result != nil {
				s.Result = ev.Result
			}
			if ev.Stage == StageError && ev.Err != nil {
				s.ErrorCode, s.Retryable = classifyError(ev.Err)
			}
		})
		if m.listener != nil {
			m.listener(ev)
		}
	}

	res, err := t.run.Wait()
	if m.history == nil || res == nil || t.run.scope != scopeSync {
		return
	}
	entry := store.HistoryEntry{
		RunID:      res.RunID,
		Username:   res.Username,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Stage:      string(res.Stage),
		Records:    res.Filtered,
		Succeeded:  res.Succeeded,
		Duplicate:  res.Duplicate,
		Failed:     res.Failed,
		Message:    res.Message,
	}
	if err != nil {
		entry.Message = err.Error()
	}
	if herr := m.history.AppendHistory(context.WithoutCancel(ctx), entry); herr != nil {
		m.logger.Warn("failed to record sync history", "run", res.RunID, "error", herr)
	}
}

func (m *Manager) updateState(id string, mutate func(*RunState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.runs[id]
	if !ok {
		return
	}
	mutate(&t.state)
}

func classifyError(err error) (string, bool) {
	var ce syncerr.CodedError
	if errors.As(err, &ce) {
		return ce.CodeValue(), ce.RetryableStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "E_TIMEOUT", true
	}
	return "E_UNKNOWN", false
}

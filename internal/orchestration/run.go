package orchestration

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Run is one pipeline execution for one user. Its event stream is finite,
// one-shot and closed after the terminal event.
type Run struct {
	p        *Pipeline
	id       string
	username string
	scope    scope
	logger   *slog.Logger
	res      *Result

	in     chan Event
	events chan Event
	done   chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	inputs *broker

	mu      sync.Mutex
	stage   Stage
	current int

	result *Result
	err    error
}

func newRun(p *Pipeline, username string, sc scope) *Run {
	id := uuid.NewString()
	return &Run{
		p:        p,
		id:       id,
		username: username,
		scope:    sc,
		logger:   p.logger.With("run", id, "user", username),
		res:      &Result{RunID: id, Username: username, StartedAt: p.now()},
		in:       make(chan Event, 16),
		events:   make(chan Event),
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
		inputs:   newBroker(),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Username returns the user being synced.
func (r *Run) Username() string { return r.username }

// Events returns the progress stream. It must be drained; it is closed
// after the terminal event.
func (r *Run) Events() <-chan Event { return r.events }

// Stop asks the run to end at the next chunk boundary, or immediately while
// it waits for input. In-flight requests complete.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
	})
}

func (r *Run) stopRequested() bool { return r.stopped.Load() }

// Respond answers the pending input request id.
func (r *Run) Respond(id, value string) error {
	return r.inputs.respond(id, value)
}

// PendingInputs returns the ids of unanswered input requests.
func (r *Run) PendingInputs() []string { return r.inputs.ids() }

// Wait blocks until the run has finished. The error is nil only for
// completed runs.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// ============================================================================
// EVENTS
// ============================================================================

type eventOpt func(*Event)

func withInput(req *InputRequest) eventOpt {
	return func(ev *Event) {
		cp := *req
		ev.Input = &cp
	}
}

func (r *Run) currentMark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// emit publishes a non-terminal event. current is raised to the last mark if
// lower, so the stream never goes backwards.
func (r *Run) emit(stage Stage, current int, msg string, details map[string]any, opts ...eventOpt) {
	r.mu.Lock()
	if current < r.current {
		current = r.current
	}
	r.current = current
	if stage != StageAwaitingInput {
		r.stage = stage
	}
	r.mu.Unlock()

	ev := r.event(stage, current, msg, details)
	for _, opt := range opts {
		opt(&ev)
	}
	r.in <- ev
}

func (r *Run) emitTerminal(stage Stage, current int, msg string, err error) {
	r.mu.Lock()
	r.current = current
	r.stage = stage
	r.mu.Unlock()

	ev := r.event(stage, current, msg, nil)
	ev.Err = err
	ev.Result = r.result
	r.in <- ev
}

func (r *Run) event(stage Stage, current int, msg string, details map[string]any) Event {
	return Event{
		RunID:    r.id,
		Username: r.username,
		Stage:    stage,
		Current:  current,
		Total:    progressTotal,
		Message:  msg,
		Time:     r.p.now(),
		Details:  details,
	}
}

// pump forwards events from the execution goroutine to the caller through an
// unbounded queue, so a slow reader never stalls the run.
func (r *Run) pump() {
	defer close(r.events)
	in := r.in
	var queue []Event
	for in != nil || len(queue) > 0 {
		var (
			out  chan<- Event
			next Event
		)
		if len(queue) > 0 {
			out = r.events
			next = queue[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
		case out <- next:
			queue = queue[1:]
		}
	}
}

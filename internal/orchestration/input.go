package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InputKind names what an InputRequest asks for.
type InputKind string

const (
	InputCaptcha      InputKind = "captcha"
	InputVerification InputKind = "verification"
	InputMFA          InputKind = "mfa"
)

// InputRequest asks the caller for a captcha code, a verification ticket or
// an MFA code. Image is set for captchas and Masked for verification.
type InputRequest struct {
	ID       string
	Kind     InputKind
	Username string
	Image    []byte
	Masked   string
	Attempt  int
	Rejected bool
}

// Prompter answers input requests synchronously. It is called after the
// awaiting_input event has been emitted.
type Prompter func(ctx context.Context, req InputRequest) (string, error)

// ErrUnknownRequest is returned by Respond for ids that are not pending.
var ErrUnknownRequest = errors.New("no pending input request with that id")

// broker hands input requests to the caller and waits for replies.
type broker struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func newBroker() *broker {
	return &broker{pending: make(map[string]chan string)}
}

// open registers a new request and returns its id and reply channel.
func (b *broker) open() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *broker) close(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// respond delivers value to request id. Each request accepts one reply.
func (b *broker) respond(id, value string) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	ch <- value
	return nil
}

// ids returns the requests awaiting a reply.
func (b *broker) ids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	return out
}

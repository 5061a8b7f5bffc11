package xiaomi

import (
	"context"
	"fmt"
)

// ChallengeKind identifies what a login challenge asks for.
type ChallengeKind string

const (
	ChallengeCaptcha      ChallengeKind = "captcha"
	ChallengeVerification ChallengeKind = "verification"
)

// Challenge is handed to a Responder when the login needs human input.
type Challenge struct {
	Kind              ChallengeKind
	Image             []byte
	MaskedDestination string
	Attempt           int
	Rejected          bool
}

// Responder answers a challenge. It may block until a person replies.
type Responder func(ctx context.Context, ch Challenge) (string, error)

// Run drives the machine to a terminal step, asking respond for every
// captcha code and verification ticket.
func (m *LoginMachine) Run(ctx context.Context, username, password string, respond Responder) (*Credential, error) {
	step := m.Start(ctx, username, password)
	for {
		switch s := step.(type) {
		case *Success:
			return s.Credential, nil
		case *Failed:
			return nil, s.Err
		case *NeedsCaptcha:
			code, err := respond(ctx, Challenge{Kind: ChallengeCaptcha, Image: s.Image, Attempt: s.Attempt, Rejected: s.Rejected})
			if err != nil {
				return nil, fmt.Errorf("captcha input: %w", err)
			}
			step = m.SubmitCaptcha(ctx, code)
		case *NeedsVerification:
			ticket, err := respond(ctx, Challenge{
				Kind:              ChallengeVerification,
				MaskedDestination: s.MaskedDestination,
				Attempt:           s.Attempt,
				Rejected:          s.Rejected,
			})
			if err != nil {
				return nil, fmt.Errorf("verification input: %w", err)
			}
			step = m.SubmitVerification(ctx, ticket)
		default:
			return nil, fmt.Errorf("unexpected login step %T", step)
		}
	}
}

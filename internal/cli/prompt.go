package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hayashishungenn/garmin-weight-sync/internal/orchestration"
)

type answer struct {
	line string
	err  error
}

// terminalPrompter reads answers from in. Concurrent runs share the terminal,
// so requests are asked one at a time. A single goroutine owns the reader;
// a line read for a cancelled prompt answers the next one.
type terminalPrompter struct {
	mu     sync.Mutex
	in     io.Reader
	out    io.Writer
	tmpDir string

	once  sync.Once
	lines chan answer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: in, out: out, lines: make(chan answer)}
}

func (p *terminalPrompter) readLines() {
	defer close(p.lines)
	r := bufio.NewReader(p.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" || err != nil {
			p.lines <- answer{line: line, err: err}
		}
		if err != nil {
			return
		}
	}
}

// Prompt implements orchestration.Prompter.
func (p *terminalPrompter) Prompt(ctx context.Context, req orchestration.InputRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch req.Kind {
	case orchestration.InputCaptcha:
		if req.Rejected {
			fmt.Fprintf(p.out, "[%s] captcha rejected, try again\n", req.Username)
		}
		path, err := p.saveImage(req)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(p.out, "[%s] captcha image saved to %s\n", req.Username, path)
		fmt.Fprintf(p.out, "[%s] captcha: ", req.Username)
	case orchestration.InputVerification:
		if req.Rejected {
			fmt.Fprintf(p.out, "[%s] verification code rejected, try again\n", req.Username)
		}
		fmt.Fprintf(p.out, "[%s] verification code sent to %s: ", req.Username, req.Masked)
	case orchestration.InputMFA:
		fmt.Fprintf(p.out, "[%s] Garmin MFA code: ", req.Username)
	default:
		return "", fmt.Errorf("unsupported input kind %q", req.Kind)
	}

	p.once.Do(func() { go p.readLines() })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a, ok := <-p.lines:
		if !ok {
			return "", fmt.Errorf("read %s: %w", req.Kind, io.EOF)
		}
		if a.err != nil && a.line == "" {
			return "", fmt.Errorf("read %s: %w", req.Kind, a.err)
		}
		return strings.TrimSpace(a.line), nil
	}
}

func (p *terminalPrompter) saveImage(req orchestration.InputRequest) (string, error) {
	f, err := os.CreateTemp(p.tmpDir, "weightsync-captcha-*.png")
	if err != nil {
		return "", fmt.Errorf("save captcha: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(req.Image); err != nil {
		return "", fmt.Errorf("save captcha: %w", err)
	}
	return f.Name(), nil
}

package biometric

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// PromptAuthenticator asks for confirmation on a terminal. It stands in
// for the platform prompt on machines without biometric hardware.
type PromptAuthenticator struct {
	in  *bufio.Reader
	out io.Writer
	tty bool
}

// NewPromptAuthenticator prompts on stdin/stderr and is available only
// when stdin is a terminal.
func NewPromptAuthenticator() *PromptAuthenticator {
	return &PromptAuthenticator{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stderr,
		tty: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// NewPromptAuthenticatorFrom prompts on arbitrary streams. It is always
// available.
func NewPromptAuthenticatorFrom(in io.Reader, out io.Writer) *PromptAuthenticator {
	return &PromptAuthenticator{
		in:  bufio.NewReader(in),
		out: out,
		tty: true,
	}
}

func (p *PromptAuthenticator) EnsureAuthenticated(ctx context.Context, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !p.tty {
		return false, nil
	}

	if reason == "" {
		reason = "Authenticate"
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", reason)

	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (p *PromptAuthenticator) Available(context.Context) bool {
	return p.tty
}

// FromMode builds the authenticator for a configured mode
// (prompt, allow or deny), wrapped in a session window.
func FromMode(mode string, window time.Duration) (*SessionAuthenticator, error) {
	var inner Authenticator
	switch strings.ToLower(mode) {
	case "", "prompt":
		inner = NewPromptAuthenticator()
	case "allow":
		inner = Allow()
	case "deny":
		inner = Deny()
	default:
		return nil, fmt.Errorf("unknown biometric mode: %s", mode)
	}
	return NewSessionAuthenticator(inner, window), nil
}

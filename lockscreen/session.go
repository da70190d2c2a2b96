package lockscreen

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"strings"
)

// Prompter collects one password attempt from the user. The full-screen UI
// behind it is a leaf consumer; the session only needs attempts.
type Prompter interface {
	Prompt(ctx context.Context, message string) (string, error)
}

// Session is the spawned-process side of a lock. It holds the liveness port
// for its lifetime and deletes the handoff artifact on successful unlock.
type Session struct {
	dataDir  string
	secret   string
	message  string
	listener net.Listener
}

// OpenSession reads the handoff artifact and binds the liveness port. A
// failed bind means another session already holds the lock.
func OpenSession(dataDir string, port int) (*Session, error) {
	state, err := ReadArtifact(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read lock handoff: %w", err)
	}
	if !state.Locked || state.Password == "" {
		return nil, fmt.Errorf("lock handoff does not request a lock")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind liveness port %d: %w", port, err)
	}

	s := &Session{
		dataDir:  dataDir,
		secret:   strings.TrimSpace(state.Password),
		message:  state.Message,
		listener: ln,
	}
	// Accept and drop liveness probes so the dial-based check completes.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return s, nil
}

// Message returns the lock message for display.
func (s *Session) Message() string { return s.message }

// Run loops on password attempts until the correct secret is entered. On
// unlock the artifact is deleted before anything else, then the liveness
// port is released.
func (s *Session) Run(ctx context.Context, prompter Prompter) error {
	defer s.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt, err := prompter.Prompt(ctx, s.message)
		if err != nil {
			return err
		}
		if s.match(attempt) {
			if err := DeleteArtifact(s.dataDir); err != nil {
				return fmt.Errorf("remove lock handoff on unlock: %w", err)
			}
			return nil
		}
	}
}

func (s *Session) match(attempt string) bool {
	attempt = strings.TrimSpace(attempt)
	return subtle.ConstantTimeCompare([]byte(attempt), []byte(s.secret)) == 1
}

// Close releases the liveness port.
func (s *Session) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

// LinePrompter reads one attempt per line, used by the console lock screen.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
}

func (p *LinePrompter) Prompt(ctx context.Context, message string) (string, error) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if message != "" {
		fmt.Fprintln(p.Out, message)
	}
	fmt.Fprint(p.Out, "Enter password to unlock: ")
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.scanner.Text(), nil
}

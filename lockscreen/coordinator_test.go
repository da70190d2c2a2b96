package lockscreen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type stubProcess struct {
	exited bool
}

func (p stubProcess) Exited() bool { return p.exited }

// fakeLauncher stands in for the spawned lock screen: it binds the liveness
// port in-process and releases it on kill.
type fakeLauncher struct {
	port     int
	failErr  error
	exitFast bool

	launches int
	ln       net.Listener
}

func (l *fakeLauncher) Launch(artifactPath string) (Process, error) {
	l.launches++
	if l.failErr != nil {
		return nil, l.failErr
	}
	if l.exitFast {
		return stubProcess{exited: true}, nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.port))
	if err != nil {
		return nil, err
	}
	l.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return stubProcess{}, nil
}

func (l *fakeLauncher) kill() {
	if l.ln != nil {
		l.ln.Close()
		l.ln = nil
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeLauncher) {
	t.Helper()
	port := freePort(t)
	launcher := &fakeLauncher{port: port}
	t.Cleanup(launcher.kill)
	c := NewCoordinator(t.TempDir(), launcher)
	c.LivenessPort = port
	c.ConfirmTimeout = 2 * time.Second
	c.DialTimeout = 100 * time.Millisecond
	return c, launcher
}

func TestLockRoundTrip(t *testing.T) {
	c, launcher := newTestCoordinator(t)

	if err := c.Dispatch("secret123", "return the laptop"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}
	if !ArtifactExists(c.DataDir) {
		t.Error("handoff artifact missing while locked")
	}
	state, err := ReadArtifact(c.DataDir)
	if err != nil || state.Password != "secret123" || !state.Locked {
		t.Errorf("unexpected artifact content: %+v err=%v", state, err)
	}

	if c.Poll() {
		t.Error("Poll reported unlock while session alive")
	}

	// Unlock: the lock screen deletes the artifact first, then drops the
	// liveness port.
	if err := DeleteArtifact(c.DataDir); err != nil {
		t.Fatalf("delete artifact: %v", err)
	}
	launcher.kill()

	if !c.Poll() {
		t.Fatal("Poll did not detect unlock")
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after unlock, got %s", c.State())
	}
	if ArtifactExists(c.DataDir) {
		t.Error("artifact present after unlock")
	}
}

func TestDuplicateDispatchIsNoop(t *testing.T) {
	c, launcher := newTestCoordinator(t)

	if err := c.Dispatch("pw", ""); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	if err := c.Dispatch("pw", ""); err != nil {
		t.Fatalf("duplicate Dispatch errored: %v", err)
	}
	if launcher.launches != 1 {
		t.Errorf("expected exactly one spawn, got %d", launcher.launches)
	}
	if c.State() != StateRunning {
		t.Errorf("expected running, got %s", c.State())
	}
}

func TestSpawnFailureLeavesDeviceUnlocked(t *testing.T) {
	c, launcher := newTestCoordinator(t)
	launcher.failErr = errors.New("executable missing")

	err := c.Dispatch("pw", "")
	if err == nil {
		t.Fatal("expected Dispatch to fail")
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after spawn failure, got %s", c.State())
	}
	if ArtifactExists(c.DataDir) {
		t.Error("artifact must not survive a failed spawn")
	}
}

func TestImmediateExitIsAFailure(t *testing.T) {
	c, launcher := newTestCoordinator(t)
	launcher.exitFast = true

	if err := c.Dispatch("pw", ""); err == nil {
		t.Fatal("expected Dispatch to fail on immediate exit")
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if ArtifactExists(c.DataDir) {
		t.Error("artifact must not survive an immediate exit")
	}
}

func TestRelockAfterDeadSession(t *testing.T) {
	c, launcher := newTestCoordinator(t)

	if err := c.Dispatch("pw1", ""); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	// Both life signs gone, but Poll has not run yet.
	launcher.kill()
	if err := DeleteArtifact(c.DataDir); err != nil {
		t.Fatalf("delete artifact: %v", err)
	}

	if err := c.Dispatch("pw2", ""); err != nil {
		t.Fatalf("re-lock Dispatch failed: %v", err)
	}
	if launcher.launches != 2 {
		t.Errorf("expected a second spawn, got %d", launcher.launches)
	}
	if c.State() != StateRunning {
		t.Errorf("expected running after re-lock, got %s", c.State())
	}
	state, err := ReadArtifact(c.DataDir)
	if err != nil || state.Password != "pw2" {
		t.Errorf("artifact should carry the new secret, got %+v err=%v", state, err)
	}
}

func TestAdoptExistingSession(t *testing.T) {
	c, launcher := newTestCoordinator(t)

	if err := c.Dispatch("pw1", "locked"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// A second coordinator over the same data dir and port, as after an
	// agent restart while the lock screen process kept running.
	restarted := NewCoordinator(c.DataDir, launcher)
	restarted.LivenessPort = c.LivenessPort
	restarted.DialTimeout = 100 * time.Millisecond

	if !restarted.Adopt() {
		t.Fatal("Adopt should take over the live session")
	}
	if got := restarted.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if restarted.Poll() {
		t.Fatal("Poll must not report unlock while the session is alive")
	}
	if err := restarted.Dispatch("pw1", "locked"); err != nil {
		t.Fatalf("re-dispatch over adopted session: %v", err)
	}
	if launcher.launches != 1 {
		t.Fatalf("launches = %d, want 1 (adopted session suppresses re-spawn)", launcher.launches)
	}

	// Unlock completes through the adopted coordinator.
	launcher.kill()
	if err := DeleteArtifact(restarted.DataDir); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if !restarted.Poll() {
		t.Fatal("Poll should detect the unlock")
	}
	if got := restarted.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestAdoptWithoutSurvivingSession(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if c.Adopt() {
		t.Fatal("Adopt with no life signs should refuse")
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestPollRequiresBothSignals(t *testing.T) {
	c, launcher := newTestCoordinator(t)

	if err := c.Dispatch("pw", ""); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Artifact gone but port still held: not an unlock.
	if err := DeleteArtifact(c.DataDir); err != nil {
		t.Fatalf("delete artifact: %v", err)
	}
	if c.Poll() {
		t.Error("Poll must not report unlock while the port is held")
	}

	// Port closed but artifact present: not an unlock either.
	if err := WriteArtifact(c.DataDir, LockState{Locked: true, Password: "pw"}); err != nil {
		t.Fatalf("rewrite artifact: %v", err)
	}
	launcher.kill()
	if c.Poll() {
		t.Error("Poll must not report unlock while the artifact exists")
	}

	if err := DeleteArtifact(c.DataDir); err != nil {
		t.Fatalf("delete artifact: %v", err)
	}
	if !c.Poll() {
		t.Error("Poll should report unlock once both signals are gone")
	}
}

type scriptedPrompter struct {
	attempts []string
	i        int
}

func (p *scriptedPrompter) Prompt(ctx context.Context, message string) (string, error) {
	if p.i >= len(p.attempts) {
		return "", errors.New("out of attempts")
	}
	a := p.attempts[p.i]
	p.i++
	return a, nil
}

func TestSessionUnlock(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	if err := WriteArtifact(dir, LockState{Locked: true, Password: "open sesame", Message: "call me"}); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	s, err := OpenSession(dir, port)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if s.Message() != "call me" {
		t.Errorf("unexpected message %q", s.Message())
	}

	// The liveness port must be held exclusively.
	if _, err := OpenSession(dir, port); err == nil {
		t.Fatal("second session on the same port should fail")
	}

	prompter := &scriptedPrompter{attempts: []string{"wrong", "  open sesame  "}}
	if err := s.Run(context.Background(), prompter); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ArtifactExists(dir) {
		t.Error("artifact must be deleted on unlock")
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Error("liveness port should be released after unlock")
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if ArtifactExists(dir) {
		t.Fatal("artifact should not exist yet")
	}
	if err := DeleteArtifact(dir); err != nil {
		t.Errorf("deleting a missing artifact should not error: %v", err)
	}

	in := LockState{Locked: true, Password: "p@ss", Message: "msg"}
	if err := WriteArtifact(dir, in); err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	out, err := ReadArtifact(dir)
	if err != nil {
		t.Fatalf("ReadArtifact failed: %v", err)
	}
	if *out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

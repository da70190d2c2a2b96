package lockscreen

import (
	"fmt"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"theftguard/agent/agent"
)

// DefaultLivenessPort is the loopback port the lock screen holds open for
// its lifetime. The port doubles as the mutual-exclusion signal; a closed
// port means no lock session is active.
const DefaultLivenessPort = 12345

// State is the coordinator's position in the lock session lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateUnlocking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateUnlocking:
		return "unlocking"
	default:
		return "unknown"
	}
}

// Launcher starts the lock screen process with the handoff artifact path.
type Launcher interface {
	Launch(artifactPath string) (Process, error)
}

// Process is a handle to a spawned lock screen.
type Process interface {
	Exited() bool
}

// ExecLauncher spawns the configured command with the artifact path appended
// as the final argument.
type ExecLauncher struct {
	Command []string
}

type execProcess struct {
	exited atomic.Bool
}

func (p *execProcess) Exited() bool { return p.exited.Load() }

func (l *ExecLauncher) Launch(artifactPath string) (Process, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("no lock screen command configured")
	}
	args := append(append([]string{}, l.Command[1:]...), artifactPath)
	cmd := exec.Command(l.Command[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc := &execProcess{}
	go func() {
		cmd.Wait()
		proc.exited.Store(true)
	}()
	return proc, nil
}

type session struct {
	message   string
	startedAt time.Time
	process   Process
}

// Coordinator owns the lock session lifecycle: it writes the secret handoff
// artifact, spawns the isolated lock screen process, and detects unlock by
// combining the liveness port and artifact signals.
type Coordinator struct {
	DataDir        string
	LivenessPort   int
	Launcher       Launcher
	ConfirmTimeout time.Duration
	DialTimeout    time.Duration

	mu      sync.Mutex
	state   State
	current *session
}

// NewCoordinator builds a coordinator over the given data dir and launcher.
func NewCoordinator(dataDir string, launcher Launcher) *Coordinator {
	return &Coordinator{
		DataDir:        dataDir,
		LivenessPort:   DefaultLivenessPort,
		Launcher:       launcher,
		ConfirmTimeout: 5 * time.Second,
		DialTimeout:    200 * time.Millisecond,
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is a point-in-time snapshot for logging and diagnostics.
type Status struct {
	State        State
	StartedAt    time.Time
	LivenessPort int
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, LivenessPort: c.LivenessPort}
	if c.current != nil {
		st.StartedAt = c.current.startedAt
	}
	return st
}

// Dispatch starts a lock session with the given secret. A dispatch while a
// live session is already running is a no-op; a dispatch over a dead session
// passes through Unlocking first and then starts fresh. On spawn failure the
// device is left unlocked and the error is reported upward; there is no
// fallback to an OS lock with a different credential.
func (c *Coordinator) Dispatch(secret, message string) error {
	c.mu.Lock()
	if c.state == StateStarting || c.state == StateUnlocking {
		c.mu.Unlock()
		return fmt.Errorf("lock dispatch rejected: coordinator busy in state %s", c.state)
	}
	if c.state == StateRunning {
		c.mu.Unlock()
		if c.sessionAlive() {
			agent.Info("lock session already running, ignoring duplicate dispatch")
			return nil
		}
		// The process died without unlocking. Clean up through Unlocking
		// so the new session starts from a known state.
		agent.Warn("lock session dead without unlock, cleaning up before re-lock")
		c.mu.Lock()
		c.state = StateUnlocking
		c.mu.Unlock()
		if err := DeleteArtifact(c.DataDir); err != nil {
			agent.WarnCtx("failed to remove stale lock artifact", "error", err)
		}
		c.mu.Lock()
		c.state = StateIdle
		c.current = nil
	}

	c.state = StateStarting
	c.current = &session{message: message, startedAt: time.Now()}
	c.mu.Unlock()

	if err := WriteArtifact(c.DataDir, LockState{Locked: true, Password: secret, Message: message}); err != nil {
		c.abortStart()
		return fmt.Errorf("write lock handoff: %w", err)
	}

	proc, err := c.Launcher.Launch(ArtifactPath(c.DataDir))
	if err != nil {
		DeleteArtifact(c.DataDir)
		c.abortStart()
		agent.ErrorCtx("lock screen spawn failed, device remains unlocked", "error", err)
		return fmt.Errorf("spawn lock screen: %w", err)
	}

	if err := c.confirmAlive(proc); err != nil {
		DeleteArtifact(c.DataDir)
		c.abortStart()
		agent.ErrorCtx("lock screen did not come up, device remains unlocked", "error", err)
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.current.process = proc
	c.mu.Unlock()
	agent.InfoCtx("lock session running", "port", c.LivenessPort)
	return nil
}

// confirmAlive waits for the spawned process to hold the liveness port. A
// still-present artifact after the wait also counts as alive; the process
// may be slow to bind. An exited process is a hard failure.
func (c *Coordinator) confirmAlive(proc Process) error {
	deadline := time.Now().Add(c.ConfirmTimeout)
	for {
		if proc.Exited() && !c.portOpen() {
			return fmt.Errorf("lock screen exited immediately")
		}
		if c.portOpen() {
			return nil
		}
		if time.Now().After(deadline) {
			if ArtifactExists(c.DataDir) {
				return nil
			}
			return fmt.Errorf("lock screen liveness not confirmed within %s", c.ConfirmTimeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Poll checks for a completed unlock and reports whether one was detected.
// Unlock requires both signals: the liveness port closed and the artifact
// gone. Either signal alone can be a false positive (a transient port
// conflict, or a slow artifact read during startup).
func (c *Coordinator) Poll() bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if c.portOpen() || ArtifactExists(c.DataDir) {
		return false
	}

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return false
	}
	c.state = StateUnlocking
	c.mu.Unlock()

	// Residual artifact removal first, before the caller touches the
	// network, so a crash here cannot leave the secret on disk.
	if err := DeleteArtifact(c.DataDir); err != nil {
		agent.WarnCtx("failed to remove residual lock artifact", "error", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()
	agent.Info("unlock detected, lock session closed")
	return true
}

// Adopt takes ownership of a lock session started by a previous agent run.
// The lock screen is a separate process and survives agent restarts; when
// either life sign (liveness port, artifact) is still present, the
// coordinator transitions Idle to Running so Poll and duplicate-dispatch
// suppression work as if it had spawned the session itself. Reports whether
// a session was adopted.
func (c *Coordinator) Adopt() bool {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if !c.sessionAlive() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateRunning
	c.current = &session{startedAt: time.Now()}
	agent.InfoCtx("adopted existing lock session", "port", c.LivenessPort)
	return true
}

func (c *Coordinator) abortStart() {
	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()
}

// sessionAlive reports whether the running session still shows a life sign.
func (c *Coordinator) sessionAlive() bool {
	return c.portOpen() || ArtifactExists(c.DataDir)
}

func (c *Coordinator) portOpen() bool {
	addr := fmt.Sprintf("127.0.0.1:%d", c.LivenessPort)
	conn, err := net.DialTimeout("tcp", addr, c.DialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

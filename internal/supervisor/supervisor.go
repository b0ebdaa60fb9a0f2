// Package supervisor spawns and tracks agent child processes. Each child
// gets a deterministic process title discoverable by ps-like tools, an
// extended environment, and exit reporting through the event bus.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// killEscalationDelay is how long Terminate waits after SIGTERM before
// sending SIGKILL to a process that has not exited.
const killEscalationDelay = 5 * time.Second

// typeAbbreviations maps agent types to the fixed two-letter code embedded
// in process titles. Unknown types fall back to their first two characters.
var typeAbbreviations = map[string]string{
	"backend":       "be",
	"frontend":      "fe",
	"testing":       "ts",
	"documentation": "dc",
	"architect":     "ar",
	"devops":        "dv",
	"analysis":      "an",
	"researcher":    "rs",
	"implementer":   "im",
	"reviewer":      "rv",
}

// ProcessTitle derives the stable title zmcp-<type2>-<project20>-<agent_id>.
// Discovery of this title by an external ps-like tool is a contract.
func ProcessTitle(agentType, project, agentID string) string {
	lowered := strings.ToLower(agentType)
	abbr, ok := typeAbbreviations[lowered]
	if !ok {
		// rune-wise so multi-byte type names stay valid UTF-8
		if r := []rune(lowered); len(r) > 2 {
			abbr = string(r[:2])
		} else {
			abbr = lowered
		}
	}
	if r := []rune(project); len(r) > 20 {
		project = string(r[:20])
	}
	return fmt.Sprintf("zmcp-%s-%s-%s", abbr, project, agentID)
}

// SpawnSpec describes a child process to launch.
type SpawnSpec struct {
	AgentID        string
	AgentType      string
	ProjectContext string
	RepositoryPath string

	// Command and Args are passed verbatim as argv[0] and argv[1..].
	Command string
	Args    []string

	// Env entries are appended to the inherited environment before the
	// ZMCP_* variables.
	Env map[string]string

	Dir string
}

// Child is a tracked spawned process.
type Child struct {
	PID     int
	Title   string
	AgentID string

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	exitSig  syscall.Signal
	exited   bool
}

// Done is closed when the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitCode returns the child's exit code, valid once Done is closed.
func (c *Child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Supervisor spawns children and reports their exits on the event bus.
type Supervisor struct {
	bus *bus.EventBus

	mu       sync.Mutex
	children map[int]*Child
	expected map[int]bool

	// reraise is swapped out in tests; by default a signal-caused child
	// exit re-raises that signal on the parent.
	reraise func(sig syscall.Signal)
}

// New creates a Supervisor publishing exits to the given bus.
func New(eventBus *bus.EventBus) *Supervisor {
	return &Supervisor{
		bus:      eventBus,
		children: make(map[int]*Child),
		expected: make(map[int]bool),
		reraise: func(sig syscall.Signal) {
			p, err := os.FindProcess(os.Getpid())
			if err != nil {
				return
			}
			_ = p.Signal(sig)
		},
	}
}

// Spawn launches the child described by spec with inherited stdio and the
// ZMCP_* environment, records its pid, and starts the reaper.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*Child, error) {
	if spec.Command == "" {
		return nil, zerr.New(zerr.KindChildSpawn, "empty command for agent %s", spec.AgentID)
	}

	title := ProcessTitle(spec.AgentType, spec.ProjectContext, spec.AgentID)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...) //nolint:gosec // G204: argv comes from the spawning service
	cmd.Dir = spec.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"ZMCP_AGENT_TYPE="+spec.AgentType,
		"ZMCP_PROJECT_CONTEXT="+spec.ProjectContext,
		"ZMCP_AGENT_ID="+spec.AgentID,
		"ZMCP_PROCESS_TITLE="+title,
	)
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return nil, zerr.Wrap(zerr.KindChildSpawn, err, "spawning agent %s", spec.AgentID)
	}

	child := &Child{
		PID:     cmd.Process.Pid,
		Title:   title,
		AgentID: spec.AgentID,
		cmd:     cmd,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.children[child.PID] = child
	s.mu.Unlock()

	log.Info(log.CatProc, "spawned child", "agent_id", spec.AgentID, "pid", child.PID, "title", title)
	log.SafeGo("supervisor.reap", func() { s.reap(child, spec) })
	return child, nil
}

// reap waits for the child, records its outcome, emits agent_terminated,
// and re-raises a killing signal on the parent.
func (s *Supervisor) reap(child *Child, spec SpawnSpec) {
	err := child.cmd.Wait()

	child.mu.Lock()
	child.exited = true
	finalStatus := "completed"
	reason := ""
	if err != nil {
		finalStatus = "failed"
		reason = err.Error()
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		child.exitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			child.exitSig = ws.Signal()
			reason = "terminated by signal " + ws.Signal().String()
		}
	}
	sig := child.exitSig
	child.mu.Unlock()

	s.mu.Lock()
	delete(s.children, child.PID)
	expected := s.expected[child.PID]
	delete(s.expected, child.PID)
	s.mu.Unlock()

	s.bus.Emit(bus.NewEvent(bus.KindAgentTerminated, bus.AgentTerminatedPayload{
		AgentID:        child.AgentID,
		FinalStatus:    finalStatus,
		Reason:         reason,
		RepositoryPath: spec.RepositoryPath,
	}).WithAgent(child.AgentID).WithRepository(spec.RepositoryPath))

	close(child.done)

	// A signal we sent ourselves (Terminate, forwarded shutdown) is not
	// re-raised; only unexpected external kills propagate to the parent.
	if sig != 0 && !expected {
		log.Warn(log.CatProc, "child killed by signal, re-raising", "pid", child.PID, "signal", sig.String())
		s.reraise(sig)
	}
}

// ForwardSignals relays SIGINT, SIGTERM, and SIGQUIT received by the
// parent to every live child until ctx is cancelled.
func (s *Supervisor) ForwardSignals(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	log.SafeGo("supervisor.forwardSignals", func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				s.mu.Lock()
				pids := make([]int, 0, len(s.children))
				for pid := range s.children {
					pids = append(pids, pid)
					s.expected[pid] = true
				}
				s.mu.Unlock()
				for _, pid := range pids {
					_ = s.Signal(pid, sig)
				}
			}
		}
	})
}

// Signal sends sig to a tracked child.
func (s *Supervisor) Signal(pid int, sig os.Signal) error {
	s.mu.Lock()
	child, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return zerr.New(zerr.KindNotFound, "no tracked child with pid %d", pid)
	}
	return child.cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM to pid and escalates to SIGKILL if the process
// is still alive after the escalation delay. Unknown pids are signalled
// directly so agents surviving a runtime restart can still be stopped.
func (s *Supervisor) Terminate(pid int) error {
	s.mu.Lock()
	if _, tracked := s.children[pid]; tracked {
		s.expected[pid] = true
	}
	s.mu.Unlock()

	proc, err := os.FindProcess(pid)
	if err != nil {
		return zerr.Wrap(zerr.KindNotFound, err, "finding process %d", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if !IsAlive(pid) {
			return nil // already gone
		}
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}

	log.SafeGo("supervisor.killEscalation", func() {
		deadline := time.After(killEscalationDelay)
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if !IsAlive(pid) {
					return
				}
			case <-deadline:
				if IsAlive(pid) {
					log.Warn(log.CatProc, "escalating to SIGKILL", "pid", pid)
					_ = proc.Signal(syscall.SIGKILL)
				}
				return
			}
		}
	})
	return nil
}

// ChildCount returns the number of live tracked children.
func (s *Supervisor) ChildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// IsAlive reports whether a process with the given pid exists. It returns
// within 500 ms by construction: the underlying probe is a single syscall.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}

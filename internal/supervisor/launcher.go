package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tradesys/botkeeper/pkg/logger"
)

const (
	defaultLivenessWindow = 2 * time.Second
	defaultStderrHeadCap  = 200
)

// ExitStatus records how a child process ended.
type ExitStatus struct {
	Code int       `json:"code"`
	At   time.Time `json:"at"`
	Err  string    `json:"err,omitempty"`
}

// Child is the handle for one spawned bot process. Ownership sits with the
// Manager while the process is alive; the watcher goroutine reaps it and
// closes done when it exits.
type Child struct {
	Kind      Kind
	PID       int
	StartedAt time.Time
	LogPath   string

	cmd        *exec.Cmd
	stderrHead *headBuffer

	mu   sync.Mutex
	exit *ExitStatus
	done chan struct{}
}

// Done is closed once the process has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exited returns the recorded exit status, false while still running.
func (c *Child) Exited() (ExitStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exit == nil {
		return ExitStatus{}, false
	}
	return *c.exit, true
}

// StderrHead returns the first captured bytes of the child's stderr.
func (c *Child) StderrHead() string { return c.stderrHead.String() }

// headBuffer keeps only the first cap bytes written to it. Everything past
// the cap is accepted and dropped, so it can sit in a MultiWriter without
// ever failing the other sink.
type headBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newHeadBuffer(max int) *headBuffer { return &headBuffer{max: max} }

func (b *headBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *headBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Launcher spawns bot processes with their output captured to per-kind log
// files and verifies they survive a short post-launch liveness window.
type Launcher struct {
	// LogsDir receives one <kind>.log per bot, append-only.
	LogsDir string

	// LivenessWindow is how long a fresh process must stay alive before the
	// spawn counts as successful. Zero means the 2s default.
	LivenessWindow time.Duration

	// StderrHeadCap bounds the stderr capture used in launch-failure details.
	// Zero means the 200-byte default.
	StderrHeadCap int

	// onExit, when set, is invoked from the watcher goroutine after the exit
	// status has been recorded. Set by the Manager.
	onExit func(*Child, ExitStatus)
}

func NewLauncher(logsDir string) *Launcher {
	return &Launcher{LogsDir: logsDir}
}

func (l *Launcher) livenessWindow() time.Duration {
	if l.LivenessWindow > 0 {
		return l.LivenessWindow
	}
	return defaultLivenessWindow
}

func (l *Launcher) stderrHeadCap() int {
	if l.StderrHeadCap > 0 {
		return l.StderrHeadCap
	}
	return defaultStderrHeadCap
}

// Spawn starts one OS process for the descriptor and holds the caller for the
// liveness window. A process that exits inside the window fails the spawn and
// the error detail carries the exit code plus the head of its stderr. When
// runtimeCfg is non-empty it is passed to the child as "-config <path>"
// without touching disk where the platform allows it.
func (l *Launcher) Spawn(d Descriptor, runtimeCfg []byte) (*Child, error) {
	if _, err := os.Stat(d.Script); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, d.Script)
	}

	logPath := filepath.Join(l.LogsDir, string(d.Kind)+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	head := newHeadBuffer(l.stderrHeadCap())

	cmd := exec.Command(d.Script, d.Args...)
	if strings.TrimSpace(d.WorkDir) != "" {
		cmd.Dir = d.WorkDir
	}
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, head)
	cmd.SysProcAttr = sysProcAttr()

	var closeCfg func()
	if len(runtimeCfg) > 0 {
		cfgPath, cleanup, err := attachRuntimeConfig(cmd, runtimeCfg)
		if err != nil {
			_ = logFile.Close()
			return nil, err
		}
		closeCfg = cleanup
		cmd.Args = append(cmd.Args, "-config", cfgPath)
	}

	// Start, never Wait here: the bot is long-lived and the watcher goroutine
	// picks up the exit whenever it comes.
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		if closeCfg != nil {
			closeCfg()
		}
		return nil, &LaunchError{Kind: d.Kind, ExitCode: -1, Detail: err.Error()}
	}
	// parent can drop its config fd copy, the child holds its own
	if closeCfg != nil {
		closeCfg()
	}

	child := &Child{
		Kind:       d.Kind,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		LogPath:    logPath,
		cmd:        cmd,
		stderrHead: head,
		done:       make(chan struct{}),
	}

	go l.watch(child, logFile)

	// liveness window: a process that dies this quickly is a failed start,
	// not a running bot
	timer := time.NewTimer(l.livenessWindow())
	defer timer.Stop()
	select {
	case <-child.Done():
		st, _ := child.Exited()
		detail := strings.TrimSpace(child.StderrHead())
		if detail == "" {
			detail = st.Err
		}
		return nil, &LaunchError{Kind: d.Kind, ExitCode: st.Code, Detail: detail}
	case <-timer.C:
	}
	return child, nil
}

// watch reaps the child and records its exit status. Wait only returns when
// the bot exits, so this costs nothing while it runs.
func (l *Launcher) watch(c *Child, logFile *os.File) {
	waitErr := c.cmd.Wait()
	_ = logFile.Close()

	st := ExitStatus{At: time.Now()}
	if waitErr != nil {
		st.Err = waitErr.Error()
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			st.Code = ee.ExitCode()
		} else {
			st.Code = 1
		}
	}

	c.mu.Lock()
	c.exit = &st
	c.mu.Unlock()
	close(c.done)

	logger.Debugf("bot %s (pid=%d) exited with code %d", c.Kind, c.PID, st.Code)
	if l.onExit != nil {
		l.onExit(c, st)
	}
}

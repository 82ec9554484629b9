package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/tradesys/botkeeper/pkg/logger"
)

const (
	defaultStopGrace     = 5 * time.Second
	defaultRestartSettle = 3 * time.Second
	killPollInterval     = 150 * time.Millisecond
)

// Options tune the Manager. Zero values mean the defaults.
type Options struct {
	// LivenessWindow overrides the launcher's post-spawn liveness check.
	LivenessWindow time.Duration
	// StopGrace is how long a bot gets between the graceful signal and the
	// force-kill. Default 5s.
	StopGrace time.Duration
	// RestartSettle is the pause between stop and start on restart, letting
	// the OS release ports and file locks. Default 3s.
	RestartSettle time.Duration
	// DisableSweep turns off the advisory orphan sweep during stop.
	DisableSweep bool

	// ConfigProvider, when set, builds the runtime config payload handed to
	// a bot at spawn time.
	ConfigProvider func(Descriptor) ([]byte, error)

	// OnExit, when set, is notified (on its own goroutine) whenever a bot
	// that had been adopted as running exits. Launch failures inside the
	// liveness window do not fire it.
	OnExit func(Kind, ExitStatus)
}

// Manager is the single public entry point for bot process control. Every
// operation reconciles recorded state against observed process liveness
// before acting, under the per-kind lock.
type Manager struct {
	reg      *Registry
	launcher *Launcher
	opts     Options
	signals  processSignals
}

func New(reg *Registry, launcher *Launcher, opts Options) *Manager {
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.RestartSettle <= 0 {
		opts.RestartSettle = defaultRestartSettle
	}
	if opts.LivenessWindow > 0 {
		launcher.LivenessWindow = opts.LivenessWindow
	}
	m := &Manager{reg: reg, launcher: launcher, opts: opts, signals: newProcessSignals()}
	launcher.onExit = m.handleExit
	return m
}

// Registry exposes the static bot table for read-only use by callers.
func (m *Manager) Registry() *Registry { return m.reg }

// Start launches the bot for kind. Fails with ErrUnknownKind, ErrAlreadyRunning,
// ErrScriptNotFound or a LaunchError; on failure the state stays stopped.
func (m *Manager) Start(ctx context.Context, kind Kind) (StartResult, error) {
	e, err := m.reg.lookup(kind)
	if err != nil {
		return StartResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.reconcileLocked(e)
	if e.state.status == StatusRunning {
		return StartResult{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, kind)
	}

	var cfg []byte
	if m.opts.ConfigProvider != nil {
		cfg, err = m.opts.ConfigProvider(e.desc)
		if err != nil {
			return StartResult{}, fmt.Errorf("build runtime config: %w", err)
		}
	}

	child, err := m.launcher.Spawn(e.desc, cfg)
	if err != nil {
		return StartResult{}, err
	}

	e.state.status = StatusRunning
	e.state.child = child
	e.state.startedAt = child.StartedAt
	e.state.lastHeartbeat = time.Now()
	logger.Infof("bot %s started (pid=%d)", kind, child.PID)
	return StartResult{PID: child.PID, StartedAt: child.StartedAt}, nil
}

// Stop terminates the bot for kind. Stopping an already stopped bot is a
// success, not an error. The grace period, the force-kill escalation and the
// advisory orphan sweep are all reported in the result; none of them can fail
// the stop itself.
func (m *Manager) Stop(ctx context.Context, kind Kind) (StopResult, error) {
	e, err := m.reg.lookup(kind)
	if err != nil {
		return StopResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return StopResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.reconcileLocked(e)
	if e.state.status != StatusRunning {
		return StopResult{AlreadyStopped: true}, nil
	}

	child := e.state.child
	res := StopResult{}
	if err := m.signals.Terminate(child.PID); err != nil {
		logger.Warnf("bot %s: graceful signal failed: %v", kind, err)
	}

	alive := true
	deadline := time.Now().Add(m.opts.StopGrace)
	for time.Now().Before(deadline) {
		select {
		case <-child.Done():
			alive = false
		default:
			alive = m.signals.Alive(child.PID)
		}
		if !alive {
			break
		}
		time.Sleep(killPollInterval)
	}
	if alive {
		res.Forced = true
		logger.Warnf("bot %s (pid=%d) ignored the grace period, force-killing", kind, child.PID)
		if err := m.signals.Kill(child.PID); err != nil {
			logger.Warnf("bot %s: force kill failed: %v", kind, err)
		}
	}

	if !m.opts.DisableSweep {
		res.Sweep = sweepOrphans(m.signals, e.desc, child.PID)
	}

	e.state.status = StatusStopped
	e.state.child = nil
	e.state.startedAt = time.Time{}
	e.state.lastHeartbeat = time.Time{}
	e.state.lastExit = &ExitStatus{Code: 0, At: time.Now()}
	logger.Infof("bot %s stopped (forced=%v)", kind, res.Forced)
	return res, nil
}

// Restart stops (tolerating already-stopped), waits the settle period so the
// OS can release ports and file locks, then starts again.
func (m *Manager) Restart(ctx context.Context, kind Kind) (StartResult, error) {
	if _, err := m.Stop(ctx, kind); err != nil {
		return StartResult{}, err
	}
	t := time.NewTimer(m.opts.RestartSettle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
	return m.Start(ctx, kind)
}

// StatusFor reconciles then snapshots one bot.
func (m *Manager) StatusFor(kind Kind) (Snapshot, error) {
	e, err := m.reg.lookup(kind)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.reconcileLocked(e)
	return m.snapshotLocked(e), nil
}

// StatusAll reconciles and snapshots every bot in stable registration order.
// The summary counts skip internal orchestrator kinds.
func (m *Manager) StatusAll() StatusReport {
	report := StatusReport{Bots: make([]Snapshot, 0, m.reg.Len())}
	for _, kind := range m.reg.Kinds() {
		e, err := m.reg.lookup(kind)
		if err != nil {
			continue
		}
		e.mu.Lock()
		m.reconcileLocked(e)
		snap := m.snapshotLocked(e)
		e.mu.Unlock()

		report.Bots = append(report.Bots, snap)
		if e.desc.Internal {
			continue
		}
		report.Summary.Total++
		if snap.Status == StatusRunning {
			report.Summary.Active++
		} else {
			report.Summary.Inactive++
		}
	}
	return report
}

// StartAll starts every registered worker kind in stable order; internal
// orchestrator kinds are skipped. Sub-operations are isolated; the batch is OK
// when at least one of them succeeded.
func (m *Manager) StartAll(ctx context.Context) BatchResult {
	descs := m.reg.Descriptors()
	results := make(map[Kind]OpResult, len(descs))
	ok, attempted := 0, 0
	for _, d := range descs {
		if d.Internal {
			continue
		}
		attempted++
		if err := ctx.Err(); err != nil {
			results[d.Kind] = OpResult{OK: false, Message: err.Error()}
			continue
		}
		res, err := m.Start(ctx, d.Kind)
		if err != nil {
			results[d.Kind] = OpResult{OK: false, Message: err.Error()}
			continue
		}
		pid := res.PID
		results[d.Kind] = OpResult{OK: true, Message: "started", PID: &pid}
		ok++
	}
	return BatchResult{
		OK:      ok > 0,
		Message: fmt.Sprintf("started %d/%d bots", ok, attempted),
		Results: results,
	}
}

// StopAll stops every registered kind in stable order.
func (m *Manager) StopAll(ctx context.Context) BatchResult {
	kinds := m.reg.Kinds()
	results := make(map[Kind]OpResult, len(kinds))
	ok := 0
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			results[kind] = OpResult{OK: false, Message: err.Error()}
			continue
		}
		res, err := m.Stop(ctx, kind)
		if err != nil {
			results[kind] = OpResult{OK: false, Message: err.Error()}
			continue
		}
		msg := "stopped"
		if res.AlreadyStopped {
			msg = "already stopped"
		}
		results[kind] = OpResult{OK: true, Message: msg}
		ok++
	}
	return BatchResult{
		OK:      ok > 0,
		Message: fmt.Sprintf("stopped %d/%d bots", ok, len(kinds)),
		Results: results,
	}
}

// handleExit runs on the watcher goroutine whenever any spawned process is
// reaped; reconciliation decides whether it was the adopted child.
func (m *Manager) handleExit(c *Child, _ ExitStatus) {
	e, err := m.reg.lookup(c.Kind)
	if err != nil {
		return
	}
	e.mu.Lock()
	m.reconcileLocked(e)
	e.mu.Unlock()
}

// reconcileLocked folds OS-observed liveness into the recorded state: an
// exited child transitions the bot to stopped and fires OnExit exactly once;
// a live one just gets its heartbeat refreshed. Non-blocking, idempotent,
// called at the start of every operation. Caller holds e.mu.
func (m *Manager) reconcileLocked(e *entry) {
	st := &e.state
	if st.child == nil {
		return
	}
	select {
	case <-st.child.Done():
		ex, _ := st.child.Exited()
		st.lastExit = &ex
		st.child = nil
		st.status = StatusStopped
		st.startedAt = time.Time{}
		st.lastHeartbeat = time.Time{}
		logger.Infof("bot %s exited with code %d, reconciled to stopped", e.desc.Kind, ex.Code)
		if m.opts.OnExit != nil {
			go m.opts.OnExit(e.desc.Kind, ex)
		}
	default:
		st.lastHeartbeat = time.Now()
	}
}

// snapshotLocked builds the externally visible view. Caller holds e.mu.
func (m *Manager) snapshotLocked(e *entry) Snapshot {
	st := e.state
	s := Snapshot{
		Kind:     e.desc.Kind,
		Name:     e.desc.DisplayName(),
		Status:   st.status,
		Internal: e.desc.Internal,
	}
	if st.lastExit != nil {
		code := st.lastExit.Code
		s.LastExitCode = &code
	}
	if st.status == StatusRunning && st.child != nil {
		pid := st.child.PID
		s.PID = &pid
		startedAt := st.startedAt
		s.StartedAt = &startedAt
		s.Uptime = FormatUptime(time.Since(st.startedAt))
		if !st.lastHeartbeat.IsZero() {
			hb := st.lastHeartbeat
			s.LastHeartbeat = &hb
		}
		enrichUsage(&s, pid)
	}
	return s
}

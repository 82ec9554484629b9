package supervisor

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// RunStatus is the observed lifecycle state of one bot.
type RunStatus string

const (
	StatusStopped RunStatus = "stopped"
	StatusRunning RunStatus = "running"
)

// runtimeState is the mutable record of one bot's current execution. Guarded
// by the owning entry's mutex. child is non-nil iff status == StatusRunning,
// except transiently inside a failed-launch window which resolves back to
// stopped before the operation returns.
type runtimeState struct {
	status        RunStatus
	child         *Child
	startedAt     time.Time
	lastHeartbeat time.Time
	lastExit      *ExitStatus
}

// Snapshot is a point-in-time view of one bot, safe to hand to the web layer.
type Snapshot struct {
	Kind          Kind       `json:"kind"`
	Name          string     `json:"name"`
	Status        RunStatus  `json:"status"`
	PID           *int       `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	Uptime        string     `json:"uptime,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	LastExitCode  *int       `json:"last_exit_code,omitempty"`
	CPUPercent    *float64   `json:"cpu_percent,omitempty"`
	MemoryRSS     *uint64    `json:"memory_rss_bytes,omitempty"`
	Internal      bool       `json:"internal,omitempty"`
}

// Summary aggregates counts over the non-internal kinds.
type Summary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// StatusReport is the status_all payload: per-bot snapshots in stable
// registration order plus the aggregate summary.
type StatusReport struct {
	Bots    []Snapshot `json:"bots"`
	Summary Summary    `json:"summary"`
}

// StartResult is returned by a successful start.
type StartResult struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// StopResult distinguishes the idempotent no-op, the forced-kill escalation
// and the advisory sweep outcome from one another. Stop never fails on the
// advisory parts; they are reported here instead.
type StopResult struct {
	AlreadyStopped bool         `json:"already_stopped"`
	Forced         bool         `json:"forced"`
	Sweep          SweepOutcome `json:"sweep"`
}

// OpResult is one kind's slot in a batch result map.
type OpResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	PID     *int   `json:"pid,omitempty"`
}

// BatchResult reports a start_all/stop_all run. OK is true when at least one
// sub-operation succeeded; partial failure stays visible in Results.
type BatchResult struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message"`
	Results map[Kind]OpResult `json:"results"`
}

// FormatUptime renders an elapsed duration with the largest nonzero unit pair
// leading: "45s", "1m 30s", "1h 1m", "2d 3h 14m".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// enrichUsage fills best-effort CPU and RSS figures for a live pid. Failures
// are ignored; the fields just stay empty.
func enrichUsage(s *Snapshot, pid int) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = &cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss := mi.RSS
		s.MemoryRSS = &rss
	}
}

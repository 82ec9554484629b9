package server

import "time"

// BotStatusRow is the sqlite mirror of one bot's runtime state. The live
// truth is the supervisor; this row survives control-plane restarts and
// carries the auto-restart bookkeeping.
type BotStatusRow struct {
	Kind            string     `json:"kind"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	PID             *int       `json:"pid,omitempty"`
	DesiredRunning  bool       `json:"desired_running"`
	RestartAttempts int        `json:"restart_attempts"`
	LastRestartAt   *time.Time `json:"last_restart_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	LastExitAt      *time.Time `json:"last_exit_at,omitempty"`
	LastExitCode    *int       `json:"last_exit_code,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OpRun is one audited lifecycle operation.
type OpRun struct {
	ID         string     `json:"id"`
	Op         string     `json:"op"`
	Kind       *string    `json:"kind,omitempty"`
	Caller     string     `json:"caller"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OK         *bool      `json:"ok,omitempty"`
	Error      *string    `json:"error,omitempty"`
	MetaJSON   *string    `json:"meta_json,omitempty"`
}

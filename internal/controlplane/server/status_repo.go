package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradesys/botkeeper/internal/supervisor"
)

// seedBotStatus makes sure every registered kind has a mirror row, without
// touching rows that already carry state from a previous run.
func (s *Server) seedBotStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().Format(time.RFC3339Nano)
	for _, d := range s.mgr.Registry().Descriptors() {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO bot_status (kind, name, status, updated_at)
VALUES (?,?,?,?)
ON CONFLICT(kind) DO UPDATE SET name=excluded.name
`, string(d.Kind), d.DisplayName(), string(supervisor.StatusStopped), now)
		if err != nil {
			return err
		}
	}
	return nil
}

// mirrorSnapshots folds a status_all run into the sqlite mirror.
func (s *Server) mirrorSnapshots(ctx context.Context, snaps []supervisor.Snapshot) error {
	now := time.Now().Format(time.RFC3339Nano)
	for _, snap := range snaps {
		var startedAt, heartbeat *string
		if snap.StartedAt != nil {
			v := snap.StartedAt.Format(time.RFC3339Nano)
			startedAt = &v
		}
		if snap.LastHeartbeat != nil {
			v := snap.LastHeartbeat.Format(time.RFC3339Nano)
			heartbeat = &v
		}
		_, err := s.db.ExecContext(ctx, `
UPDATE bot_status
SET status=?, pid=?, started_at=?, last_heartbeat=?, updated_at=?
WHERE kind=?
`, string(snap.Status), snap.PID, startedAt, heartbeat, now, string(snap.Kind))
		if err != nil {
			return err
		}
	}
	return nil
}

// recordBotExit stamps an observed exit onto the mirror row.
func (s *Server) recordBotExit(ctx context.Context, kind supervisor.Kind, st supervisor.ExitStatus) error {
	var lastErr *string
	if st.Err != "" {
		v := st.Err
		lastErr = &v
	}
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
UPDATE bot_status
SET status=?, pid=NULL, last_exit_at=?, last_exit_code=?, last_error=?, updated_at=?
WHERE kind=?
`, string(supervisor.StatusStopped), st.At.Format(time.RFC3339Nano), st.Code, lastErr, now, string(kind))
	return err
}

// setDesiredRunning flips the operator intent flag; starting a bot also
// resets the restart budget.
func (s *Server) setDesiredRunning(ctx context.Context, kind supervisor.Kind, desired bool) error {
	now := time.Now().Format(time.RFC3339Nano)
	if desired {
		_, err := s.db.ExecContext(ctx, `
UPDATE bot_status SET desired_running=1, restart_attempts=0, updated_at=? WHERE kind=?
`, now, string(kind))
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE bot_status SET desired_running=0, updated_at=? WHERE kind=?
`, now, string(kind))
	return err
}

type restartState struct {
	Desired       bool
	Attempts      int
	LastRestartAt *time.Time
}

func (s *Server) getRestartState(ctx context.Context, kind supervisor.Kind) (restartState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT desired_running, restart_attempts, last_restart_at FROM bot_status WHERE kind=?
`, string(kind))
	var (
		st      restartState
		desired int
		lastAt  sql.NullString
	)
	if err := row.Scan(&desired, &st.Attempts, &lastAt); err != nil {
		return restartState{}, err
	}
	st.Desired = desired != 0
	if lastAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAt.String); err == nil {
			st.LastRestartAt = &t
		}
	}
	return st, nil
}

func (s *Server) bumpRestartAttempts(ctx context.Context, kind supervisor.Kind) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
UPDATE bot_status SET restart_attempts=restart_attempts+1, last_restart_at=?, updated_at=? WHERE kind=?
`, now, now, string(kind))
	return err
}

func (s *Server) resetRestartAttempts(ctx context.Context, kind supervisor.Kind) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
UPDATE bot_status SET restart_attempts=0, updated_at=? WHERE kind=?
`, now, string(kind))
	return err
}

func (s *Server) getBotStatusRow(ctx context.Context, kind supervisor.Kind) (*BotStatusRow, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT kind, name, status, pid, desired_running, restart_attempts, last_restart_at,
       started_at, last_heartbeat, last_exit_at, last_exit_code, last_error, updated_at
FROM bot_status WHERE kind=?
`, string(kind))
	return scanBotStatusRow(row)
}

func scanBotStatusRow(row *sql.Row) (*BotStatusRow, error) {
	var (
		b         BotStatusRow
		pid       sql.NullInt64
		desired   int
		restartAt sql.NullString
		startedAt sql.NullString
		heartbeat sql.NullString
		exitAt    sql.NullString
		exitCode  sql.NullInt64
		lastErr   sql.NullString
		updatedAt string
	)
	err := row.Scan(&b.Kind, &b.Name, &b.Status, &pid, &desired, &b.RestartAttempts, &restartAt,
		&startedAt, &heartbeat, &exitAt, &exitCode, &lastErr, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	b.DesiredRunning = desired != 0
	if pid.Valid {
		v := int(pid.Int64)
		b.PID = &v
	}
	b.LastRestartAt = parseNullTime(restartAt)
	b.StartedAt = parseNullTime(startedAt)
	b.LastHeartbeat = parseNullTime(heartbeat)
	b.LastExitAt = parseNullTime(exitAt)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		b.LastExitCode = &v
	}
	if lastErr.Valid {
		v := lastErr.String
		b.LastError = &v
	}
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

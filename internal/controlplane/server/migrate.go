package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Server) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS bot_status (
  kind TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'stopped',
  pid INTEGER,
  desired_running INTEGER NOT NULL DEFAULT 0,
  restart_attempts INTEGER NOT NULL DEFAULT 0,
  last_restart_at TEXT,
  started_at TEXT,
  last_heartbeat TEXT,
  last_exit_at TEXT,
  last_exit_code INTEGER,
  last_error TEXT,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS op_runs (
  id TEXT PRIMARY KEY,
  op TEXT NOT NULL,
  kind TEXT,
  caller TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  ok INTEGER,
  error TEXT,
  meta_json TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_op_runs_started_at ON op_runs(started_at DESC);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}

	// older databases predate the auto-restart columns; SQLite has no
	// ADD COLUMN IF NOT EXISTS
	for _, col := range []struct {
		name string
		ddl  string
	}{
		{"desired_running", `ALTER TABLE bot_status ADD COLUMN desired_running INTEGER NOT NULL DEFAULT 0;`},
		{"restart_attempts", `ALTER TABLE bot_status ADD COLUMN restart_attempts INTEGER NOT NULL DEFAULT 0;`},
		{"last_restart_at", `ALTER TABLE bot_status ADD COLUMN last_restart_at TEXT;`},
	} {
		ok, err := hasColumn(ctx, s.db, "bot_status", col.name)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
				return fmt.Errorf("alter bot_status add %s: %w", col.name, err)
			}
		}
	}

	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table string, col string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	// PRAGMA table_info columns: cid,name,type,notnull,dflt_value,pk
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

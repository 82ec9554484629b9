package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

func (s *Server) insertOpRunStart(ctx context.Context, op string, kind *string, caller string, metaJSON *string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO op_runs (id, op, kind, caller, started_at, meta_json)
VALUES (?,?,?,?,?,?)
`, id, op, kind, caller, time.Now().Format(time.RFC3339Nano), metaJSON)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) finishOpRun(ctx context.Context, runID string, ok bool, errMsg *string, metaJSON *string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE op_runs
SET finished_at=?, ok=?, error=?, meta_json=COALESCE(?, meta_json)
WHERE id=?
`, time.Now().Format(time.RFC3339Nano), boolToInt(ok), errMsg, metaJSON, runID)
	return err
}

func (s *Server) listOpRuns(ctx context.Context, limit int) ([]OpRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, op, kind, caller, started_at, finished_at, ok, error, meta_json
FROM op_runs
ORDER BY started_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpRun
	for rows.Next() {
		var (
			o          OpRun
			kind       sql.NullString
			startedAt  string
			finishedAt sql.NullString
			okVal      sql.NullInt64
			errStr     sql.NullString
			meta       sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Op, &kind, &o.Caller, &startedAt, &finishedAt, &okVal, &errStr, &meta); err != nil {
			return nil, err
		}
		if kind.Valid {
			v := kind.String
			o.Kind = &v
		}
		o.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
				o.FinishedAt = &t
			}
		}
		if okVal.Valid {
			v := okVal.Int64 != 0
			o.OK = &v
		}
		if errStr.Valid {
			v := errStr.String
			o.Error = &v
		}
		if meta.Valid {
			v := meta.String
			o.MetaJSON = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tradesys/botkeeper/internal/supervisor"
	"github.com/tradesys/botkeeper/pkg/logger"
)

func statusForErr(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// auditStart opens an op_runs row for the caller's operation. Audit failures
// are logged and never block the operation itself.
func (s *Server) auditStart(r *http.Request, op string, kind string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pr := principalFrom(r.Context())
	var kindPtr *string
	if kind != "" {
		kindPtr = &kind
	}
	id, err := s.insertOpRunStart(ctx, op, kindPtr, pr.Label(), nil)
	if err != nil {
		logger.Warnf("op audit insert failed: %v", err)
		return ""
	}
	return id
}

func (s *Server) auditFinish(runID string, ok bool, errMsg string, meta map[string]any) {
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	var metaPtr *string
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			v := string(raw)
			metaPtr = &v
		}
	}
	if err := s.finishOpRun(ctx, runID, ok, errPtr, metaPtr); err != nil {
		logger.Warnf("op audit finish failed: %v", err)
	}
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	runID := s.auditStart(r, "start", string(kind))

	t0 := time.Now()
	res, err := s.mgr.Start(r.Context(), kind)
	s.metrics.OpDuration.WithLabelValues("start").Observe(time.Since(t0).Seconds())
	if err != nil {
		s.metrics.StartsTotal.WithLabelValues(string(kind), "error").Inc()
		if errors.Is(err, supervisor.ErrLaunchFailed) || errors.Is(err, supervisor.ErrScriptNotFound) {
			_ = s.notifier.Send(fmt.Sprintf("botkeeper: bot %s failed to start: %v", kind, err))
		}
		s.auditFinish(runID, false, err.Error(), nil)
		writeError(w, statusForErr(err), err.Error())
		return
	}
	s.metrics.StartsTotal.WithLabelValues(string(kind), "ok").Inc()
	s.metrics.BotUp.WithLabelValues(string(kind)).Set(1)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.setDesiredRunning(ctx, kind, true); err != nil {
		logger.Warnf("bot %s: update desired_running failed: %v", kind, err)
	}
	s.syncStatusFile()
	s.auditFinish(runID, true, "", map[string]any{"pid": res.PID})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pid": res.PID, "started_at": res.StartedAt})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	runID := s.auditStart(r, "stop", string(kind))

	t0 := time.Now()
	res, err := s.mgr.Stop(r.Context(), kind)
	s.metrics.OpDuration.WithLabelValues("stop").Observe(time.Since(t0).Seconds())
	if err != nil {
		s.metrics.StopsTotal.WithLabelValues(string(kind), "error").Inc()
		s.auditFinish(runID, false, err.Error(), nil)
		writeError(w, statusForErr(err), err.Error())
		return
	}
	s.metrics.StopsTotal.WithLabelValues(string(kind), "ok").Inc()
	s.metrics.BotUp.WithLabelValues(string(kind)).Set(0)
	if res.Forced {
		s.metrics.ForceKills.WithLabelValues(string(kind)).Inc()
	}
	if res.Sweep.Killed > 0 {
		s.metrics.SweepKills.WithLabelValues(string(kind)).Add(float64(res.Sweep.Killed))
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.setDesiredRunning(ctx, kind, false); err != nil {
		logger.Warnf("bot %s: update desired_running failed: %v", kind, err)
	}

	msg := "stopped"
	if res.AlreadyStopped {
		msg = "already stopped"
	}
	s.syncStatusFile()
	s.auditFinish(runID, true, "", map[string]any{"message": msg, "forced": res.Forced})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": msg,
		"forced":  res.Forced,
		"sweep":   res.Sweep,
	})
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	runID := s.auditStart(r, "restart", string(kind))

	t0 := time.Now()
	res, err := s.mgr.Restart(r.Context(), kind)
	s.metrics.OpDuration.WithLabelValues("restart").Observe(time.Since(t0).Seconds())
	if err != nil {
		s.metrics.RestartsTotal.WithLabelValues(string(kind), "error").Inc()
		if errors.Is(err, supervisor.ErrLaunchFailed) || errors.Is(err, supervisor.ErrScriptNotFound) {
			_ = s.notifier.Send(fmt.Sprintf("botkeeper: bot %s failed to restart: %v", kind, err))
		}
		s.auditFinish(runID, false, err.Error(), nil)
		writeError(w, statusForErr(err), err.Error())
		return
	}
	s.metrics.RestartsTotal.WithLabelValues(string(kind), "ok").Inc()
	s.metrics.BotUp.WithLabelValues(string(kind)).Set(1)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.setDesiredRunning(ctx, kind, true); err != nil {
		logger.Warnf("bot %s: update desired_running failed: %v", kind, err)
	}
	s.syncStatusFile()
	s.auditFinish(runID, true, "", map[string]any{"pid": res.PID})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pid": res.PID, "started_at": res.StartedAt})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	snap, err := s.mgr.StatusFor(kind)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	kind := supervisor.Kind(pathParam(r, "kind"))
	snap, err := s.mgr.StatusFor(kind)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	row, err := s.getBotStatusRow(ctx, kind)
	if err != nil {
		logger.Warnf("bot %s: read mirror row failed: %v", kind, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot": snap, "record": row})
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	report := s.mgr.StatusAll()
	if err := s.statusFile.Refresh(report.Bots); err != nil {
		logger.Warnf("status file refresh failed: %v", err)
	}
	writeJSON(w, http.StatusOK, report)
}

// syncStatusFile mirrors the current snapshots into the shared status file.
// Transition paths call it so the file never lags an operator action.
func (s *Server) syncStatusFile() {
	if err := s.statusFile.Refresh(s.mgr.StatusAll().Bots); err != nil {
		logger.Warnf("status file refresh failed: %v", err)
	}
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	runID := s.auditStart(r, "start_all", "")

	t0 := time.Now()
	batch := s.mgr.StartAll(r.Context())
	s.metrics.OpDuration.WithLabelValues("start_all").Observe(time.Since(t0).Seconds())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for kind, res := range batch.Results {
		outcome := "error"
		if res.OK {
			outcome = "ok"
			if err := s.setDesiredRunning(ctx, kind, true); err != nil {
				logger.Warnf("bot %s: update desired_running failed: %v", kind, err)
			}
		}
		s.metrics.StartsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
	s.syncStatusFile()
	s.auditFinish(runID, batch.OK, "", map[string]any{"message": batch.Message})
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	runID := s.auditStart(r, "stop_all", "")

	t0 := time.Now()
	batch := s.mgr.StopAll(r.Context())
	s.metrics.OpDuration.WithLabelValues("stop_all").Observe(time.Since(t0).Seconds())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for kind, res := range batch.Results {
		outcome := "error"
		if res.OK {
			outcome = "ok"
			if err := s.setDesiredRunning(ctx, kind, false); err != nil {
				logger.Warnf("bot %s: update desired_running failed: %v", kind, err)
			}
		}
		s.metrics.StopsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
	s.syncStatusFile()
	s.auditFinish(runID, batch.OK, "", map[string]any{"message": batch.Message})
	writeJSON(w, http.StatusOK, batch)
}

package server

import (
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// buildHealth wires the /healthz and /readyz probes. Liveness guards against
// goroutine leaks from stuck SSE/websocket streams; readiness covers the
// sqlite mirror and the log directory the launcher writes into.
func (s *Server) buildHealth() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(500))
	h.AddReadinessCheck("sqlite", healthcheck.DatabasePingCheck(s.db, time.Second))
	h.AddReadinessCheck("logs-dir", func() error {
		_, err := os.Stat(s.cfg.LogsDir)
		return err
	})
	return h
}

package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tradesys/botkeeper/internal/ipc"
	"github.com/tradesys/botkeeper/internal/supervisor"
	"github.com/tradesys/botkeeper/pkg/logger"
)

func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCtx = ctx
	s.bgCancel = cancel

	statusInterval := parseDurationEnv("BOTKEEPER_STATUS_REFRESH_INTERVAL", 10*time.Second)
	ipcInterval := parseDurationEnv("BOTKEEPER_IPC_POLL_INTERVAL", 15*time.Second)

	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		s.statusRefreshLoop(ctx, statusInterval)
	}()
	go func() {
		defer s.bgWG.Done()
		s.ipcPollLoop(ctx, ipcInterval)
	}()
}

// statusRefreshLoop keeps the status file, the sqlite mirror and the bot_up
// gauges in step with the supervisor.
func (s *Server) statusRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refreshStatusOnce(ctx)
		}
	}
}

func (s *Server) refreshStatusOnce(ctx context.Context) {
	report := s.mgr.StatusAll()
	s.metrics.StatusRefreshes.Inc()

	for _, snap := range report.Bots {
		up := 0.0
		if snap.Status == supervisor.StatusRunning {
			up = 1.0
		}
		s.metrics.BotUp.WithLabelValues(string(snap.Kind)).Set(up)
	}

	if err := s.statusFile.Refresh(report.Bots); err != nil {
		logger.Warnf("status file refresh failed: %v", err)
	}

	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.mirrorSnapshots(dbCtx, report.Bots); err != nil {
		logger.Warnf("status mirror update failed: %v", err)
	}
}

// ipcPollLoop warms the data cache for every running bot that carries a data
// channel, so web reads rarely pay the socket round trip.
func (s *Server) ipcPollLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pollDataChannels(ctx)
		}
	}
}

func (s *Server) pollDataChannels(ctx context.Context) {
	for _, d := range s.mgr.Registry().Descriptors() {
		if d.IPCPort <= 0 {
			continue
		}
		snap, err := s.mgr.StatusFor(d.Kind)
		if err != nil || snap.Status != supervisor.StatusRunning {
			continue
		}
		client := ipc.NewClient(fmt.Sprintf("127.0.0.1:%d", d.IPCPort))
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		data, err := client.GetData(cctx)
		cancel()
		if err != nil {
			s.metrics.IPCPolls.WithLabelValues(string(d.Kind), "error").Inc()
			logger.Debugf("bot %s: data poll failed: %v", d.Kind, err)
			continue
		}
		s.metrics.IPCPolls.WithLabelValues(string(d.Kind), "ok").Inc()
		s.dataCache.Set(string(d.Kind), data)
	}
}

// handleBotExit runs on its own goroutine whenever a supervised bot dies on
// its own. Manual stops never land here.
func (s *Server) handleBotExit(kind supervisor.Kind, st supervisor.ExitStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.metrics.ExitsTotal.WithLabelValues(string(kind)).Inc()
	s.metrics.BotUp.WithLabelValues(string(kind)).Set(0)

	if err := s.recordBotExit(ctx, kind, st); err != nil {
		logger.Warnf("bot %s: record exit failed: %v", kind, err)
	}
	s.syncStatusFile()
	if st.Code != 0 {
		_ = s.notifier.Send(fmt.Sprintf("botkeeper: bot %s exited with code %d", kind, st.Code))
	}

	if !s.autoRestart {
		return
	}
	rs, err := s.getRestartState(ctx, kind)
	if err != nil {
		logger.Warnf("bot %s: read restart state failed: %v", kind, err)
		return
	}
	if !rs.Desired {
		return
	}

	attempts := rs.Attempts
	if rs.LastRestartAt != nil && time.Since(*rs.LastRestartAt) > s.flapWindow {
		// the last restart held long enough; start over with a fresh budget
		attempts = 0
		if err := s.resetRestartAttempts(ctx, kind); err != nil {
			logger.Warnf("bot %s: reset restart attempts failed: %v", kind, err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for i := 0; i < attempts; i++ {
		_ = bo.NextBackOff()
	}

	for attempts < s.maxRestartAttempts {
		delay := bo.NextBackOff()
		logger.Infof("bot %s: auto-restart attempt %d/%d in %s", kind, attempts+1, s.maxRestartAttempts, delay)
		select {
		case <-s.bgCtx.Done():
			return
		case <-time.After(delay):
		}

		attempts++
		bumpCtx, bumpCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.bumpRestartAttempts(bumpCtx, kind); err != nil {
			logger.Warnf("bot %s: bump restart attempts failed: %v", kind, err)
		}
		bumpCancel()

		_, err := s.mgr.Start(context.Background(), kind)
		if err == nil {
			logger.Infof("bot %s: auto-restarted", kind)
			s.metrics.RestartsTotal.WithLabelValues(string(kind), "auto").Inc()
			s.metrics.BotUp.WithLabelValues(string(kind)).Set(1)
			return
		}
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			// an operator beat us to it
			return
		}
		logger.Warnf("bot %s: auto-restart attempt %d failed: %v", kind, attempts, err)
	}

	logger.Errorf("bot %s: crashed %d times inside the flap window, giving up", kind, attempts)
	_ = s.notifier.Send(fmt.Sprintf("botkeeper: giving up on bot %s after %d restart attempts", kind, attempts))
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare numbers mean seconds
		if n, err2 := strconv.Atoi(v); err2 == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return def
	}
	return d
}

func parseIntEnv(key string, def int, min int, max int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func parseBoolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

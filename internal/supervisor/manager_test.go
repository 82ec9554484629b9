package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, extra ...Descriptor) *Manager {
	t.Helper()
	dir := t.TempDir()
	defs := []Descriptor{
		{Kind: "grid", Name: "Grid Bot", Script: writeScript(t, dir, "grid.sh", "sleep 30\n")},
		{Kind: "scalp", Name: "Scalp Bot", Script: writeScript(t, dir, "scalp.sh", "sleep 30\n")},
	}
	defs = append(defs, extra...)
	reg, err := NewRegistry(defs)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	m := New(reg, NewLauncher(dir), Options{
		LivenessWindow: 150 * time.Millisecond,
		StopGrace:      2 * time.Second,
		RestartSettle:  50 * time.Millisecond,
		DisableSweep:   true,
	})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func TestStartUnknownKind(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Start(context.Background(), "nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := m.Stop(context.Background(), "nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("stop expected ErrUnknownKind, got %v", err)
	}
	if _, err := m.StatusFor("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("status expected ErrUnknownKind, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, "grid")
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if res.PID <= 0 {
		t.Fatalf("invalid pid %d", res.PID)
	}
	if res.StartedAt.After(time.Now()) {
		t.Fatalf("StartedAt in the future: %s", res.StartedAt)
	}

	snap, err := m.StatusFor("grid")
	if err != nil {
		t.Fatalf("StatusFor error: %v", err)
	}
	if snap.Status != StatusRunning {
		t.Fatalf("status got=%s want=%s", snap.Status, StatusRunning)
	}
	if snap.PID == nil || *snap.PID != res.PID {
		t.Fatalf("snapshot pid mismatch: %v vs %d", snap.PID, res.PID)
	}
	if snap.StartedAt == nil || snap.StartedAt.After(time.Now()) {
		t.Fatalf("snapshot started_at invalid: %v", snap.StartedAt)
	}
	if snap.Uptime == "" {
		t.Fatalf("expected a formatted uptime for a running bot")
	}
	if !newProcessSignals().Alive(res.PID) {
		t.Fatalf("pid %d should be a live OS process", res.PID)
	}

	stopRes, err := m.Stop(ctx, "grid")
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if stopRes.AlreadyStopped {
		t.Fatalf("stop of a running bot reported already_stopped")
	}
	if stopRes.Forced {
		t.Fatalf("cooperative script should not need a force-kill")
	}
	waitDead(t, res.PID, 3*time.Second)

	snap, err = m.StatusFor("grid")
	if err != nil {
		t.Fatalf("StatusFor error: %v", err)
	}
	if snap.Status != StatusStopped || snap.PID != nil || snap.StartedAt != nil {
		t.Fatalf("expected a cleared stopped snapshot, got %+v", snap)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, "grid")
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := m.Start(ctx, "grid"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start expected ErrAlreadyRunning, got %v", err)
	}
	snap, _ := m.StatusFor("grid")
	if snap.PID == nil || *snap.PID != first.PID {
		t.Fatalf("pid changed after rejected start: %v vs %d", snap.PID, first.PID)
	}
}

func TestStopIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := m.Stop(ctx, "grid")
		if err != nil {
			t.Fatalf("Stop #%d error: %v", i+1, err)
		}
		if !res.AlreadyStopped {
			t.Fatalf("Stop #%d should report already stopped", i+1)
		}
	}
}

func TestStopForceKillsStubbornProcess(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry([]Descriptor{{
		Kind:   "stubborn",
		Script: writeScript(t, dir, "stubborn.sh", "trap '' TERM\nwhile true; do sleep 1; done\n"),
	}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	m := New(reg, NewLauncher(dir), Options{
		LivenessWindow: 150 * time.Millisecond,
		StopGrace:      700 * time.Millisecond,
		DisableSweep:   true,
	})
	ctx := context.Background()

	res, err := m.Start(ctx, "stubborn")
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { _ = newProcessSignals().Kill(res.PID) })
	stopRes, err := m.Stop(ctx, "stubborn")
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if !stopRes.Forced {
		t.Fatalf("expected force-kill escalation for a TERM-ignoring process")
	}
	waitDead(t, res.PID, 2*time.Second)
}

func TestRestartChangesPID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, "grid")
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	second, err := m.Restart(ctx, "grid")
	if err != nil {
		t.Fatalf("Restart error: %v", err)
	}
	if second.PID == first.PID {
		t.Fatalf("restart kept pid %d", first.PID)
	}
	waitDead(t, first.PID, 3*time.Second)

	snap, _ := m.StatusFor("grid")
	if snap.Status != StatusRunning || snap.PID == nil || *snap.PID != second.PID {
		t.Fatalf("post-restart snapshot wrong: %+v", snap)
	}
}

func TestRestartFromStopped(t *testing.T) {
	m := newTestManager(t)
	res, err := m.Restart(context.Background(), "scalp")
	if err != nil {
		t.Fatalf("Restart of a stopped bot should start it, got %v", err)
	}
	if res.PID <= 0 {
		t.Fatalf("invalid pid %d", res.PID)
	}
}

func TestCrashedBotReconciledToStopped(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry([]Descriptor{{
		Kind:   "flaky",
		Script: writeScript(t, dir, "flaky.sh", "sleep 0.4\nexit 7\n"),
	}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	exitCh := make(chan ExitStatus, 1)
	m := New(reg, NewLauncher(dir), Options{
		LivenessWindow: 100 * time.Millisecond,
		DisableSweep:   true,
		OnExit: func(kind Kind, st ExitStatus) {
			if kind == "flaky" {
				select {
				case exitCh <- st:
				default:
				}
			}
		},
	})

	if _, err := m.Start(context.Background(), "flaky"); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var st ExitStatus
	select {
	case st = <-exitCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("OnExit never fired for the crashed bot")
	}
	if st.Code != 7 {
		t.Fatalf("exit code got=%d want=7", st.Code)
	}

	snap, err := m.StatusFor("flaky")
	if err != nil {
		t.Fatalf("StatusFor error: %v", err)
	}
	if snap.Status != StatusStopped {
		t.Fatalf("crashed bot should reconcile to stopped, got %s", snap.Status)
	}
	if snap.LastExitCode == nil || *snap.LastExitCode != 7 {
		t.Fatalf("last exit code not recorded: %v", snap.LastExitCode)
	}
}

func TestLaunchFailureDoesNotFireOnExit(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry([]Descriptor{{
		Kind:   "crashy",
		Script: writeScript(t, dir, "crashy.sh", "echo nope >&2\nexit 2\n"),
	}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	fired := make(chan Kind, 1)
	m := New(reg, NewLauncher(dir), Options{
		LivenessWindow: 300 * time.Millisecond,
		DisableSweep:   true,
		OnExit:         func(kind Kind, _ ExitStatus) { fired <- kind },
	})

	_, err = m.Start(context.Background(), "crashy")
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	select {
	case kind := <-fired:
		t.Fatalf("OnExit fired for failed launch of %s", kind)
	case <-time.After(500 * time.Millisecond):
	}

	snap, _ := m.StatusFor("crashy")
	if snap.Status != StatusStopped {
		t.Fatalf("failed launch must leave the bot stopped, got %s", snap.Status)
	}
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Start(ctx, "grid")
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyRunning):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("want exactly one winner and one AlreadyRunning, got winners=%d losers=%d", winners, losers)
	}
}

func TestStatusAllSummaryExcludesInternal(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Descriptor{
		Kind:     "controller",
		Script:   writeScript(t, dir, "controller.sh", "sleep 30\n"),
		Internal: true,
	})
	ctx := context.Background()

	report := m.StatusAll()
	if len(report.Bots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(report.Bots))
	}
	if report.Summary.Total != 2 || report.Summary.Active != 0 || report.Summary.Inactive != 2 {
		t.Fatalf("initial summary wrong: %+v", report.Summary)
	}

	if _, err := m.Start(ctx, "grid"); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	report = m.StatusAll()
	if report.Summary.Total != 2 || report.Summary.Active != 1 || report.Summary.Inactive != 1 {
		t.Fatalf("summary after start wrong: %+v", report.Summary)
	}
	if report.Summary.Active+report.Summary.Inactive != report.Summary.Total {
		t.Fatalf("summary invariant broken: %+v", report.Summary)
	}
}

func TestStartAllStopAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	batch := m.StartAll(ctx)
	if !batch.OK {
		t.Fatalf("StartAll not OK: %+v", batch)
	}
	if len(batch.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(batch.Results))
	}
	gridRes, scalpRes := batch.Results["grid"], batch.Results["scalp"]
	if !gridRes.OK || !scalpRes.OK {
		t.Fatalf("per-kind results not OK: %+v", batch.Results)
	}
	if gridRes.PID == nil || scalpRes.PID == nil || *gridRes.PID == *scalpRes.PID {
		t.Fatalf("expected two distinct pids, got %v and %v", gridRes.PID, scalpRes.PID)
	}

	report := m.StatusAll()
	if report.Summary.Total != 2 || report.Summary.Active != 2 || report.Summary.Inactive != 0 {
		t.Fatalf("summary after StartAll wrong: %+v", report.Summary)
	}

	batch = m.StopAll(ctx)
	if !batch.OK {
		t.Fatalf("StopAll not OK: %+v", batch)
	}
	report = m.StatusAll()
	if report.Summary.Total != 2 || report.Summary.Active != 0 || report.Summary.Inactive != 2 {
		t.Fatalf("summary after StopAll wrong: %+v", report.Summary)
	}

	// second StopAll is the idempotent path
	batch = m.StopAll(ctx)
	if !batch.OK {
		t.Fatalf("repeat StopAll not OK: %+v", batch)
	}
	for kind, res := range batch.Results {
		if res.Message != "already stopped" {
			t.Fatalf("%s message got=%q want=%q", kind, res.Message, "already stopped")
		}
	}
}

func TestStartAllSkipsInternalStopAllIncludesThem(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Descriptor{
		Kind:     "controller",
		Script:   writeScript(t, dir, "controller.sh", "sleep 30\n"),
		Internal: true,
	})
	ctx := context.Background()

	batch := m.StartAll(ctx)
	if _, present := batch.Results["controller"]; present {
		t.Fatalf("StartAll must skip internal kinds, got result %+v", batch.Results["controller"])
	}
	if !strings.Contains(batch.Message, "2/2") {
		t.Fatalf("message should count workers only, got %q", batch.Message)
	}
	snap, err := m.StatusFor("controller")
	if err != nil {
		t.Fatalf("StatusFor error: %v", err)
	}
	if snap.Status != StatusStopped {
		t.Fatalf("internal kind should stay stopped after StartAll, got %s", snap.Status)
	}

	if _, err := m.Start(ctx, "controller"); err != nil {
		t.Fatalf("direct start of an internal kind must work: %v", err)
	}
	batch = m.StopAll(ctx)
	if len(batch.Results) != 3 {
		t.Fatalf("StopAll should cover internal kinds too, got %d results", len(batch.Results))
	}
	if res := batch.Results["controller"]; !res.OK || res.Message != "stopped" {
		t.Fatalf("controller stop result wrong: %+v", res)
	}
}

func TestStartAllPartialFailure(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Descriptor{
		Kind:   "broken",
		Script: filepath.Join(dir, "does-not-exist.sh"),
	})
	ctx := context.Background()

	batch := m.StartAll(ctx)
	if !batch.OK {
		t.Fatalf("batch with one success should be OK: %+v", batch)
	}
	if !strings.Contains(batch.Message, "2/3") {
		t.Fatalf("message should summarize counts, got %q", batch.Message)
	}
	if batch.Results["broken"].OK {
		t.Fatalf("broken kind should have failed")
	}
	if !strings.Contains(batch.Results["broken"].Message, "not found") {
		t.Fatalf("broken kind message got=%q", batch.Results["broken"].Message)
	}
}

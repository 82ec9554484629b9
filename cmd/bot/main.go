package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesys/botkeeper/internal/config"
	"github.com/tradesys/botkeeper/internal/ipc"
	"github.com/tradesys/botkeeper/pkg/logger"
	"github.com/tradesys/botkeeper/pkg/persistence"
	"github.com/tradesys/botkeeper/pkg/shutdown"
	"github.com/tradesys/botkeeper/pkg/syncgroup"
)

func main() {
	configPath := flag.String("config", "", "runtime config path (usually /proc/self/fd/N handed over by the supervisor)")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("init logger: %v", err))
	}

	if *configPath == "" {
		fatal(fmt.Errorf("-config is required"))
	}
	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		fatal(err)
	}

	logger.Infof("bot %s (%s) starting: pid=%d symbol=%s tick=%dms",
		cfg.Kind, cfg.Name, os.Getpid(), cfg.Sim.Symbol, cfg.Sim.TickMS)
	if len(cfg.Credentials) > 0 {
		logger.Infof("credentials injected: %d keys", len(cfg.Credentials))
	}

	w := newWorker(cfg)
	if err := w.start(); err != nil {
		fatal(err)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh
	logger.Info("signal received, shutting down")

	w.stop()
	logger.Infof("bot %s stopped: ticks=%d pnl=%s", cfg.Kind, w.ticks(), w.pnl())
}

// fatal writes to stderr so the supervisor's capture shows the cause when a
// start fails.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

var (
	hundred  = decimal.NewFromInt(100)
	exposure = decimal.NewFromFloat(0.1)
)

// botState is the document persisted between runs.
type botState struct {
	Balance   decimal.Decimal `json:"balance"`
	PnL       decimal.Decimal `json:"pnl"`
	Ticks     int64           `json:"ticks"`
	LastPrice decimal.Decimal `json:"last_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type worker struct {
	cfg *config.WorkerConfig

	ipcSrv *ipc.Server       // nil without a data channel
	store  persistence.Store // nil without a persistence dir

	sd *shutdown.Manager
	sg *syncgroup.SyncGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state botState
	rnd   *rand.Rand
}

func newWorker(cfg *config.WorkerConfig) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		cfg:    cfg,
		sd:     shutdown.NewManager(),
		sg:     syncgroup.NewSyncGroup(),
		ctx:    ctx,
		cancel: cancel,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.PersistenceDir != "" {
		w.store = persistence.NewJSONFileService(cfg.PersistenceDir).NewStore("bot", cfg.Kind, "state")
	}
	return w
}

func (w *worker) start() error {
	w.loadState()

	if w.cfg.IPCPort > 0 {
		w.ipcSrv = ipc.NewServer(w.cfg.IPCPort)
		if err := w.ipcSrv.Start(); err != nil {
			return err
		}
		w.sd.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
			w.ipcSrv.Stop()
		})
		w.mu.Lock()
		w.publishLocked()
		w.mu.Unlock()
	}

	w.sd.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		w.saveState()
	})

	w.sg.Add(w.tickLoop)
	if w.ipcSrv != nil {
		w.sg.Add(w.watchWrites)
	}
	w.sg.Run()
	return nil
}

func (w *worker) stop() {
	w.cancel()
	w.sg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.sd.Shutdown(ctx)
}

func (w *worker) loadState() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = botState{
		Balance: decimal.NewFromFloat(w.cfg.Sim.BaseBalance),
		// synthetic price series; the level is arbitrary, only the drift matters
		LastPrice: decimal.NewFromInt(100),
		UpdatedAt: time.Now(),
	}
	if w.store == nil {
		return
	}

	var saved botState
	err := w.store.Load(&saved)
	switch {
	case err == persistence.ErrNotExists:
	case err != nil:
		logger.Warnf("load state: %v (starting fresh)", err)
	default:
		if saved.Balance.IsZero() {
			saved.Balance = decimal.NewFromFloat(w.cfg.Sim.BaseBalance)
		}
		if saved.LastPrice.IsZero() {
			saved.LastPrice = decimal.NewFromInt(100)
		}
		w.state = saved
		logger.Infof("state restored: balance=%s pnl=%s ticks=%d", saved.Balance, saved.PnL, saved.Ticks)
	}
}

func (w *worker) saveState() {
	if w.store == nil {
		return
	}
	w.mu.Lock()
	snap := w.state
	w.mu.Unlock()
	if err := w.store.Save(snap); err != nil {
		logger.Warnf("save state: %v", err)
	}
}

func (w *worker) tickLoop() {
	interval := time.Duration(w.cfg.Sim.TickMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// heartbeat roughly every 30s regardless of tick rate
	hbEvery := int64(30 * time.Second / interval)
	if hbEvery < 1 {
		hbEvery = 1
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.paused() {
				continue
			}
			ticks := w.tick()
			if ticks%hbEvery == 0 {
				w.heartbeat()
				w.saveState()
			}
		}
	}
}

// paused honors an operator writing {"paused": true} through the data
// channel; the loop idles until the flag is cleared.
func (w *worker) paused() bool {
	if w.ipcSrv == nil {
		return false
	}
	v, ok := w.ipcSrv.Get("paused")
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (w *worker) tick() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	// bounded random walk: each tick moves the price by at most MaxDrift percent
	driftPct := decimal.NewFromFloat((w.rnd.Float64()*2 - 1) * w.cfg.Sim.MaxDrift)
	move := w.state.LastPrice.Mul(driftPct).Div(hundred)
	w.state.LastPrice = w.state.LastPrice.Add(move).Round(4)

	// mark a tenth of the balance to the move
	delta := w.state.Balance.Mul(exposure).Mul(driftPct).Div(hundred).Round(2)
	w.state.Balance = w.state.Balance.Add(delta)
	w.state.PnL = w.state.PnL.Add(delta)
	w.state.Ticks++
	w.state.UpdatedAt = time.Now()

	w.publishLocked()
	return w.state.Ticks
}

// publishLocked pushes the current numbers onto the data channel. Callers
// hold w.mu.
func (w *worker) publishLocked() {
	if w.ipcSrv == nil {
		return
	}
	w.ipcSrv.Update(map[string]any{
		"kind":       w.cfg.Kind,
		"name":       w.cfg.Name,
		"symbol":     w.cfg.Sim.Symbol,
		"status":     "running",
		"pid":        os.Getpid(),
		"balance":    w.state.Balance.String(),
		"pnl":        w.state.PnL.String(),
		"last_price": w.state.LastPrice.String(),
		"ticks":      w.state.Ticks,
		"updated_at": w.state.UpdatedAt.Format(time.RFC3339),
	})
}

func (w *worker) heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	logger.Infof("%s: price=%s balance=%s pnl=%s ticks=%d",
		w.cfg.Name, w.state.LastPrice, w.state.Balance, w.state.PnL, w.state.Ticks)
}

// watchWrites persists right after an operator write lands, so a crash cannot
// lose it.
func (w *worker) watchWrites() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.ipcSrv.Writes.C():
			if v, ok := w.ipcSrv.Get("paused"); ok {
				logger.Infof("pause flag is now %v", v)
			}
			w.saveState()
		}
	}
}

func (w *worker) ticks() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Ticks
}

func (w *worker) pnl() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.PnL.String()
}

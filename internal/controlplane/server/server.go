package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	_ "modernc.org/sqlite"

	"github.com/tradesys/botkeeper/internal/alert"
	"github.com/tradesys/botkeeper/internal/config"
	"github.com/tradesys/botkeeper/internal/metrics"
	"github.com/tradesys/botkeeper/internal/supervisor"
	"github.com/tradesys/botkeeper/pkg/cache"
	"github.com/tradesys/botkeeper/pkg/logger"
	"github.com/tradesys/botkeeper/pkg/secretstore"
)

type Config struct {
	DBPath   string
	BotsFile string
	DataDir  string
	LogsDir  string

	// APIToken guards /api; empty disables auth and every caller becomes an
	// admin override.
	APIToken string

	// Secrets, when non-nil, feeds per-bot credentials into the runtime
	// config payload. Owned by the caller.
	Secrets *secretstore.Store

	// Metrics defaults to a fresh set when nil.
	Metrics *metrics.Set

	// Supervisor knobs, zero means the defaults. Tests tighten these.
	LivenessWindow time.Duration
	StopGrace      time.Duration
	RestartSettle  time.Duration
	DisableSweep   bool
}

type Server struct {
	cfg  Config
	db   *sql.DB
	file *config.File

	mgr        *supervisor.Manager
	statusFile *supervisor.StatusFile
	metrics    *metrics.Set
	notifier   alert.Notifier
	secrets    *secretstore.Store
	dataCache  *cache.BotDataCache
	health     healthcheck.Handler

	autoRestart        bool
	maxRestartAttempts int
	flapWindow         time.Duration

	bgCtx    context.Context
	bgCancel func()
	bgWG     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if cfg.BotsFile == "" {
		return nil, errors.New("bots file is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = "logs"
	}

	file, err := config.Load(cfg.BotsFile)
	if err != nil {
		return nil, err
	}
	reg, err := supervisor.NewRegistry(file.Descriptors())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir logs dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite behaves best on a single connection
	db.SetMaxIdleConns(1)

	met := cfg.Metrics
	if met == nil {
		met = metrics.NewSet()
	}

	statusPath := file.StatusFile
	if statusPath == "" {
		statusPath = filepath.Join(cfg.DataDir, "bot_status.json")
	}

	s := &Server{
		cfg:        cfg,
		db:         db,
		file:       file,
		metrics:    met,
		secrets:    cfg.Secrets,
		statusFile: supervisor.NewStatusFile(statusPath),
		dataCache:  cache.NewBotDataCache(2 * time.Second),

		autoRestart:        parseBoolEnv("BOTKEEPER_AUTO_RESTART", false),
		maxRestartAttempts: parseIntEnv("BOTKEEPER_RESTART_MAX_ATTEMPTS", 5, 1, 50),
		flapWindow:         parseDurationEnv("BOTKEEPER_RESTART_FLAP_WINDOW", 5*time.Minute),
	}

	launcher := supervisor.NewLauncher(cfg.LogsDir)
	s.mgr = supervisor.New(reg, launcher, supervisor.Options{
		LivenessWindow: cfg.LivenessWindow,
		StopGrace:      cfg.StopGrace,
		RestartSettle:  cfg.RestartSettle,
		DisableSweep:   cfg.DisableSweep,
		ConfigProvider: s.buildRuntimeConfig,
		OnExit:         s.handleBotExit,
	})

	s.notifier = s.buildNotifier(file.Alert)
	s.health = s.buildHealth()

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedBotStatus(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.startBackground()
	return s, nil
}

// buildNotifier resolves alert credentials through env and the secret store
// before handing the config to the alert factory. A bad backend degrades to
// noop rather than refusing to start the control plane.
func (s *Server) buildNotifier(cfg alert.Config) alert.Notifier {
	if cfg.TelegramToken == "" {
		cfg.TelegramToken = s.getenv("BOTKEEPER_TELEGRAM_TOKEN")
	}
	if cfg.TelegramChatID == "" {
		cfg.TelegramChatID = s.getenv("BOTKEEPER_TELEGRAM_CHAT_ID")
	}
	n, err := alert.New(cfg)
	if err != nil {
		logger.Warnf("alert notifier disabled: %v", err)
		return alert.NewNoopNotifier()
	}
	return n
}

// buildRuntimeConfig is the launcher's ConfigProvider: the bot's config
// subtree from bots.yaml plus credentials pulled from the secret store under
// env/<kind>/.
func (s *Server) buildRuntimeConfig(d supervisor.Descriptor) ([]byte, error) {
	def, ok := s.file.Def(d.Kind)
	if !ok {
		return nil, fmt.Errorf("no definition for kind %q", d.Kind)
	}
	var creds map[string]string
	if s.secrets != nil {
		m, err := s.secrets.ListPrefix("env/" + string(d.Kind) + "/")
		if err != nil {
			logger.Warnf("bot %s: reading secrets failed: %v", d.Kind, err)
		} else {
			creds = m
		}
	}
	return config.RuntimeYAML(def, creds, s.cfg.DataDir)
}

func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}
	if s.notifier != nil {
		_ = s.notifier.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Manager exposes the lifecycle controller, mainly for shutdown hooks.
func (s *Server) Manager() *supervisor.Manager { return s.mgr }

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(s.health.LiveEndpoint))
	r.GET("/readyz", s.wrap(s.health.ReadyEndpoint))
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api", s.auth())

	bots := api.Group("/bots")
	bots.GET("/", s.wrap(s.handleStatusAll))
	bots.POST("/start_all", s.wrap(s.handleStartAll))
	bots.POST("/stop_all", s.wrap(s.handleStopAll))
	botKind := bots.Group("/:kind")
	botKind.GET("/", s.wrap(s.handleBotGet))
	botKind.POST("/start", s.wrap(s.handleBotStart))
	botKind.POST("/stop", s.wrap(s.handleBotStop))
	botKind.POST("/restart", s.wrap(s.handleBotRestart))
	botKind.GET("/status", s.wrap(s.handleBotStatus))
	botKind.GET("/logs", s.wrap(s.handleBotLogsTail))
	botKind.GET("/logs/stream", s.wrap(s.handleBotLogsStream))
	botKind.GET("/data", s.wrap(s.handleBotData))
	botKind.POST("/data", s.wrap(s.handleBotDataSet))
	botKind.GET("/ping", s.wrap(s.handleBotPing))

	ops := api.Group("/ops")
	ops.GET("/runs", s.wrap(s.handleOpRunsList))

	api.GET("/status/ws", s.wrap(s.handleStatusWS))

	// UI
	r.GET("/", s.wrap(s.handleUI))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "botkeeper_path_params"

// wrap adapts existing net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

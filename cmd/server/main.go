package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradesys/botkeeper/internal/controlplane/server"
	"github.com/tradesys/botkeeper/internal/metrics"
	"github.com/tradesys/botkeeper/pkg/logger"
	"github.com/tradesys/botkeeper/pkg/secretstore"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	getenv := func(key, def string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return def
	}

	var (
		listenAddr  = flag.String("listen", getenv("BOTKEEPER_SERVER_LISTEN", ":8080"), "HTTP listen address")
		dbPath      = flag.String("db", getenv("BOTKEEPER_SERVER_DB", "data/botkeeper.db"), "SQLite db file path")
		botsFile    = flag.String("bots", getenv("BOTKEEPER_BOTS_FILE", "bots.yaml"), "bot table yaml path")
		dataDir     = flag.String("data-dir", getenv("BOTKEEPER_DATA_DIR", "data"), "base data directory")
		logsDir     = flag.String("logs-dir", getenv("BOTKEEPER_LOGS_DIR", "logs"), "base logs directory")
		apiToken    = flag.String("api-token", getenv("BOTKEEPER_API_TOKEN", ""), "API token guarding /api; empty disables auth")
		metricsAddr = flag.String("metrics-listen", getenv("BOTKEEPER_METRICS_LISTEN", ""), "prometheus+pprof listen address; empty disables")
		secretsDB   = flag.String("badger", getenv("BOTKEEPER_SECRETS_DB", ""), "badger secrets db path; empty disables credential injection")
		secretKey   = flag.String("secret-key", getenv("BOTKEEPER_SECRETS_KEY", ""), "badger encryption key (32 bytes, base64 or hex)")
	)
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("init logger: %v", err))
	}

	var secrets *secretstore.Store
	if strings.TrimSpace(*secretsDB) != "" {
		keyBytes, err := secretstore.ParseKey(*secretKey)
		if err != nil {
			logger.Errorf("parse secret key: %v", err)
			os.Exit(1)
		}
		if keyBytes == nil {
			logger.Error("secret key is required: set BOTKEEPER_SECRETS_KEY or pass -secret-key")
			os.Exit(1)
		}
		secrets, err = secretstore.Open(secretstore.OpenOptions{
			Path:          *secretsDB,
			EncryptionKey: keyBytes,
			ReadOnly:      true,
		})
		if err != nil {
			logger.Errorf("open secret store: %v", err)
			os.Exit(1)
		}
		defer secrets.Close()
	}

	set := metrics.NewSet()
	srv, err := server.New(server.Config{
		DBPath:   *dbPath,
		BotsFile: *botsFile,
		DataDir:  *dataDir,
		LogsDir:  *logsDir,
		APIToken: *apiToken,
		Secrets:  secrets,
		Metrics:  set,
	})
	if err != nil {
		logger.Errorf("init server: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if strings.TrimSpace(*metricsAddr) != "" {
		if _, err := metrics.StartAsync(rootCtx, *metricsAddr, set); err != nil {
			logger.Errorf("start metrics server: %v", err)
			os.Exit(1)
		}
	}

	httpSrv := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("botkeeper control plane listening on %s", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh
	logger.Info("signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)

	// supervised bots are not stopped here: they live in their own process
	// groups and a control plane restart must not take them down
	logger.Info("control plane stopped")
}

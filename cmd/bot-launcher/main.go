package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tradesys/botkeeper/internal/config"
	"github.com/tradesys/botkeeper/internal/supervisor"
	"github.com/tradesys/botkeeper/pkg/secretstore"
)

func main() {
	_ = godotenv.Load()

	var (
		botsFile  = flag.String("bots", getenv("BOTKEEPER_BOTS_FILE", "bots.yaml"), "bot table yaml path")
		kindFlag  = flag.String("kind", "", "bot kind to launch (required)")
		dataDir   = flag.String("data-dir", getenv("BOTKEEPER_DATA_DIR", "data"), "base data directory")
		logsDir   = flag.String("logs-dir", getenv("BOTKEEPER_LOGS_DIR", "logs"), "base logs directory")
		secretDB  = flag.String("badger", getenv("BOTKEEPER_SECRETS_DB", ""), "badger secrets db path; empty skips credential injection")
		secretKey = flag.String("secret-key", getenv("BOTKEEPER_SECRETS_KEY", ""), "badger encryption key (32 bytes, base64 or hex)")
		dryRun    = flag.Bool("dry-run", false, "print the runtime config and exit without launching")
		noWait    = flag.Bool("no-wait", false, "print the pid and return instead of waiting for the bot to exit")
	)
	flag.Parse()

	kind := supervisor.Kind(strings.TrimSpace(*kindFlag))
	if kind == "" {
		fatal(fmt.Errorf("-kind is required"))
	}

	file, err := config.Load(*botsFile)
	if err != nil {
		fatal(err)
	}
	reg, err := supervisor.NewRegistry(file.Descriptors())
	if err != nil {
		fatal(err)
	}
	d, err := reg.Descriptor(kind)
	if err != nil {
		fatal(err)
	}
	def, _ := file.Def(kind)

	var creds map[string]string
	if strings.TrimSpace(*secretDB) != "" {
		keyBytes, err := secretstore.ParseKey(*secretKey)
		if err != nil {
			fatal(err)
		}
		if keyBytes == nil {
			fatal(fmt.Errorf("secret key is required: set BOTKEEPER_SECRETS_KEY or pass -secret-key"))
		}
		ss, err := secretstore.Open(secretstore.OpenOptions{
			Path:          *secretDB,
			EncryptionKey: keyBytes,
			ReadOnly:      true,
		})
		if err != nil {
			fatal(err)
		}
		creds, err = ss.ListPrefix("env/" + string(kind) + "/")
		// close before spawning so the badger lock is not held while the bot runs
		_ = ss.Close()
		if err != nil {
			fatal(err)
		}
	}

	runtimeCfg, err := config.RuntimeYAML(def, creds, *dataDir)
	if err != nil {
		fatal(err)
	}

	if *dryRun {
		os.Stdout.Write(runtimeCfg)
		return
	}

	child, err := supervisor.NewLauncher(*logsDir).Spawn(d, runtimeCfg)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("started %s: pid=%d log=%s\n", kind, child.PID, child.LogPath)

	if *noWait {
		return
	}

	// foreground wait; the bot sits in its own process group, so interrupting
	// this launcher leaves it running
	<-child.Done()
	st, _ := child.Exited()
	fmt.Printf("bot %s exited: code=%d\n", kind, st.Code)
	if st.Code > 0 {
		os.Exit(st.Code)
	} else if st.Code < 0 {
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/tradesys/botkeeper/pkg/secretstore"
)

func main() {
	var (
		serverURL = flag.String("server", getenv("BOTKEEPER_SERVER", "http://127.0.0.1:8080"), "control plane base URL")
		apiToken  = flag.String("token", getenv("BOTKEEPER_API_TOKEN", ""), "API token")
		timeout   = flag.Duration("timeout", 30*time.Second, "request timeout")
		secretDB  = flag.String("badger", getenv("BOTKEEPER_SECRETS_DB", "data/secrets.badger"), "badger secrets db path (secret subcommands)")
		secretKey = flag.String("secret-key", getenv("BOTKEEPER_SECRETS_KEY", ""), "badger encryption key (secret subcommands)")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	// secret subcommands work on the local badger db, not the HTTP API
	if args[0] == "secret" {
		if err := runSecret(*secretDB, *secretKey, args[1:]); err != nil {
			fatal(err)
		}
		return
	}

	c := newClient(*serverURL, *apiToken, *timeout)
	if err := c.run(args); err != nil {
		fatal(err)
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

func usage() {
	fmt.Fprintf(os.Stderr, `botctl talks to the botkeeper control plane.

Usage:
  botctl [flags] <command> [args]

Commands:
  status [kind]            status of every bot, or one
  start <kind>             start a bot
  stop <kind>              stop a bot
  restart <kind>           restart a bot
  start-all                start every bot
  stop-all                 stop every bot
  logs <kind> [lines]      tail a bot's log (default 200 lines)
  data <kind>              dump a bot's data channel
  set <kind> <key> <json>  write one key through the data channel
  ping <kind>              ping a bot's data channel
  ops [limit]              recent operation audit rows
  secret set <key> <value> store a secret in the local badger db
  secret get <key>         print one secret
  secret rm <key>          delete one secret
  secret ls [prefix]       list secret keys

Flags:
`)
	flag.PrintDefaults()
}

type client struct {
	http *resty.Client
}

func newClient(base, token string, timeout time.Duration) *client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(timeout)
	if token != "" {
		rc.SetHeader("X-API-Token", token)
	}
	return &client{http: rc}
}

func (c *client) run(args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		if len(rest) > 0 {
			return c.statusOne(rest[0])
		}
		return c.statusAll()
	case "start", "stop", "restart":
		if len(rest) != 1 {
			return fmt.Errorf("%s takes exactly one kind", cmd)
		}
		return c.lifecycle(cmd, rest[0])
	case "start-all":
		return c.batch("start_all")
	case "stop-all":
		return c.batch("stop_all")
	case "logs":
		if len(rest) < 1 {
			return fmt.Errorf("logs takes a kind")
		}
		return c.logs(rest[0], rest[1:])
	case "data":
		if len(rest) != 1 {
			return fmt.Errorf("data takes exactly one kind")
		}
		return c.data(rest[0])
	case "set":
		if len(rest) != 3 {
			return fmt.Errorf("set takes a kind, a key and a value")
		}
		return c.setData(rest[0], rest[1], rest[2])
	case "ping":
		if len(rest) != 1 {
			return fmt.Errorf("ping takes exactly one kind")
		}
		return c.ping(rest[0])
	case "ops":
		return c.ops(rest)
	default:
		return fmt.Errorf("unknown command %q (run botctl -h)", cmd)
	}
}

func (c *client) get(path string) (gjson.Result, error) {
	resp, err := c.http.R().Get(path)
	return parseResponse(resp, err)
}

func (c *client) post(path string) (gjson.Result, error) {
	resp, err := c.http.R().Post(path)
	return parseResponse(resp, err)
}

func parseResponse(resp *resty.Response, err error) (gjson.Result, error) {
	if err != nil {
		return gjson.Result{}, err
	}
	body := gjson.ParseBytes(resp.Body())
	if resp.IsError() {
		msg := body.Get("error").String()
		if msg == "" {
			msg = resp.Status()
		}
		return body, fmt.Errorf("%s", msg)
	}
	return body, nil
}

func (c *client) statusAll() error {
	body, err := c.get("/api/bots/")
	if err != nil {
		return err
	}
	fmt.Printf("%-12s %-10s %-8s %-10s %s\n", "KIND", "STATUS", "PID", "UPTIME", "NAME")
	body.Get("bots").ForEach(func(_, bot gjson.Result) bool {
		pid, uptime := "-", "-"
		if p := bot.Get("pid"); p.Exists() {
			pid = p.String()
		}
		if u := bot.Get("uptime").String(); u != "" {
			uptime = u
		}
		fmt.Printf("%-12s %-10s %-8s %-10s %s\n",
			bot.Get("kind").String(), bot.Get("status").String(), pid, uptime, bot.Get("name").String())
		return true
	})
	s := body.Get("summary")
	fmt.Printf("\n%d bots, %d active, %d inactive\n",
		s.Get("total").Int(), s.Get("active").Int(), s.Get("inactive").Int())
	return nil
}

func (c *client) statusOne(kind string) error {
	body, err := c.get("/api/bots/" + kind + "/status")
	if err != nil {
		return err
	}
	fields := []string{
		"kind", "name", "status", "pid", "uptime", "started_at",
		"last_heartbeat", "last_exit_code", "cpu_percent", "memory_rss_bytes",
	}
	for _, f := range fields {
		if v := body.Get(f); v.Exists() {
			fmt.Printf("%s: %s\n", f, v.String())
		}
	}
	return nil
}

func (c *client) lifecycle(op, kind string) error {
	body, err := c.post("/api/bots/" + kind + "/" + op)
	if err != nil {
		return err
	}
	if msg := body.Get("message").String(); msg != "" {
		fmt.Println(msg)
	} else if pid := body.Get("pid"); pid.Exists() {
		fmt.Printf("%s running: pid=%d\n", kind, pid.Int())
	} else {
		fmt.Println("ok")
	}
	if body.Get("forced").Bool() {
		fmt.Println("note: the bot ignored the graceful stop and was force-killed")
	}
	return nil
}

func (c *client) batch(op string) error {
	body, err := c.post("/api/bots/" + op)
	if err != nil {
		return err
	}
	fmt.Println(body.Get("message").String())
	body.Get("results").ForEach(func(kind, res gjson.Result) bool {
		note := "ok"
		if !res.Get("ok").Bool() {
			note = "FAILED: " + res.Get("message").String()
		} else if m := res.Get("message").String(); m != "" {
			note = m
		}
		fmt.Printf("  %-12s %s\n", kind.String(), note)
		return true
	})
	if !body.Get("ok").Bool() {
		return fmt.Errorf("every sub-operation failed")
	}
	return nil
}

func (c *client) logs(kind string, rest []string) error {
	lines := 200
	if len(rest) > 0 {
		n, err := strconv.Atoi(rest[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("lines must be a positive number")
		}
		lines = n
	}
	body, err := c.get(fmt.Sprintf("/api/bots/%s/logs?tail=%d", kind, lines))
	if err != nil {
		return err
	}
	body.Get("lines").ForEach(func(_, l gjson.Result) bool {
		fmt.Println(l.String())
		return true
	})
	return nil
}

func (c *client) data(kind string) error {
	body, err := c.get("/api/bots/" + kind + "/data")
	if err != nil {
		return err
	}
	raw := body.Get("data").Raw
	if raw == "" {
		raw = "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "", "  "); err != nil {
		fmt.Println(raw)
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func (c *client) setData(kind, key, raw string) error {
	// anything that parses as JSON is sent typed; bare words go as strings
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"key": key, "value": value}).
		Post("/api/bots/" + kind + "/data")
	if _, err := parseResponse(resp, err); err != nil {
		return err
	}
	fmt.Printf("%s: %s updated\n", kind, key)
	return nil
}

func (c *client) ping(kind string) error {
	body, err := c.get("/api/bots/" + kind + "/ping")
	if err != nil {
		return err
	}
	fmt.Println(body.Get("message").String())
	return nil
}

func (c *client) ops(rest []string) error {
	limit := 50
	if len(rest) > 0 {
		n, err := strconv.Atoi(rest[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("limit must be a positive number")
		}
		limit = n
	}
	body, err := c.get(fmt.Sprintf("/api/ops/runs?limit=%d", limit))
	if err != nil {
		return err
	}
	fmt.Printf("%-25s %-10s %-12s %-18s %-5s %s\n", "STARTED", "OP", "KIND", "CALLER", "OK", "ERROR")
	body.ForEach(func(_, run gjson.Result) bool {
		kind, ok, errText := "-", "-", ""
		if k := run.Get("kind"); k.Exists() {
			kind = k.String()
		}
		if o := run.Get("ok"); o.Exists() {
			ok = o.String()
		}
		if e := run.Get("error"); e.Exists() {
			errText = e.String()
		}
		fmt.Printf("%-25s %-10s %-12s %-18s %-5s %s\n",
			run.Get("started_at").String(), run.Get("op").String(), kind,
			run.Get("caller").String(), ok, errText)
		return true
	})
	return nil
}

func runSecret(dbPath, rawKey string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("secret takes a subcommand: set, get, rm, ls")
	}
	keyBytes, err := secretstore.ParseKey(rawKey)
	if err != nil {
		return err
	}
	if keyBytes == nil {
		return fmt.Errorf("secret key is required: set BOTKEEPER_SECRETS_KEY or pass -secret-key")
	}

	readOnly := args[0] == "get" || args[0] == "ls"
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      readOnly,
	})
	if err != nil {
		return err
	}
	defer ss.Close()

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("secret set takes a key and a value")
		}
		return ss.SetString(args[1], args[2])
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("secret get takes a key")
		}
		v, ok, err := ss.GetString(args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no secret under %q", args[1])
		}
		fmt.Println(v)
		return nil
	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("secret rm takes a key")
		}
		return ss.Delete(args[1])
	case "ls":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		kv, err := ss.ListPrefix(prefix)
		if err != nil {
			return err
		}
		// keys only: values stay in the store
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, prefix+k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	default:
		return fmt.Errorf("unknown secret subcommand %q", args[0])
	}
}

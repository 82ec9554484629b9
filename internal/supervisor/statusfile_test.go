package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

func TestStatusFileRefreshPreservesForeignKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_status.json")
	seed := `{"schema_version":3,"grid":{"status":"running","note":"keep"}}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	f := NewStatusFile(path)
	pid := 1234
	err := f.Refresh([]Snapshot{
		{Kind: "grid", Status: StatusStopped},
		{Kind: "scalp", Status: StatusRunning, PID: &pid, Uptime: "1m 2s"},
	})
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	doc := string(raw)

	if got := gjson.Get(doc, "schema_version").Int(); got != 3 {
		t.Fatalf("foreign key schema_version got=%d want=3", got)
	}
	if got := gjson.Get(doc, "grid.note").String(); got != "keep" {
		t.Fatalf("foreign subkey grid.note got=%q", got)
	}
	if got := gjson.Get(doc, "grid.status").String(); got != "stopped" {
		t.Fatalf("grid.status got=%q", got)
	}
	if gjson.Get(doc, "grid.pid").Exists() {
		t.Fatalf("stopped bot should have no pid key")
	}
	if got := gjson.Get(doc, "scalp.pid").Int(); got != 1234 {
		t.Fatalf("scalp.pid got=%d", got)
	}
	if got := gjson.Get(doc, "scalp.uptime").String(); got != "1m 2s" {
		t.Fatalf("scalp.uptime got=%q", got)
	}
	if gjson.Get(doc, "scalp.last_update").String() == "" {
		t.Fatalf("scalp.last_update missing")
	}

	if got := f.Status("scalp"); got != "running" {
		t.Fatalf("Status(scalp) got=%q", got)
	}
	if got := f.Status("missing"); got != "" {
		t.Fatalf("Status(missing) got=%q want empty", got)
	}
}

func TestStatusFileRecoversFromCorruptContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_status.json")
	if err := os.WriteFile(path, []byte("not json {{{"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	f := NewStatusFile(path)
	if err := f.Refresh([]Snapshot{{Kind: "grid", Status: StatusRunning}}); err != nil {
		t.Fatalf("Refresh over corrupt file: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !gjson.ValidBytes(raw) {
		t.Fatalf("refresh left invalid JSON: %q", raw)
	}
	if got := gjson.GetBytes(raw, "grid.status").String(); got != "running" {
		t.Fatalf("grid.status got=%q", got)
	}
}

func TestStatusFileMissingFile(t *testing.T) {
	f := NewStatusFile(filepath.Join(t.TempDir(), "nope", "bot_status.json"))
	if got := f.Status("grid"); got != "" {
		t.Fatalf("Status on missing file got=%q", got)
	}
	if err := f.Refresh([]Snapshot{{Kind: "grid", Status: StatusStopped}}); err != nil {
		t.Fatalf("Refresh should create parent dirs: %v", err)
	}
}

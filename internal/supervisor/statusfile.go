package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StatusFile mirrors the latest snapshots into a small JSON document other
// processes can poll without talking to the supervisor. Keys the supervisor
// does not own are left untouched, so the file can double as a shared blob.
// The supervisor never reads it back for its own decisions.
type StatusFile struct {
	path string
	mu   sync.Mutex
}

func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

func (f *StatusFile) Path() string { return f.path }

// Refresh upserts one entry per snapshot: <kind>.status, <kind>.pid,
// <kind>.uptime and <kind>.last_update. Writes are atomic (tmp + rename).
func (f *StatusFile) Refresh(snaps []Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := "{}"
	if raw, err := os.ReadFile(f.path); err == nil && len(raw) > 0 && gjson.ValidBytes(raw) {
		doc = string(raw)
	}

	now := time.Now().Format(time.RFC3339)
	var err error
	for _, s := range snaps {
		kind := string(s.Kind)
		if doc, err = sjson.Set(doc, kind+".status", string(s.Status)); err != nil {
			return err
		}
		if s.PID != nil {
			if doc, err = sjson.Set(doc, kind+".pid", *s.PID); err != nil {
				return err
			}
		} else {
			if doc, err = sjson.Delete(doc, kind+".pid"); err != nil {
				return err
			}
		}
		if s.Uptime != "" {
			if doc, err = sjson.Set(doc, kind+".uptime", s.Uptime); err != nil {
				return err
			}
		} else {
			if doc, err = sjson.Delete(doc, kind+".uptime"); err != nil {
				return err
			}
		}
		if doc, err = sjson.Set(doc, kind+".last_update", now); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Status reads one kind's recorded status back out of the file, "" when the
// file or the entry is missing.
func (f *StatusFile) Status(kind Kind) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return ""
	}
	return gjson.GetBytes(raw, string(kind)+".status").String()
}

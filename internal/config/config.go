// Package config loads the supervisor's bot table (bots.yaml) and builds the
// runtime config payload handed to each worker at spawn time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tradesys/botkeeper/internal/alert"
	"github.com/tradesys/botkeeper/internal/supervisor"
)

// BotDef is one entry of bots.yaml: the static descriptor plus an arbitrary
// config subtree forwarded to the worker.
type BotDef struct {
	supervisor.Descriptor `yaml:",inline"`

	// Config is passed through into the worker's runtime YAML untouched.
	Config map[string]any `yaml:"config,omitempty"`
}

// File is the on-disk shape of bots.yaml.
type File struct {
	Bots []BotDef `yaml:"bots"`

	// StatusFile is where status_all mirrors its snapshots; empty disables
	// the mirror.
	StatusFile string `yaml:"status_file,omitempty"`

	Alert alert.Config `yaml:"alert,omitempty"`
}

// Load reads and validates bots.yaml.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) Validate() error {
	if len(f.Bots) == 0 {
		return fmt.Errorf("no bots defined")
	}
	ports := map[int]supervisor.Kind{}
	for _, b := range f.Bots {
		if b.IPCPort == 0 {
			continue
		}
		if b.IPCPort < 0 || b.IPCPort > 65535 {
			return fmt.Errorf("bot %q: invalid ipc_port %d", b.Kind, b.IPCPort)
		}
		if other, dup := ports[b.IPCPort]; dup {
			return fmt.Errorf("bots %q and %q share ipc_port %d", other, b.Kind, b.IPCPort)
		}
		ports[b.IPCPort] = b.Kind
	}
	return nil
}

// Descriptors strips the defs down to what the registry needs.
func (f *File) Descriptors() []supervisor.Descriptor {
	out := make([]supervisor.Descriptor, 0, len(f.Bots))
	for _, b := range f.Bots {
		out = append(out, b.Descriptor)
	}
	return out
}

// Def finds the full definition for a kind.
func (f *File) Def(kind supervisor.Kind) (BotDef, bool) {
	for _, b := range f.Bots {
		if b.Kind == kind {
			return b, true
		}
	}
	return BotDef{}, false
}

// RuntimeYAML assembles the payload a worker reads at startup: the def's
// config subtree with identity, data dir and credentials injected on top.
// Secrets ride in this payload rather than in the child environment, and on
// linux the payload never touches disk.
func RuntimeYAML(def BotDef, secrets map[string]string, dataDir string) ([]byte, error) {
	m := map[string]any{}
	for k, v := range def.Config {
		m[k] = v
	}
	m["kind"] = string(def.Kind)
	m["name"] = def.DisplayName()
	if def.IPCPort > 0 {
		m["ipc_port"] = def.IPCPort
	}
	if strings.TrimSpace(dataDir) != "" {
		m["persistence_dir"] = filepath.Join(dataDir, string(def.Kind))
	}
	if len(secrets) > 0 {
		creds := map[string]any{}
		for k, v := range secrets {
			creds[k] = v
		}
		m["credentials"] = creds
	}

	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}

	// parse back with the worker's rules so a bad def fails at start, not in
	// the child
	var wc WorkerConfig
	if err := yaml.Unmarshal(out, &wc); err != nil {
		return nil, err
	}
	if err := wc.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

package supervisor

import (
	"fmt"
	"strings"
)

// Kind identifies one class of supervised worker process, e.g. "grid" or "scalp".
type Kind string

func (k Kind) String() string { return string(k) }

// Descriptor is the static definition of one controllable bot. Descriptors are
// immutable after registry construction; one descriptor per kind.
type Descriptor struct {
	Kind    Kind     `json:"kind" yaml:"kind"`
	Name    string   `json:"name" yaml:"name"`
	Script  string   `json:"script" yaml:"script"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// IPCPort is the local data-channel port the worker listens on, 0 if the
	// worker does not opt in.
	IPCPort int `json:"ipc_port,omitempty" yaml:"ipc_port,omitempty"`

	// Internal marks orchestrator-style entries that are excluded from the
	// status_all aggregate counts.
	Internal bool `json:"internal,omitempty" yaml:"internal,omitempty"`
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(string(d.Kind)) == "" {
		return fmt.Errorf("descriptor: kind is required")
	}
	if strings.ContainsAny(string(d.Kind), " \t\n./") {
		return fmt.Errorf("descriptor %q: kind must be a plain token", d.Kind)
	}
	if strings.TrimSpace(d.Script) == "" {
		return fmt.Errorf("descriptor %q: script is required", d.Kind)
	}
	return nil
}

// DisplayName falls back to the kind when no human label was configured.
func (d Descriptor) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return string(d.Kind)
}

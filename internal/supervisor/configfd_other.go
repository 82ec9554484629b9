//go:build !linux

package supervisor

import (
	"os"
	"os/exec"
)

// attachRuntimeConfig without memfd support: the payload lands on disk with
// owner-only permissions. Linux keeps the config entirely in memory; this is
// the fallback for everything else.
func attachRuntimeConfig(_ *exec.Cmd, payload []byte) (cfgPath string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "botkeeper-config-*.yaml")
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, err
	}
	if _, err := f.Write(append(payload, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, err
	}
	return path, func() {}, nil
}

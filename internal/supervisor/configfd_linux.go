//go:build linux

package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// attachRuntimeConfig hands the runtime config to the child without touching
// disk: the payload goes into a memfd passed via ExtraFiles and the child
// reads it back through /proc/self/fd/<n>. Returns the path as seen by the
// child and a cleanup that closes the parent's copy (call it after Start).
func attachRuntimeConfig(cmd *exec.Cmd, payload []byte) (cfgPath string, cleanup func(), err error) {
	fd, err := unix.MemfdCreate("botkeeper-config", 0)
	if err != nil {
		return "", nil, err
	}
	cfgFile := os.NewFile(uintptr(fd), "botkeeper-config")
	if cfgFile == nil {
		_ = unix.Close(fd)
		return "", nil, fmt.Errorf("memfd: os.NewFile failed")
	}
	if _, err := cfgFile.Write(payload); err != nil {
		_ = cfgFile.Close()
		return "", nil, err
	}
	if _, err := io.WriteString(cfgFile, "\n"); err != nil {
		_ = cfgFile.Close()
		return "", nil, err
	}
	if _, err := cfgFile.Seek(0, 0); err != nil {
		_ = cfgFile.Close()
		return "", nil, err
	}

	// first ExtraFile becomes fd=3 in the child
	idx := len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, cfgFile)
	childFD := 3 + idx
	return fmt.Sprintf("/proc/self/fd/%d", childFD), func() { _ = cfgFile.Close() }, nil
}

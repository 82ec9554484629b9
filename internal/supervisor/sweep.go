package supervisor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tradesys/botkeeper/pkg/logger"
)

// SweepOutcome reports the advisory orphan sweep that runs during stop. It is
// informational only: a failed sweep never fails the stop that requested it.
type SweepOutcome struct {
	Attempted bool   `json:"attempted"`
	Matched   int    `json:"matched"`
	Killed    int    `json:"killed"`
	Error     string `json:"error,omitempty"`
}

// sweepOrphans hunts for stray processes whose command line mentions the
// descriptor's script name and force-kills them. Matching by script filename
// substring is a deliberately loose heuristic kept from the era of handles
// lost to ungraceful restarts: best effort, racy against concurrent process
// creation, and never relied upon for correctness.
func sweepOrphans(sig processSignals, d Descriptor, excludePID int) SweepOutcome {
	out := SweepOutcome{Attempted: true}

	needle := filepath.Base(d.Script)
	if strings.TrimSpace(needle) == "" || needle == "." {
		out.Attempted = false
		return out
	}

	procs, err := process.Processes()
	if err != nil {
		out.Error = err.Error()
		return out
	}
	self := os.Getpid()
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || pid == excludePID || pid <= 1 {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, needle) {
			continue
		}
		out.Matched++
		if err := sig.Kill(pid); err != nil {
			logger.Warnf("orphan sweep: kill pid=%d failed: %v", pid, err)
			if out.Error == "" {
				out.Error = err.Error()
			}
			continue
		}
		logger.Infof("orphan sweep: killed stray %s process pid=%d", d.Kind, pid)
		out.Killed++
	}
	return out
}

package supervisor

// processSignals abstracts the platform-specific termination path. The
// Manager only ever talks to this interface; the POSIX variant signals the
// process group, the Windows variant walks the process tree via taskkill.
type processSignals interface {
	// Alive reports whether pid refers to a live process.
	Alive(pid int) bool
	// Terminate asks the process (group) to exit gracefully.
	Terminate(pid int) error
	// Kill force-kills the process (group).
	Kill(pid int) error
}

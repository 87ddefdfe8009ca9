package supervisor

// Status represents the supervisor's view of one worker subprocess.
type Status int

const (
	// StatusPending indicates the worker has not been spawned yet.
	StatusPending Status = iota
	// StatusStarting indicates the process is up but the ready announcement
	// has not arrived.
	StatusStarting
	// StatusReady indicates the worker announced itself and serves requests.
	StatusReady
	// StatusStopped indicates the worker exited after a clean shutdown.
	StatusStopped
	// StatusFailed indicates the worker exited outside a shutdown or never
	// came up at all.
	StatusFailed
	// StatusDeadLettered indicates the worker crashed past the restart
	// budget and will not be re-spawned.
	StatusDeadLettered
)

// String returns a human-readable string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	case StatusDeadLettered:
		return "dead-lettered"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the worker will not serve further requests
// without a fresh spawn.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed || s == StatusDeadLettered
}

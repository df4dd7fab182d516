package fsm

// Workflow state constants represent the lifecycle of one executor process.
// A workflow enters the registry as pending and leaves through exactly one
// of the terminal states.
const (
	// StatePending indicates the workflow is registered but has no live process
	StatePending = "pending"
	// StateRunning indicates the executor process is alive
	StateRunning = "running"
	// StatePaused indicates the executor process is stopped via SIGSTOP
	StatePaused = "paused"
	// StateCompleted indicates the executor exited with code zero
	StateCompleted = "completed"
	// StateFailed indicates the executor failed and no retries remain
	StateFailed = "failed"
	// StateAbandoned indicates the workflow was abandoned or killed by signal
	StateAbandoned = "abandoned"
)

// Event constants name the transitions between workflow states
const (
	// EventSpawn is triggered when the executor process has been started
	EventSpawn = "spawn"
	// EventPause is triggered after SIGSTOP has been delivered
	EventPause = "pause"
	// EventResume is triggered after SIGCONT has been delivered
	EventResume = "resume"
	// EventComplete is triggered when the executor exits with code zero
	EventComplete = "complete"
	// EventFail is triggered when the executor fails with no retries left
	EventFail = "fail"
	// EventRetry is triggered when a failed executor will be relaunched
	EventRetry = "retry"
	// EventAbandon is triggered when an abandoned or signaled executor exits
	EventAbandon = "abandon"
)

// IsTerminal reports whether a workflow in this state is finished.
// Terminal workflows own no process and never transition again.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// IsValidState reports whether the string names a known workflow state.
// Restore uses this to reject corrupted registry entries.
func IsValidState(state string) bool {
	switch state {
	case StatePending,
		StateRunning,
		StatePaused,
		StateCompleted,
		StateFailed,
		StateAbandoned:
		return true
	default:
		return false
	}
}

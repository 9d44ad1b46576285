package supervisor

// State is the supervisor's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStoppingGraceful
	StateStoppingForced
	StateCrashRestarting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStoppingGraceful:
		return "stopping_graceful"
	case StateStoppingForced:
		return "stopping_forced"
	case StateCrashRestarting:
		return "crash_restarting"
	default:
		return "unknown"
	}
}

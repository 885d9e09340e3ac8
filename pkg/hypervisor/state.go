package hypervisor

// State is the backend-reported state of an instance.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePausing
	StatePaused
	StateResuming
	StateStopping
	StateSaving
	StateRestoring
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateResuming:
		return "resuming"
	case StateStopping:
		return "stopping"
	case StateSaving:
		return "saving"
	case StateRestoring:
		return "restoring"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Description returns a human-readable label for status displays.
func (s State) Description() string {
	switch s {
	case StateSaving:
		return "Saving State"
	case StateRestoring:
		return "Restoring State"
	case StateStopped, StateStarting, StateRunning, StatePausing, StatePaused,
		StateResuming, StateStopping, StateError:
		str := s.String()
		return string(str[0]-'a'+'A') + str[1:]
	default:
		return "Unknown"
	}
}

// Terminal reports whether the instance will not run again without a new start.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

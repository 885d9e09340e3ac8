package hypervisor

import "testing"

func TestStateDescription(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "Stopped"},
		{StateStarting, "Starting"},
		{StateRunning, "Running"},
		{StatePaused, "Paused"},
		{StateSaving, "Saving State"},
		{StateRestoring, "Restoring State"},
		{StateError, "Error"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.Description(); got != tt.want {
			t.Errorf("%v.Description() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for s := StateStopped; s <= StateError; s++ {
		want := s == StateStopped || s == StateError
		if got := s.Terminal(); got != want {
			t.Errorf("%v.Terminal() = %v, want %v", s, got, want)
		}
	}
}

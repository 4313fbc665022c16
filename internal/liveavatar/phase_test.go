package liveavatar

import "testing"

func TestAllowedTransitions(t *testing.T) {
	phases := []Phase{PhaseIdle, PhaseConnecting, PhaseWaitingAvatar, PhaseConnected, PhaseEnded, PhaseError}
	legal := map[Transition]bool{
		{PhaseIdle, PhaseConnecting}:          true,
		{PhaseConnecting, PhaseWaitingAvatar}: true,
		{PhaseConnecting, PhaseConnected}:     true,
		{PhaseConnecting, PhaseError}:         true,
		{PhaseWaitingAvatar, PhaseConnected}:  true,
		{PhaseWaitingAvatar, PhaseError}:      true,
		{PhaseConnected, PhaseEnded}:          true,
	}
	for _, from := range phases {
		if from != PhaseIdle {
			legal[Transition{from, PhaseIdle}] = true
		}
	}

	for _, from := range phases {
		for _, to := range phases {
			want := legal[Transition{from, to}]
			if got := Allowed(from, to); got != want {
				t.Fatalf("Allowed(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestPhaseActive(t *testing.T) {
	for phase, want := range map[Phase]bool{
		PhaseIdle:          false,
		PhaseConnecting:    true,
		PhaseWaitingAvatar: true,
		PhaseConnected:     true,
		PhaseEnded:         false,
		PhaseError:         false,
	} {
		if got := phase.Active(); got != want {
			t.Fatalf("%s.Active() = %v, want %v", phase, got, want)
		}
	}
}

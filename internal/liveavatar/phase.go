package liveavatar

// Phase is the discrete state of a Controller.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseConnecting    Phase = "connecting"
	PhaseWaitingAvatar Phase = "waiting_avatar"
	PhaseConnected     Phase = "connected"
	PhaseEnded         Phase = "ended"
	PhaseError         Phase = "error"
)

// Active reports whether the phase holds provider resources.
func (p Phase) Active() bool {
	return p == PhaseConnecting || p == PhaseWaitingAvatar || p == PhaseConnected
}

// Transition is one observed phase change.
type Transition struct {
	From Phase
	To   Phase
}

var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseConnecting},
	PhaseConnecting:    {PhaseWaitingAvatar, PhaseConnected, PhaseError},
	PhaseWaitingAvatar: {PhaseConnected, PhaseError},
	PhaseConnected:     {PhaseEnded},
}

// Allowed reports whether from -> to is a legal edge. Every phase may return
// to idle.
func Allowed(from, to Phase) bool {
	if to == PhaseIdle {
		return from != PhaseIdle
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EndReason records why the last session was torn down.
type EndReason string

const (
	EndReasonNone       EndReason = ""
	EndReasonUserStop   EndReason = "user_stop"
	EndReasonTimer      EndReason = "timer"
	EndReasonDisconnect EndReason = "disconnect"
	EndReasonClosed     EndReason = "closed"
	EndReasonFailed     EndReason = "failed"
)

package liveavatar

// SignalSource names an input of the turn-taking policy.
type SignalSource int

const (
	SourceDataChannel SignalSource = iota
	SourceActiveSpeakers
	numSources
)

// MicAction is what the caller must do to the local microphone.
type MicAction int

const (
	MicUnchanged MicAction = iota
	MicDisable
	MicEnable
)

// TurnTaking mutes the local microphone while the avatar speaks.
//
// Each source keeps its own belief about whether the avatar is speaking. The
// effective belief follows whichever source changed most recently, so two
// sources reporting the same utterance flip the microphone once.
type TurnTaking struct {
	localIdentity string
	beliefs       [numSources]bool
	speaking      bool
	muted         bool
	manualMuted   bool
}

func (t *TurnTaking) SetLocalIdentity(identity string) { t.localIdentity = identity }

func (t *TurnTaking) Speaking() bool { return t.speaking }

func (t *TurnTaking) Muted() bool { return t.muted }

// Signal feeds a speaking start (true) or stop (false) from src.
func (t *TurnTaking) Signal(src SignalSource, speaking bool) MicAction {
	if src < 0 || src >= numSources {
		return MicUnchanged
	}
	if t.beliefs[src] == speaking {
		return MicUnchanged
	}
	t.beliefs[src] = speaking
	if t.speaking == speaking {
		return MicUnchanged
	}
	t.speaking = speaking

	if speaking {
		if t.muted {
			return MicUnchanged
		}
		t.muted = true
		return MicDisable
	}
	if t.manualMuted || !t.muted {
		return MicUnchanged
	}
	t.muted = false
	return MicEnable
}

// ActiveSpeakers feeds the transport's active-speaker set.
func (t *TurnTaking) ActiveSpeakers(identities []string) MicAction {
	remote := false
	for _, id := range identities {
		if id != "" && id != t.localIdentity {
			remote = true
			break
		}
	}
	return t.Signal(SourceActiveSpeakers, remote)
}

// ToggleMute applies a user mute toggle. It is refused while the avatar is
// speaking.
func (t *TurnTaking) ToggleMute() (MicAction, bool) {
	if t.speaking {
		return MicUnchanged, false
	}
	t.muted = !t.muted
	t.manualMuted = t.muted
	if t.muted {
		return MicDisable, true
	}
	return MicEnable, true
}

func (t *TurnTaking) Reset() {
	*t = TurnTaking{}
}

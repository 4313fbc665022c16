package liveavatar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTurnTakingLastSignalWins(t *testing.T) {
	var tt TurnTaking
	tt.SetLocalIdentity("me")

	assert.Equal(t, MicDisable, tt.Signal(SourceDataChannel, true))
	assert.Equal(t, MicUnchanged, tt.ActiveSpeakers([]string{"avatar"}))

	// The speaker set clearing is the most recent change, so it wins even
	// though the data channel still believes the avatar is speaking.
	assert.Equal(t, MicEnable, tt.ActiveSpeakers(nil))
	assert.False(t, tt.Speaking())

	assert.Equal(t, MicUnchanged, tt.Signal(SourceDataChannel, false))
	assert.Equal(t, MicDisable, tt.Signal(SourceDataChannel, true))
}

func TestTurnTakingIgnoresLocalSpeaker(t *testing.T) {
	var tt TurnTaking
	tt.SetLocalIdentity("me")

	assert.Equal(t, MicUnchanged, tt.ActiveSpeakers([]string{"me"}))
	assert.Equal(t, MicUnchanged, tt.ActiveSpeakers([]string{"", "me"}))
	assert.False(t, tt.Speaking())
	assert.Equal(t, MicDisable, tt.ActiveSpeakers([]string{"me", "avatar"}))
}

func TestTurnTakingManualMute(t *testing.T) {
	var tt TurnTaking

	action, ok := tt.ToggleMute()
	assert.True(t, ok)
	assert.Equal(t, MicDisable, action)

	assert.Equal(t, MicUnchanged, tt.Signal(SourceDataChannel, true))
	_, ok = tt.ToggleMute()
	assert.False(t, ok)
	assert.Equal(t, MicUnchanged, tt.Signal(SourceDataChannel, false))
	assert.True(t, tt.Muted())

	action, ok = tt.ToggleMute()
	assert.True(t, ok)
	assert.Equal(t, MicEnable, action)
	assert.False(t, tt.Muted())
}

func TestTurnTakingRejectsUnknownSource(t *testing.T) {
	var tt TurnTaking
	assert.Equal(t, MicUnchanged, tt.Signal(SignalSource(7), true))
	assert.Equal(t, MicUnchanged, tt.Signal(SignalSource(-1), true))
	assert.False(t, tt.Speaking())
}

func TestTurnTakingReset(t *testing.T) {
	var tt TurnTaking
	tt.SetLocalIdentity("me")
	tt.Signal(SourceActiveSpeakers, true)
	tt.Reset()

	assert.False(t, tt.Speaking())
	assert.False(t, tt.Muted())
	assert.Equal(t, MicDisable, tt.Signal(SourceActiveSpeakers, true))
}

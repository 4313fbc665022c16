package liveavatar

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaManagerVideoLastWriterWins(t *testing.T) {
	video := &fakeVideoSink{}
	m := NewMediaManager(&fakeSinkFactory{}, video, nil)

	m.OnTrackSubscribed(videoTrack("v1"), "avatar")
	m.OnTrackSubscribed(videoTrack("v1"), "avatar")
	m.OnTrackSubscribed(videoTrack("v2"), "avatar")
	assert.Equal(t, []string{"v1", "v2"}, video.attached)

	// Dropping the superseded track leaves the current binding alone.
	m.OnTrackUnsubscribed(videoTrack("v1"), "avatar")
	assert.Zero(t, video.detaches)
	assert.Equal(t, 1, m.TrackCount())

	m.OnTrackUnsubscribed(videoTrack("v2"), "avatar")
	assert.Equal(t, 1, video.detaches)
	assert.Zero(t, m.TrackCount())
}

func TestMediaManagerAudioKeyedPerParticipant(t *testing.T) {
	factory := &fakeSinkFactory{}
	m := NewMediaManager(factory, nil, nil)

	m.OnTrackSubscribed(audioTrack("a1"), "avatar")
	m.OnTrackSubscribed(audioTrack("a1"), "guest")
	m.OnTrackSubscribed(audioTrack("a1"), "avatar")
	m.OnTrackSubscribed(nil, "avatar")

	require.Len(t, factory.created, 2)
	assert.Equal(t, 2, m.AudioSinkCount())
	assert.Equal(t, TrackKey{Participant: "guest", TrackID: "a1"}, factory.created[1].key)
	assert.Equal(t, 1, factory.created[0].plays)
}

func TestMediaManagerUnlock(t *testing.T) {
	factory := &fakeSinkFactory{playErrs: []error{ErrPlaybackBlocked}}
	m := NewMediaManager(factory, nil, nil)

	m.OnTrackSubscribed(audioTrack("a1"), "avatar")
	require.True(t, m.UnlockNeeded())

	assert.False(t, m.Unlock())
	assert.False(t, m.UnlockNeeded())
}

func TestMediaManagerPlainPlayErrorDoesNotNeedUnlock(t *testing.T) {
	factory := &fakeSinkFactory{playErrs: []error{errors.New("decoder gone")}}
	m := NewMediaManager(factory, nil, nil)

	m.OnTrackSubscribed(audioTrack("a1"), "avatar")
	assert.False(t, m.UnlockNeeded())
	assert.Equal(t, 1, m.AudioSinkCount())
}

func TestMediaManagerTeardown(t *testing.T) {
	factory := &fakeSinkFactory{playErrs: []error{ErrPlaybackBlocked}}
	video := &fakeVideoSink{}
	m := NewMediaManager(factory, video, nil)

	m.OnTrackSubscribed(audioTrack("a1"), "avatar")
	m.OnTrackSubscribed(audioTrack("a2"), "avatar")
	m.OnTrackSubscribed(videoTrack("v1"), "avatar")

	m.Teardown()
	m.Teardown()

	assert.Zero(t, m.TrackCount())
	assert.False(t, m.UnlockNeeded())
	assert.Equal(t, 1, video.detaches)
	for _, s := range factory.created {
		assert.Equal(t, 1, s.released)
	}
}

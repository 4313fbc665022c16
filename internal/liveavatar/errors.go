package liveavatar

import (
	"errors"
	"fmt"
)

var (
	// ErrPlaybackBlocked is returned by sinks when the host refuses to start
	// playback without a user gesture.
	ErrPlaybackBlocked = errors.New("playback blocked by host policy")
	// ErrSessionAborted is returned by Start when a stop or close overtook it.
	ErrSessionAborted = errors.New("session aborted")
	ErrEmptyMessage   = errors.New("message text is empty")
)

// TransportError wraps a failure of the real-time connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PlaybackPolicyError reports an autoplay rejection for one sink. It is never
// fatal to the session.
type PlaybackPolicyError struct {
	Key TrackKey
	Err error
}

func (e *PlaybackPolicyError) Error() string {
	return fmt.Sprintf("playback rejected for %s/%s: %v", e.Key.Participant, e.Key.TrackID, e.Err)
}

func (e *PlaybackPolicyError) Unwrap() error { return e.Err }

func isPlaybackRejection(err error) bool {
	var pe *PlaybackPolicyError
	return errors.As(err, &pe) || errors.Is(err, ErrPlaybackBlocked)
}

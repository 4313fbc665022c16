package liveavatar

// TrackKind is the media type of a remote track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a remote media track as seen by the controller. Adapters may
// expose extra capabilities (for example RTP reads) on the concrete type.
type Track interface {
	ID() string
	Kind() TrackKind
}

// TrackKey identifies one remote track binding.
type TrackKey struct {
	Participant string
	TrackID     string
}

// RemoteParticipant is a snapshot of a remote room member.
type RemoteParticipant struct {
	Identity string
	TrackIDs []string
}

// Event is raised by a Transport. The set of implementations is closed.
type Event interface {
	isEvent()
}

type TrackSubscribed struct {
	Track       Track
	Participant string
}

type TrackUnsubscribed struct {
	Track       Track
	Participant string
}

type ParticipantConnected struct {
	Identity string
}

// Disconnected reports that the room connection is gone. Err is nil for a
// clean close.
type Disconnected struct {
	Err error
}

type DataReceived struct {
	Participant string
	Payload     []byte
}

type ActiveSpeakersChanged struct {
	Identities []string
}

func (TrackSubscribed) isEvent()       {}
func (TrackUnsubscribed) isEvent()     {}
func (ParticipantConnected) isEvent()  {}
func (Disconnected) isEvent()          {}
func (DataReceived) isEvent()          {}
func (ActiveSpeakersChanged) isEvent() {}

// EventSink receives transport events in the order the transport raises them.
type EventSink func(Event)

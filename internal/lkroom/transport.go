// Package lkroom adapts a LiveKit room connection to liveavatar.Transport.
package lkroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/antoniostano/avatarlive/internal/liveavatar"
)

const eventBuffer = 256

var errRoomClosed = errors.New("room connection closed by the server")

// RemoteTrack is a subscribed remote track. Sinks that write media read RTP
// from it.
type RemoteTrack struct {
	sid   string
	kind  liveavatar.TrackKind
	track *webrtc.TrackRemote
}

func (t *RemoteTrack) ID() string                 { return t.sid }
func (t *RemoteTrack) Kind() liveavatar.TrackKind { return t.kind }

// MimeType is the negotiated codec, for example "audio/opus".
func (t *RemoteTrack) MimeType() string {
	return t.track.Codec().MimeType
}

// ReadRTP blocks for the next packet.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

func wrapTrack(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) *RemoteTrack {
	kind := liveavatar.TrackKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = liveavatar.TrackKindVideo
	}
	sid := track.ID()
	if pub != nil && pub.SID() != "" {
		sid = pub.SID()
	}
	return &RemoteTrack{sid: sid, kind: kind, track: track}
}

type connectFunc func(url, token string, cb *lksdk.RoomCallback) (*lksdk.Room, error)

// Transport is one LiveKit room connection. Create a new one per session
// attempt.
type Transport struct {
	logger  *slog.Logger
	now     func() time.Time
	connect connectFunc

	events chan liveavatar.Event
	done   chan struct{}

	mu         sync.Mutex
	room       *lksdk.Room
	claims     TokenClaims
	sink       liveavatar.EventSink
	micEnabled bool
	started    bool
	closed     bool
	closeOnce  sync.Once
}

var _ liveavatar.Transport = (*Transport)(nil)

func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger: logger,
		now:    time.Now,
		connect: func(url, token string, cb *lksdk.RoomCallback) (*lksdk.Room, error) {
			return lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
		},
		events:     make(chan liveavatar.Event, eventBuffer),
		done:       make(chan struct{}),
		micEnabled: true,
	}
}

// Connect joins the room at url. Room callbacks are delivered to sink in
// arrival order from a single goroutine, including those raised while
// joining.
func (t *Transport) Connect(ctx context.Context, url, token string, sink liveavatar.EventSink) error {
	if url == "" {
		return errors.New("lkroom: empty room url")
	}
	claims, err := InspectToken(token, t.now())
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("lkroom: transport already disconnected")
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("lkroom: transport already connected")
	}
	t.started = true
	t.sink = sink
	t.claims = claims
	t.mu.Unlock()

	go t.dispatch()

	type result struct {
		room *lksdk.Room
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		room, err := t.connect(url, token, t.callbacks())
		joined <- result{room, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-joined; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return ctx.Err()
	case res := <-joined:
		if res.err != nil {
			return fmt.Errorf("lkroom: join room %q: %w", claims.Room, res.err)
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			res.room.Disconnect()
			return errors.New("lkroom: transport disconnected while joining")
		}
		t.room = res.room
		enabled := t.micEnabled
		t.mu.Unlock()
		t.applyMic(res.room, enabled)
		t.logger.Info("joined room", "room", claims.Room, "identity", t.LocalIdentity())
		return nil
	}
}

// Disconnect leaves the room. It is safe to call more than once and does not
// wait for the event goroutine.
func (t *Transport) Disconnect() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		room := t.room
		t.room = nil
		t.mu.Unlock()

		close(t.done)
		if room != nil {
			room.Disconnect()
		}
	})
}

func (t *Transport) LocalIdentity() string {
	t.mu.Lock()
	room, claims := t.room, t.claims
	t.mu.Unlock()
	if room != nil && room.LocalParticipant != nil {
		if id := room.LocalParticipant.Identity(); id != "" {
			return id
		}
	}
	return claims.Identity
}

func (t *Transport) RemoteParticipants() []liveavatar.RemoteParticipant {
	t.mu.Lock()
	room := t.room
	t.mu.Unlock()
	if room == nil {
		return nil
	}
	var out []liveavatar.RemoteParticipant
	for _, rp := range room.GetRemoteParticipants() {
		p := liveavatar.RemoteParticipant{Identity: rp.Identity()}
		for _, pub := range rp.TrackPublications() {
			p.TrackIDs = append(p.TrackIDs, pub.SID())
		}
		out = append(out, p)
	}
	return out
}

// SetMicrophoneEnabled mutes or unmutes every published local audio track.
// The setting also applies to a room joined later.
func (t *Transport) SetMicrophoneEnabled(enabled bool) error {
	t.mu.Lock()
	t.micEnabled = enabled
	room := t.room
	t.mu.Unlock()
	if room != nil {
		t.applyMic(room, enabled)
	}
	return nil
}

func (t *Transport) applyMic(room *lksdk.Room, enabled bool) {
	if room.LocalParticipant == nil {
		return
	}
	for _, pub := range room.LocalParticipant.TrackPublications() {
		lp, ok := pub.(*lksdk.LocalTrackPublication)
		if !ok || lp.Kind() != lksdk.TrackKindAudio {
			continue
		}
		lp.SetMuted(!enabled)
	}
}

func (t *Transport) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				t.emit(liveavatar.TrackSubscribed{Track: wrapTrack(track, pub), Participant: rp.Identity()})
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				t.emit(liveavatar.TrackUnsubscribed{Track: wrapTrack(track, pub), Participant: rp.Identity()})
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				if ev, ok := dataEvent(data, params); ok {
					t.emit(ev)
				}
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			t.emit(liveavatar.ParticipantConnected{Identity: rp.Identity()})
		},
		OnActiveSpeakersChanged: func(speakers []lksdk.Participant) {
			ids := make([]string, 0, len(speakers))
			for _, p := range speakers {
				ids = append(ids, p.Identity())
			}
			t.emit(liveavatar.ActiveSpeakersChanged{Identities: ids})
		},
		OnDisconnected: func() {
			t.emit(liveavatar.Disconnected{Err: errRoomClosed})
		},
	}
}

func dataEvent(data lksdk.DataPacket, params lksdk.DataReceiveParams) (liveavatar.DataReceived, bool) {
	pkt, ok := data.(*lksdk.UserDataPacket)
	if !ok || len(pkt.Payload) == 0 {
		return liveavatar.DataReceived{}, false
	}
	sender := params.SenderIdentity
	if sender == "" && params.Sender != nil {
		sender = params.Sender.Identity()
	}
	return liveavatar.DataReceived{Participant: sender, Payload: pkt.Payload}, true
}

// emit queues ev for the sink. Events after Disconnect are dropped.
func (t *Transport) emit(ev liveavatar.Event) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case ev := <-t.events:
			t.mu.Lock()
			sink := t.sink
			t.mu.Unlock()
			if sink != nil {
				sink(ev)
			}
		}
	}
}

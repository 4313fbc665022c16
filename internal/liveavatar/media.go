package liveavatar

import (
	"log/slog"
)

// AudioSink plays one remote audio track. Play must not block on media I/O.
type AudioSink interface {
	Attach(track Track) error
	Play() error
	Release() error
}

// VideoSink is the single avatar video output.
type VideoSink interface {
	Attach(track Track) error
	Detach() error
}

// SinkFactory creates one audio sink per track binding.
type SinkFactory interface {
	NewAudioSink(key TrackKey) (AudioSink, error)
}

// MediaManager binds remote tracks to sinks. It is not safe for concurrent
// use; the Controller serializes access.
type MediaManager struct {
	factory SinkFactory
	video   VideoSink
	logger  *slog.Logger

	audio        map[TrackKey]AudioSink
	videoKey     TrackKey
	videoBound   bool
	unlockNeeded bool
}

func NewMediaManager(factory SinkFactory, video VideoSink, logger *slog.Logger) *MediaManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaManager{
		factory: factory,
		video:   video,
		logger:  logger,
		audio:   make(map[TrackKey]AudioSink),
	}
}

// OnTrackSubscribed binds track to a sink. Repeated calls for the same key
// are no-ops.
func (m *MediaManager) OnTrackSubscribed(track Track, participant string) {
	if track == nil {
		return
	}
	key := TrackKey{Participant: participant, TrackID: track.ID()}

	switch track.Kind() {
	case TrackKindVideo:
		if m.video == nil {
			return
		}
		if m.videoBound && m.videoKey == key {
			return
		}
		if err := m.video.Attach(track); err != nil {
			m.logger.Warn("video attach failed", "participant", participant, "track_id", key.TrackID, "error", err)
			return
		}
		m.videoKey = key
		m.videoBound = true
	case TrackKindAudio:
		if _, ok := m.audio[key]; ok {
			return
		}
		if m.factory == nil {
			return
		}
		sink, err := m.factory.NewAudioSink(key)
		if err != nil {
			m.logger.Warn("audio sink create failed", "participant", participant, "track_id", key.TrackID, "error", err)
			return
		}
		if err := sink.Attach(track); err != nil {
			m.logger.Warn("audio attach failed", "participant", participant, "track_id", key.TrackID, "error", err)
			_ = sink.Release()
			return
		}
		m.audio[key] = sink
		m.play(key, sink)
	}
}

// OnTrackUnsubscribed releases the sink bound to track, if any.
func (m *MediaManager) OnTrackUnsubscribed(track Track, participant string) {
	if track == nil {
		return
	}
	key := TrackKey{Participant: participant, TrackID: track.ID()}

	switch track.Kind() {
	case TrackKindVideo:
		if !m.videoBound || m.videoKey != key {
			return
		}
		m.detachVideo()
	case TrackKindAudio:
		sink, ok := m.audio[key]
		if !ok {
			return
		}
		delete(m.audio, key)
		if err := sink.Release(); err != nil {
			m.logger.Warn("audio sink release failed", "participant", participant, "track_id", key.TrackID, "error", err)
		}
		if len(m.audio) == 0 {
			m.unlockNeeded = false
		}
	}
}

// Unlock retries playback on every tracked audio sink after a user gesture
// and reports whether an unlock is still needed.
func (m *MediaManager) Unlock() bool {
	blocked := false
	for key, sink := range m.audio {
		if err := sink.Play(); err != nil {
			if isPlaybackRejection(err) {
				blocked = true
				continue
			}
			m.logger.Warn("audio play retry failed", "participant", key.Participant, "track_id", key.TrackID, "error", err)
		}
	}
	m.unlockNeeded = blocked
	return m.unlockNeeded
}

func (m *MediaManager) UnlockNeeded() bool { return m.unlockNeeded }

func (m *MediaManager) AudioSinkCount() int { return len(m.audio) }

// TrackCount counts bound audio and video tracks.
func (m *MediaManager) TrackCount() int {
	n := len(m.audio)
	if m.videoBound {
		n++
	}
	return n
}

// Teardown releases every sink and clears all bindings.
func (m *MediaManager) Teardown() {
	for key, sink := range m.audio {
		if err := sink.Release(); err != nil {
			m.logger.Warn("audio sink release failed", "participant", key.Participant, "track_id", key.TrackID, "error", err)
		}
	}
	clear(m.audio)
	if m.videoBound {
		m.detachVideo()
	}
	m.unlockNeeded = false
}

func (m *MediaManager) play(key TrackKey, sink AudioSink) {
	err := sink.Play()
	if err == nil {
		return
	}
	if isPlaybackRejection(err) {
		m.logger.Info("audio playback needs unlock", "participant", key.Participant, "track_id", key.TrackID)
		m.unlockNeeded = true
		return
	}
	m.logger.Warn("audio play failed", "participant", key.Participant, "track_id", key.TrackID, "error", err)
}

func (m *MediaManager) detachVideo() {
	if err := m.video.Detach(); err != nil {
		m.logger.Warn("video detach failed", "track_id", m.videoKey.TrackID, "error", err)
	}
	m.videoKey = TrackKey{}
	m.videoBound = false
}

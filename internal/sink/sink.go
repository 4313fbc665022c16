// Package sink records remote avatar media to files. It stands in for
// speakers and a video element on a headless client: audio only starts once
// the user has granted playback.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/antoniostano/avatarlive/internal/liveavatar"
)

// RTPTrack is a remote track the sinks can read media from.
type RTPTrack interface {
	liveavatar.Track
	ReadRTP() (*rtp.Packet, error)
	MimeType() string
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Consent records whether the user allowed audio playback.
type Consent struct {
	granted atomic.Bool
}

func (c *Consent) Grant()        { c.granted.Store(true) }
func (c *Consent) Granted() bool { return c.granted.Load() }

// Factory creates file-backed audio sinks under Dir.
type Factory struct {
	dir     string
	consent *Consent
	logger  *slog.Logger
}

var _ liveavatar.SinkFactory = (*Factory)(nil)

func NewFactory(dir string, consent *Consent, logger *slog.Logger) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if consent == nil {
		consent = &Consent{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{dir: dir, consent: consent, logger: logger}, nil
}

func (f *Factory) NewAudioSink(key liveavatar.TrackKey) (liveavatar.AudioSink, error) {
	return &AudioFile{
		key:     key,
		path:    filepath.Join(f.dir, fileName(key.Participant, key.TrackID, ".ogg")),
		consent: f.consent,
		logger:  f.logger,
	}, nil
}

// NewVideo returns the video sink writing under the factory's directory.
func (f *Factory) NewVideo() *VideoFile {
	return &VideoFile{dir: f.dir, logger: f.logger}
}

// AudioFile writes one Opus track to an Ogg file once playback is allowed.
type AudioFile struct {
	key     liveavatar.TrackKey
	path    string
	consent *Consent
	logger  *slog.Logger

	mu       sync.Mutex
	track    RTPTrack
	pump     *pump
	released bool
}

func (a *AudioFile) Attach(track liveavatar.Track) error {
	rt, ok := track.(RTPTrack)
	if !ok {
		return fmt.Errorf("sink: track %s cannot be read", track.ID())
	}
	if mime := strings.ToLower(rt.MimeType()); mime != "" && mime != "audio/opus" {
		return fmt.Errorf("sink: unsupported audio codec %s", rt.MimeType())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.track = rt
	return nil
}

// Play starts recording. Without consent it returns a PlaybackPolicyError.
func (a *AudioFile) Play() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return errors.New("sink: audio sink released")
	}
	if a.track == nil {
		return errors.New("sink: no track attached")
	}
	if a.pump != nil {
		return nil
	}
	if !a.consent.Granted() {
		return &liveavatar.PlaybackPolicyError{Key: a.key, Err: liveavatar.ErrPlaybackBlocked}
	}
	w, err := newOggWriter(a.path)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", a.path, err)
	}
	a.pump = startPump(a.track, w, a.logger)
	a.logger.Debug("audio recording started", "path", a.path)
	return nil
}

func (a *AudioFile) Release() error {
	a.mu.Lock()
	a.released = true
	p := a.pump
	a.pump = nil
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.stop()
}

// Path is where audio is written.
func (a *AudioFile) Path() string { return a.path }

// VideoFile records the avatar video track. Video needs no consent.
type VideoFile struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	pump *pump
	path string
}

var _ liveavatar.VideoSink = (*VideoFile)(nil)

func (v *VideoFile) Attach(track liveavatar.Track) error {
	rt, ok := track.(RTPTrack)
	if !ok {
		return fmt.Errorf("sink: track %s cannot be read", track.ID())
	}
	path, w, err := newVideoWriter(v.dir, rt)
	if err != nil {
		return err
	}

	v.mu.Lock()
	old := v.pump
	v.pump = startPump(rt, w, v.logger)
	v.path = path
	v.mu.Unlock()
	if old != nil {
		_ = old.stop()
	}
	v.logger.Debug("video recording started", "path", path)
	return nil
}

func (v *VideoFile) Detach() error {
	v.mu.Lock()
	p := v.pump
	v.pump = nil
	v.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.stop()
}

// Path is the file of the current or last attached track.
func (v *VideoFile) Path() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.path
}

// pump copies packets from a track to a writer until the track ends or stop
// is called.
type pump struct {
	mu     sync.Mutex
	w      rtpWriter
	closed bool
	err    error
}

func startPump(track RTPTrack, w rtpWriter, logger *slog.Logger) *pump {
	p := &pump{w: w}
	go func() {
		for {
			pkt, err := track.ReadRTP()
			if err != nil {
				_ = p.stop()
				return
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			if err := p.w.WriteRTP(pkt); err != nil {
				logger.Debug("media write failed", "track_id", track.ID(), "error", err)
			}
			p.mu.Unlock()
		}
	}()
	return p
}

func (p *pump) stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.err
	}
	p.closed = true
	p.err = p.w.Close()
	return p.err
}

func fileName(participant, trackID, ext string) string {
	clean := func(s string) string {
		s = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
		if s == "" {
			return "unknown"
		}
		return s
	}
	return clean(participant) + "-" + clean(trackID) + ext
}

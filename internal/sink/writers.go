package sink

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
)

func newOggWriter(path string) (rtpWriter, error) {
	return oggwriter.New(path, opusSampleRate, opusChannels)
}

// newVideoWriter picks a container for the track's codec.
func newVideoWriter(dir string, track RTPTrack) (string, rtpWriter, error) {
	switch mime := strings.ToLower(track.MimeType()); mime {
	case "video/vp8", "":
		path := filepath.Join(dir, fileName("avatar", track.ID(), ".ivf"))
		w, err := ivfwriter.New(path)
		if err != nil {
			return "", nil, fmt.Errorf("sink: open %s: %w", path, err)
		}
		return path, w, nil
	case "video/h264":
		path := filepath.Join(dir, fileName("avatar", track.ID(), ".h264"))
		w, err := h264writer.New(path)
		if err != nil {
			return "", nil, fmt.Errorf("sink: open %s: %w", path, err)
		}
		return path, w, nil
	default:
		return "", nil, fmt.Errorf("sink: unsupported video codec %s", track.MimeType())
	}
}

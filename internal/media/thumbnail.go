package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultThumbnailAt = 2 * time.Second

var ErrExtractionFailure = errors.New("can't extract thumbnail")

// Info describes the first video stream of a file.
type Info struct {
	FPS      float64
	Frames   int64
	Duration float64
}

type Prober interface {
	Probe(ctx context.Context, path string) (*Info, error)
}

type FrameGrabber interface {
	GrabFrame(ctx context.Context, video string, n int64, out string) error
}

type Thumbnailer struct {
	prober  Prober
	grabber FrameGrabber
	l       *log.Entry
}

func NewThumbnailer(prober Prober, grabber FrameGrabber, l *log.Entry) *Thumbnailer {
	return &Thumbnailer{prober: prober, grabber: grabber, l: l.WithField("component", "thumbnailer")}
}

// TargetFrame is the frame shown at offset, clamped to the last frame of a shorter video.
func TargetFrame(fps float64, frames int64, at time.Duration) int64 {
	n := int64(fps * at.Seconds())
	if n >= frames {
		n = frames - 1
	}
	if n < 0 {
		n = 0
	}
	return n
}

// ExtractStill writes a jpeg of the frame at offset at next to the video and returns its path.
// The file is complete by the time the path is returned.
func (t *Thumbnailer) ExtractStill(ctx context.Context, video string, at time.Duration) (string, error) {
	l := t.l.WithField("video", video)
	info, err := t.prober.Probe(ctx, video)
	if err != nil {
		l.WithError(err).Error(ErrExtractionFailure)
		return "", fmt.Errorf("%w: %w", ErrExtractionFailure, err)
	}
	if info.FPS <= 0 || info.Frames <= 0 {
		l.WithFields(log.Fields{"fps": info.FPS, "frames": info.Frames}).Error(ErrExtractionFailure)
		return "", fmt.Errorf("%w: stream has no frames", ErrExtractionFailure)
	}

	frame := TargetFrame(info.FPS, info.Frames, at)
	out := strings.TrimSuffix(video, filepath.Ext(video)) + ".jpg"
	tmp := out + ".part"
	if err := t.grabber.GrabFrame(ctx, video, frame, tmp); err != nil {
		removeIfExists(tmp, l)
		l.WithField("frame", frame).WithError(err).Error(ErrExtractionFailure)
		return "", fmt.Errorf("%w: %w", ErrExtractionFailure, err)
	}
	if st, err := os.Stat(tmp); err != nil || st.Size() == 0 {
		removeIfExists(tmp, l)
		return "", fmt.Errorf("%w: frame %d was not written", ErrExtractionFailure, frame)
	}
	if err := os.Rename(tmp, out); err != nil {
		removeIfExists(tmp, l)
		return "", fmt.Errorf("%w: %w", ErrExtractionFailure, err)
	}
	l.WithField("frame", frame).Debug("thumbnail written")
	return out, nil
}

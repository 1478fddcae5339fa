package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CanonicalExt is the container every stored video is normalized to.
const CanonicalExt = "mp4"

const DefaultConvertTimeout = 300 * time.Second

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedMedia  = errors.New("uploaded file is not a video")
	ErrConversionTimeout = errors.New("conversion timed out")
	ErrConversionError   = errors.New("conversion failed")

	ErrEmptyStream         = fmt.Errorf("%w: empty file", ErrInvalidInput)
	ErrExtensionNotAllowed = fmt.Errorf("%w: file type not allowed", ErrInvalidInput)
)

var allowedExtensions = map[string]bool{
	"mp4": true, "mov": true, "avi": true, "mkv": true, "wmv": true, "flv": true, "webm": true,
	"m4v": true, "3gp": true, "ts": true, "mts": true, "m2ts": true, "vob": true, "ogv": true,
	"mxf": true, "mpg": true, "mpeg": true, "m2v": true, "divx": true, "f4v": true, "rm": true,
	"rmvb": true, "asf": true, "dat": true,
}

// video containers mimetype files outside video/*
var videoContainers = map[string]bool{
	"application/vnd.rn-realmedia":     true,
	"application/vnd.rn-realmedia-vbr": true,
	"application/mxf":                  true,
}

type Transcoder interface {
	Transcode(ctx context.Context, in, out string) error
}

// Normalized is a stream in the canonical container.
type Normalized struct {
	Path string
	Size int64
}

type Normalizer struct {
	transcoder      Transcoder
	workDir         string
	timeout         time.Duration
	verifyCanonical bool
	l               *log.Entry
}

type NormalizerOption func(*Normalizer)

func WithTimeout(d time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithVerifyCanonical makes the mp4 fast path sniff the content instead of trusting the extension.
func WithVerifyCanonical(v bool) NormalizerOption {
	return func(n *Normalizer) { n.verifyCanonical = v }
}

func NewNormalizer(transcoder Transcoder, workDir string, l *log.Entry, opts ...NormalizerOption) (*Normalizer, error) {
	if err := os.MkdirAll(workDir, fs.ModePerm); err != nil {
		return nil, fmt.Errorf("can't create conversion dir: %w", err)
	}
	n := &Normalizer{
		transcoder: transcoder,
		workDir:    workDir,
		timeout:    DefaultConvertTimeout,
		l:          l.WithField("component", "normalizer"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Ext returns the lower-cased extension of name without the dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func AllowedExtension(ext string) bool {
	return allowedExtensions[strings.ToLower(ext)]
}

// Normalize returns the canonical mp4 for the stream at path. Declared mp4 passes through
// untouched; anything else must sniff as video and is transcoded under the timeout. On a
// successful conversion the input file is removed.
func (n *Normalizer) Normalize(ctx context.Context, path, declaredExt string) (*Normalized, error) {
	ext := strings.ToLower(declaredExt)
	l := n.l.WithFields(log.Fields{"path": path, "ext": ext})
	if !AllowedExtension(ext) {
		return nil, ErrExtensionNotAllowed
	}
	st, err := os.Stat(path)
	if err != nil {
		l.WithError(err).Error("can't stat stream")
		return nil, ErrEmptyStream
	}
	if st.Size() == 0 {
		return nil, ErrEmptyStream
	}

	if ext == CanonicalExt {
		if n.verifyCanonical {
			if err := sniffVideo(path, l); err != nil {
				return nil, err
			}
		}
		return &Normalized{Path: path, Size: st.Size()}, nil
	}

	if err := sniffVideo(path, l); err != nil {
		return nil, err
	}

	out := filepath.Join(n.workDir, uuid.NewString()+"."+CanonicalExt)
	// the client can't abort a started conversion, only the timeout stops it
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	started := time.Now()
	err = n.transcoder.Transcode(tctx, path, out)
	if err != nil {
		removeIfExists(out, l)
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			l.WithField("timeout", n.timeout).Error(ErrConversionTimeout)
			return nil, ErrConversionTimeout
		}
		l.WithError(err).Error(ErrConversionError)
		return nil, ErrConversionError
	}

	res, err := os.Stat(out)
	if err != nil || res.Size() == 0 {
		removeIfExists(out, l)
		l.WithError(err).Error("conversion produced no output")
		return nil, ErrConversionError
	}
	removeIfExists(path, l)
	l.WithFields(log.Fields{"size": res.Size(), "took": time.Since(started)}).Info("converted to mp4")

	return &Normalized{Path: out, Size: res.Size()}, nil
}

func sniffVideo(path string, l *log.Entry) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		l.WithError(err).Error("can't inspect stream")
		return ErrUnsupportedMedia
	}
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") || videoContainers[m.String()] {
			return nil
		}
	}
	l.WithField("detected", mt.String()).Warning(ErrUnsupportedMedia)
	return fmt.Errorf("%w: detected %s", ErrUnsupportedMedia, mt.String())
}

func removeIfExists(p string, l *log.Entry) {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.WithField("path", p).WithError(err).Warning("can't remove file")
	}
}

package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getLogger() *log.Entry {
	l := log.New()
	l.SetLevel(log.FatalLevel)
	return l.WithField("in_test", true)
}

// aviHeader is enough of a RIFF/AVI header for content sniffing.
var aviHeader = append([]byte("RIFF\x00\x10\x00\x00AVI LIST"), bytes.Repeat([]byte{0}, 64)...)

type fakeTranscoder struct {
	calls  int
	output []byte
	err    error
	block  bool
}

func (f *fakeTranscoder) Transcode(ctx context.Context, _, out string) error {
	f.calls++
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(out, f.output, 0o644)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestNormalizer_Normalize(t *testing.T) {
	tests := []struct {
		name       string
		file       string
		data       []byte
		ext        string
		transcoder *fakeTranscoder
		opts       []NormalizerOption
		wantErr    error
		wantSize   int64
		wantCalls  int
		samePath   bool
	}{
		{
			name:       "mp4 passes through",
			file:       "in.mp4",
			data:       []byte("whatever the client sent"),
			ext:        "MP4",
			transcoder: &fakeTranscoder{},
			wantSize:   24,
			samePath:   true,
		},
		{
			name:       "mp4 verified when asked",
			file:       "in.mp4",
			data:       []byte("plain text, not a video"),
			ext:        "mp4",
			transcoder: &fakeTranscoder{},
			opts:       []NormalizerOption{WithVerifyCanonical(true)},
			wantErr:    ErrUnsupportedMedia,
		},
		{
			name:       "avi is converted",
			file:       "in.avi",
			data:       aviHeader,
			ext:        "avi",
			transcoder: &fakeTranscoder{output: []byte("converted")},
			wantSize:   9,
			wantCalls:  1,
		},
		{
			name:       "non video bytes",
			file:       "in.mov",
			data:       []byte("%PDF-1.4 definitely a document"),
			ext:        "mov",
			transcoder: &fakeTranscoder{},
			wantErr:    ErrUnsupportedMedia,
		},
		{
			name:       "extension not allowed",
			file:       "in.exe",
			data:       aviHeader,
			ext:        "exe",
			transcoder: &fakeTranscoder{},
			wantErr:    ErrInvalidInput,
		},
		{
			name:       "empty stream",
			file:       "in.mp4",
			data:       nil,
			ext:        "mp4",
			transcoder: &fakeTranscoder{},
			wantErr:    ErrInvalidInput,
		},
		{
			name:       "converter fails",
			file:       "in.avi",
			data:       aviHeader,
			ext:        "avi",
			transcoder: &fakeTranscoder{err: errors.New("exit status 1")},
			wantErr:    ErrConversionError,
			wantCalls:  1,
		},
		{
			name:       "converter writes nothing",
			file:       "in.avi",
			data:       aviHeader,
			ext:        "avi",
			transcoder: &fakeTranscoder{output: []byte{}},
			wantErr:    ErrConversionError,
			wantCalls:  1,
		},
		{
			name:       "converter hangs",
			file:       "in.avi",
			data:       aviHeader,
			ext:        "avi",
			transcoder: &fakeTranscoder{block: true},
			opts:       []NormalizerOption{WithTimeout(50 * time.Millisecond)},
			wantErr:    ErrConversionTimeout,
			wantCalls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := writeFile(t, tt.file, tt.data)
			work := t.TempDir()
			n, err := NewNormalizer(tt.transcoder, work, getLogger(), tt.opts...)
			require.NoError(t, err)

			got, err := n.Normalize(context.Background(), in, tt.ext)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, tt.transcoder.calls)
			if tt.wantErr != nil {
				assert.Nil(t, got)
				entries, err := os.ReadDir(work)
				require.NoError(t, err)
				assert.Empty(t, entries, "failed conversion leaves no output")
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantSize, got.Size)
			if tt.samePath {
				assert.Equal(t, in, got.Path)
				return
			}
			assert.Equal(t, ".mp4", filepath.Ext(got.Path))
			_, err = os.Stat(in)
			assert.True(t, errors.Is(err, os.ErrNotExist), "input removed after conversion")
		})
	}
}

func TestNormalizer_CallerCancelDoesNotAbortConversion(t *testing.T) {
	in := writeFile(t, "in.avi", aviHeader)
	n, err := NewNormalizer(&fakeTranscoder{output: []byte("ok")}, t.TempDir(), getLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := n.Normalize(ctx, in, "avi")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Size)
}

func TestTargetFrame(t *testing.T) {
	tests := []struct {
		name   string
		fps    float64
		frames int64
		at     time.Duration
		want   int64
	}{
		{name: "inside", fps: 30, frames: 300, at: 2 * time.Second, want: 60},
		{name: "one second clip clamps", fps: 30, frames: 30, at: 2 * time.Second, want: 29},
		{name: "exactly at end", fps: 10, frames: 20, at: 2 * time.Second, want: 19},
		{name: "single frame", fps: 25, frames: 1, at: 2 * time.Second, want: 0},
		{name: "ntsc", fps: 30000.0 / 1001, frames: 1000, at: 2 * time.Second, want: 59},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetFrame(tt.fps, tt.frames, tt.at))
		})
	}
}

type fakeProber struct {
	info *Info
	err  error
}

func (f fakeProber) Probe(context.Context, string) (*Info, error) {
	return f.info, f.err
}

type fakeGrabber struct {
	frame int64
	write bool
}

func (f *fakeGrabber) GrabFrame(_ context.Context, _ string, n int64, out string) error {
	f.frame = n
	if !f.write {
		return nil
	}
	return os.WriteFile(out, []byte("\xff\xd8jpeg"), 0o644)
}

func TestThumbnailer_ExtractStill(t *testing.T) {
	tests := []struct {
		name      string
		prober    fakeProber
		grabber   *fakeGrabber
		wantErr   error
		wantFrame int64
	}{
		{
			name:      "one second clip uses last frame",
			prober:    fakeProber{info: &Info{FPS: 30, Frames: 30, Duration: 1}},
			grabber:   &fakeGrabber{write: true},
			wantFrame: 29,
		},
		{
			name:      "long clip",
			prober:    fakeProber{info: &Info{FPS: 25, Frames: 2500, Duration: 100}},
			grabber:   &fakeGrabber{write: true},
			wantFrame: 50,
		},
		{
			name:    "zero fps",
			prober:  fakeProber{info: &Info{FPS: 0, Frames: 30}},
			grabber: &fakeGrabber{write: true},
			wantErr: ErrExtractionFailure,
		},
		{
			name:    "no frames",
			prober:  fakeProber{info: &Info{FPS: 30, Frames: 0}},
			grabber: &fakeGrabber{write: true},
			wantErr: ErrExtractionFailure,
		},
		{
			name:    "probe fails",
			prober:  fakeProber{err: errors.New("moov atom not found")},
			grabber: &fakeGrabber{write: true},
			wantErr: ErrExtractionFailure,
		},
		{
			name:      "nothing written",
			prober:    fakeProber{info: &Info{FPS: 30, Frames: 300}},
			grabber:   &fakeGrabber{},
			wantErr:   ErrExtractionFailure,
			wantFrame: 60,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video := writeFile(t, "clip.mp4", []byte("video"))
			th := NewThumbnailer(tt.prober, tt.grabber, getLogger())

			got, err := th.ExtractStill(context.Background(), video, DefaultThumbnailAt)
			if diff := cmp.Diff(tt.wantErr, err, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("ExtractStill() error:\n%s", diff)
			}
			assert.Equal(t, tt.wantFrame, tt.grabber.frame)
			if tt.wantErr != nil {
				assert.Empty(t, got)
				_, err := os.Stat(filepath.Join(filepath.Dir(video), "clip.jpg.part"))
				assert.True(t, errors.Is(err, os.ErrNotExist))
				return
			}
			assert.Equal(t, filepath.Join(filepath.Dir(video), "clip.jpg"), got)
			assert.FileExists(t, got)
		})
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *Info
		wantErr bool
	}{
		{
			name: "full",
			raw:  `{"streams":[{"r_frame_rate":"30/1","avg_frame_rate":"30/1","nb_frames":"90","nb_read_packets":"90"}],"format":{"duration":"3.000000"}}`,
			want: &Info{FPS: 30, Frames: 90, Duration: 3},
		},
		{
			name: "matroska without nb_frames",
			raw:  `{"streams":[{"r_frame_rate":"25/1","avg_frame_rate":"0/0","nb_read_packets":"50"}],"format":{}}`,
			want: &Info{FPS: 25, Frames: 50, Duration: 2},
		},
		{
			name:    "no streams",
			raw:     `{"streams":[],"format":{"duration":"1.0"}}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			raw:     `not json`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseProbe() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllowedExtension(t *testing.T) {
	assert.True(t, AllowedExtension("MKV"))
	assert.True(t, AllowedExtension("rmvb"))
	assert.False(t, AllowedExtension("gif"))
	assert.False(t, AllowedExtension(""))
	assert.Equal(t, "mov", Ext("Salsa Night.MOV"))
	assert.Equal(t, "", Ext("noext"))
}

// Runs against the real binaries when they are installed.
func TestFFmpeg_OneSecondClip(t *testing.T) {
	for _, bin := range []string{DefaultFFmpeg, DefaultFFprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	gen := exec.Command(DefaultFFmpeg, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=64x64:rate=10",
		"-c:v", "mpeg4", "-y", video)
	require.NoError(t, gen.Run())

	ctx := context.Background()
	info, err := NewFFprobe("").Probe(ctx, video)
	require.NoError(t, err)
	assert.Equal(t, float64(10), info.FPS)
	assert.Equal(t, int64(10), info.Frames)
	assert.InDelta(t, 1.0, info.Duration, 0.1)

	th := NewThumbnailer(NewFFprobe(""), NewFFmpeg("", getLogger()), getLogger())
	got, err := th.ExtractStill(ctx, video, DefaultThumbnailAt)
	require.NoError(t, err)
	assert.FileExists(t, got)
}

package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultFFmpeg  = "ffmpeg"
	DefaultFFprobe = "ffprobe"
)

// FFmpeg runs the ffmpeg binary for transcoding and frame extraction.
type FFmpeg struct {
	bin string
	l   *log.Entry
}

func NewFFmpeg(bin string, l *log.Entry) *FFmpeg {
	if bin == "" {
		bin = DefaultFFmpeg
	}
	return &FFmpeg{bin: bin, l: l.WithField("bin", bin)}
}

// Transcode converts in to H.264/AAC mp4 with the moov atom up front.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string) error {
	return f.run(ctx,
		"-i", in,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-y",
		out,
	)
}

// GrabFrame writes frame number n of the video as a jpeg.
func (f *FFmpeg) GrabFrame(ctx context.Context, video string, n int64, out string) error {
	return f.run(ctx,
		"-i", video,
		"-vf", fmt.Sprintf("select=eq(n\\,%d)", n),
		"-frames:v", "1",
		"-f", "image2",
		"-y",
		out,
	)
}

func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	stderr := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, f.bin, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		f.l.WithField("stderr", lastLine(stderr.String())).WithError(err).Debug("ffmpeg failed")
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// FFprobe reads stream properties with the ffprobe binary.
type FFprobe struct {
	bin string
}

func NewFFprobe(bin string) *FFprobe {
	if bin == "" {
		bin = DefaultFFprobe
	}
	return &FFprobe{bin: bin}
}

type probeOutput struct {
	Streams []struct {
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *FFprobe) Probe(ctx context.Context, path string) (*Info, error) {
	out, err := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=r_frame_rate,avg_frame_rate,nb_frames,nb_read_packets:format=duration",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(raw []byte) (*Info, error) {
	res := &probeOutput{}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("can't parse ffprobe output: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream")
	}
	s := res.Streams[0]
	info := &Info{FPS: parseRate(s.AvgFrameRate)}
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	for _, v := range []string{s.NbFrames, s.NbReadPackets} {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			info.Frames = n
			break
		}
	}
	if d, err := strconv.ParseFloat(res.Format.Duration, 64); err == nil {
		info.Duration = d
	} else if info.FPS > 0 {
		info.Duration = float64(info.Frames) / info.FPS
	}
	return info, nil
}

// parseRate reads ffprobe rationals such as "30000/1001"; anything unusable is 0.
func parseRate(r string) float64 {
	num, den, found := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

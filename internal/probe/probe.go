package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wapuda/tg-fetcher/internal/exec"
)

// Prober reads stream properties with ffprobe and grabs stills with ffmpeg.
// Every method is best-effort: failures come back as ok=false.
type Prober struct {
	runner  exec.Runner
	ffprobe string
	ffmpeg  string
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width,omitempty"`
		Height    int    `json:"height,omitempty"`
		Duration  string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func NewProber(runner exec.Runner, ffprobePath, ffmpegPath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Prober{runner: runner, ffprobe: ffprobePath, ffmpeg: ffmpegPath}
}

func (p *Prober) probe(ctx context.Context, path string) (*ffprobeOutput, error) {
	out, err := p.runner.Run(ctx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	var data ffprobeOutput
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &data, nil
}

// Dimensions returns the first video stream's width and height.
func (p *Prober) Dimensions(ctx context.Context, path string) (width, height int, ok bool) {
	data, err := p.probe(ctx, path)
	if err != nil {
		return 0, 0, false
	}
	for _, s := range data.Streams {
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			return s.Width, s.Height, true
		}
	}
	return 0, 0, false
}

// Duration returns the container duration, falling back to the video stream's.
func (p *Prober) Duration(ctx context.Context, path string) (float64, bool) {
	data, err := p.probe(ctx, path)
	if err != nil {
		return 0, false
	}
	if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil && d > 0 {
		return d, true
	}
	for _, s := range data.Streams {
		if s.CodecType != "video" {
			continue
		}
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > 0 {
			return d, true
		}
	}
	return 0, false
}

// Frame extracts one JPEG still at timestamp seconds, scaled to 320px wide.
func (p *Prober) Frame(ctx context.Context, path string, timestamp float64) ([]byte, bool) {
	out, err := p.runner.Run(ctx, p.ffmpeg,
		"-v", "quiet",
		"-ss", fmt.Sprintf("%.2f", timestamp),
		"-i", path,
		"-frames:v", "1",
		"-vf", "scale=320:-1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	)
	if err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

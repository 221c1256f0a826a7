// Package ytdlp drives the external yt-dlp binary: one JSON dump per URL
// for metadata, one streaming run per download.
package ytdlp

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/wapuda/tg-fetcher/internal/exec"
	"github.com/wapuda/tg-fetcher/internal/media"
)

// OutputTemplate names the single file a run deposits in its directory.
const OutputTemplate = "%(title)s.%(ext)s"

type Client struct {
	runner  exec.Runner
	binary  string
	cookies string
}

func New(runner exec.Runner, binary, cookies string) *Client {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Client{runner: runner, binary: binary, cookies: cookies}
}

// Request describes one download invocation.
type Request struct {
	URL       string
	FormatIDs []string
	AudioOnly bool
	// Merge asks for an mp4 container when separate streams are joined.
	Merge bool
	Dir   string
}

// Metadata queries the available formats for url.
func (c *Client) Metadata(ctx context.Context, url string) (media.Metadata, error) {
	args := []string{"--dump-single-json", "--no-playlist", "--no-warnings"}
	if c.cookies != "" {
		args = append(args, "--cookies", c.cookies)
	}
	args = append(args, "--", url)

	out, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		return media.Metadata{}, fmt.Errorf("ytdlp: metadata: %w", err)
	}
	m, err := media.ParseMetadata(out)
	if err != nil {
		return media.Metadata{}, fmt.Errorf("ytdlp: metadata: %w", err)
	}
	return m, nil
}

// Download fetches req.FormatIDs into req.Dir, reporting each output line.
func (c *Client) Download(ctx context.Context, req Request, onLine func(string)) error {
	if len(req.FormatIDs) == 0 {
		return fmt.Errorf("ytdlp: download: no format ids")
	}
	if err := c.runner.Stream(ctx, req.Dir, onLine, c.binary, c.DownloadArgs(req)...); err != nil {
		return fmt.Errorf("ytdlp: download: %w", err)
	}
	return nil
}

// DownloadArgs builds the command line for req.
func (c *Client) DownloadArgs(req Request) []string {
	args := []string{"--newline", "--progress-delta", "2", "--no-playlist"}
	if req.AudioOnly {
		args = append(args, "-x")
	} else if req.Merge {
		args = append(args, "--merge-output-format", "mp4")
	}
	args = append(args,
		"-f", strings.Join(req.FormatIDs, "+"),
		"-o", filepath.Join(req.Dir, OutputTemplate),
	)
	if c.cookies != "" {
		args = append(args, "--cookies", c.cookies)
	}
	return append(args, "--", req.URL)
}

var percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// ParsePercent extracts the completion percentage from a "[download]" line.
func ParsePercent(line string) (float64, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[download]") {
		return 0, false
	}
	m := percentRe.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	p, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return p, true
}

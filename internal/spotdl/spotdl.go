// Package spotdl fetches Spotify tracks with the external spotdl binary.
package spotdl

import (
	"context"
	"fmt"

	"github.com/wapuda/tg-fetcher/internal/exec"
	"github.com/wapuda/tg-fetcher/internal/ytdlp"
)

type Client struct {
	runner exec.Runner
	binary string
}

func New(runner exec.Runner, binary string) *Client {
	if binary == "" {
		binary = "spotdl"
	}
	return &Client{runner: runner, binary: binary}
}

// Download runs spotdl inside req.Dir. Format ids do not apply; spotdl
// picks its own source and always produces audio.
func (c *Client) Download(ctx context.Context, req ytdlp.Request, onLine func(string)) error {
	if req.URL == "" {
		return fmt.Errorf("spotdl: download: empty url")
	}
	if err := c.runner.Stream(ctx, req.Dir, onLine, c.binary, "download", req.URL); err != nil {
		return fmt.Errorf("spotdl: download: %w", err)
	}
	return nil
}

// Package delivery sends a finished download back to the chat, trying the
// richest upload shape first and falling back to a plain document.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/wapuda/tg-fetcher/internal/chat"
	logx "github.com/wapuda/tg-fetcher/internal/logs"
)

// Prober supplies optional video metadata. Every lookup may fail softly.
type Prober interface {
	Dimensions(ctx context.Context, path string) (width, height int, ok bool)
	Duration(ctx context.Context, path string) (float64, bool)
	Frame(ctx context.Context, path string, timestamp float64) ([]byte, bool)
}

type Adapter struct {
	msg   chat.Messenger
	probe Prober
}

// New builds an Adapter. probe may be nil, in which case videos go out bare.
func New(msg chat.Messenger, probe Prober) *Adapter {
	return &Adapter{msg: msg, probe: probe}
}

// Deliver uploads path to chatID. Audio goes out as audio and everything
// else as a video with whatever metadata the prober could find. A rejected
// upload is retried once as a document; if that fails too both reasons are
// returned joined.
func (a *Adapter) Deliver(ctx context.Context, chatID int64, path string, audioOnly bool) error {
	log := logx.FromCtx(ctx)

	var richErr error
	if audioOnly {
		richErr = a.msg.SendAudio(ctx, chatID, path)
	} else {
		richErr = a.msg.SendVideo(ctx, chatID, path, a.VideoMeta(ctx, path))
	}
	if richErr == nil {
		return nil
	}
	log.Warn().Err(richErr).Bool("audio_only", audioOnly).Msg("rich upload rejected, sending as document")

	docErr := a.msg.SendDocument(ctx, chatID, path)
	if docErr == nil {
		return nil
	}
	return errors.Join(
		fmt.Errorf("upload: %w", richErr),
		fmt.Errorf("document: %w", docErr),
	)
}

// VideoMeta collects width, height, duration and a thumbnail. Each field is
// filled independently; a missing one never blocks the others.
func (a *Adapter) VideoMeta(ctx context.Context, path string) chat.VideoMeta {
	var meta chat.VideoMeta
	if a.probe == nil {
		return meta
	}
	if w, h, ok := a.probe.Dimensions(ctx, path); ok {
		meta.Width, meta.Height = w, h
	}
	ts := 0.0
	if d, ok := a.probe.Duration(ctx, path); ok {
		meta.Duration = int(math.Round(d))
		ts = thumbAt(d)
	}
	if img, ok := a.probe.Frame(ctx, path, ts); ok {
		meta.Thumb = img
	}
	return meta
}

// thumbAt picks a still one second in, or the midpoint of very short clips.
func thumbAt(duration float64) float64 {
	if duration > 2 {
		return 1
	}
	return duration / 2
}

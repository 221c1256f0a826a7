// Package chat is the messaging surface the download flow talks to.
package chat

import (
	"context"
	"strings"
)

// MessageRef identifies a sent message so it can be edited or deleted.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline button carrying opaque callback data.
type Button struct {
	Label string
	Data  string
}

// VideoMeta enriches a video upload. Zero fields and a nil Thumb are omitted.
type VideoMeta struct {
	Width    int
	Height   int
	Duration int
	Thumb    []byte
}

// Messenger sends and edits messages on the chat platform.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string) error
	EditHTML(ctx context.Context, ref MessageRef, html string) error
	Delete(ctx context.Context, ref MessageRef) error
	SendButtons(ctx context.Context, chatID int64, text string, buttons []Button) (MessageRef, error)
	SendAudio(ctx context.Context, chatID int64, path string) error
	SendVideo(ctx context.Context, chatID int64, path string, meta VideoMeta) error
	SendDocument(ctx context.Context, chatID int64, path string) error
}

// IsBenignEditError reports edit failures that leave nothing to do: the
// text did not change or the message is already gone.
func IsBenignEditError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message is not modified") ||
		strings.Contains(msg, "message to edit not found") ||
		strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "message_id_invalid")
}

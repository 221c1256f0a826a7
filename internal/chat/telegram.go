package chat

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements Messenger over the Bot API.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

var _ Messenger = (*Telegram)(nil)

func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) EditText(ctx context.Context, ref MessageRef, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text))
	return err
}

func (t *Telegram) EditHTML(ctx context.Context, ref MessageRef, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, html)
	edit.ParseMode = tgbotapi.ModeHTML
	_, err := t.bot.Send(edit)
	return err
}

func (t *Telegram) Delete(ctx context.Context, ref MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID))
	return err
}

func (t *Telegram) SendButtons(ctx context.Context, chatID int64, text string, buttons []Button) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) SendAudio(ctx context.Context, chatID int64, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tgbotapi.NewAudio(chatID, tgbotapi.FilePath(path)))
	return err
}

// SendVideo goes through UploadFiles because VideoConfig has no width/height.
func (t *Telegram) SendVideo(ctx context.Context, chatID int64, path string, meta VideoMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("width", meta.Width)
	params.AddNonZero("height", meta.Height)
	params.AddNonZero("duration", meta.Duration)
	params.AddBool("supports_streaming", true)

	files := []tgbotapi.RequestFile{{Name: "video", Data: tgbotapi.FilePath(path)}}
	if len(meta.Thumb) > 0 {
		files = append(files, tgbotapi.RequestFile{
			Name: "thumbnail",
			Data: tgbotapi.FileBytes{Name: "thumb.jpg", Bytes: meta.Thumb},
		})
	}
	_, err := t.bot.UploadFiles("sendVideo", params, files)
	return err
}

func (t *Telegram) SendDocument(ctx context.Context, chatID int64, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path)))
	return err
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (t *Telegram) AnswerCallback(callbackID, text string) error {
	_, err := t.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-fetcher/internal/chat"
	"github.com/wapuda/tg-fetcher/internal/config"
	"github.com/wapuda/tg-fetcher/internal/flow"
	logx "github.com/wapuda/tg-fetcher/internal/logs"
	"github.com/wapuda/tg-fetcher/internal/quota"
)

type urlFlow interface {
	HandleURL(ctx context.Context, chatID int64, url string, audioOnly bool) error
	HandleToken(ctx context.Context, chatID, userID int64, token string) error
}

type server struct {
	cfg    config.Config
	msg    chat.Messenger
	answer func(callbackID, text string) error
	flow   urlFlow
	ledger *quota.Ledger

	wg sync.WaitGroup
}

// --- Handlers ---

func (s *server) onMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil {
		return
	}
	chatID, userID := m.Chat.ID, m.From.ID

	log.Info().
		Int64("chat_id", chatID).
		Int64("user_id", userID).
		Str("command", m.Command()).
		Msg("message received")

	if !m.IsCommand() {
		if url := strings.TrimSpace(m.Text); url != "" {
			s.spawn(ctx, userID, chatID, func(ctx context.Context) error {
				return s.flow.HandleURL(ctx, chatID, url, false)
			})
		}
		return
	}

	arg := strings.TrimSpace(m.CommandArguments())
	switch m.Command() {
	case "start", "help":
		s.reply(ctx, chatID, s.usage(ctx, userID))
	case "video", "audio":
		audioOnly := m.Command() == "audio"
		if arg == "" {
			s.reply(ctx, chatID, fmt.Sprintf("Usage: /%s <URL>", m.Command()))
			return
		}
		url := strings.Fields(arg)[0]
		s.spawn(ctx, userID, chatID, func(ctx context.Context) error {
			return s.flow.HandleURL(ctx, chatID, url, audioOnly)
		})
	case "allow", "deny", "whitelist":
		s.reply(ctx, chatID, s.admin(ctx, userID, m.Command(), arg))
	default:
		s.reply(ctx, chatID, "Unknown command. Send a link to start.")
	}
}

func (s *server) onCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	userID := cq.From.ID
	chatID := userID
	if cq.Message != nil && cq.Message.Chat != nil {
		chatID = cq.Message.Chat.ID
	}

	if err := s.answer(cq.ID, ""); err != nil {
		log.Debug().Err(err).Msg("answer callback failed")
	}
	token, ok := strings.CutPrefix(cq.Data, flow.CallbackPrefix)
	if !ok || token == "" {
		return
	}

	log.Info().Int64("user_id", userID).Msg("offer selected")
	s.spawn(ctx, userID, chatID, func(ctx context.Context) error {
		return s.flow.HandleToken(ctx, chatID, userID, token)
	})
}

// spawn runs one flow on its own goroutine with request fields on ctx.
// Errors were already shown to the user; they are only logged here.
func (s *server) spawn(ctx context.Context, userID, chatID int64, fn func(ctx context.Context) error) {
	ctx = logx.WithRequest(ctx, uuid.NewString(), userID, chatID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(ctx); err != nil {
			l := logx.FromCtx(ctx)
			l.Debug().Err(err).Msg("flow ended with error")
		}
	}()
}

func (s *server) reply(ctx context.Context, chatID int64, text string) {
	if _, err := s.msg.SendText(ctx, chatID, text); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("reply failed")
	}
}

func (s *server) usage(ctx context.Context, userID int64) string {
	text := "Send a link, or /video <url> or /audio <url> to download."
	rem, err := s.ledger.Remaining(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("remaining quota lookup failed")
		return text
	}
	return text + fmt.Sprintf("\nDaily limit: %d downloads per 24 hours. Remaining: %d.", s.ledger.Limit(), rem)
}

// --- Admin ---

func (s *server) admin(ctx context.Context, callerID int64, cmd, arg string) string {
	if s.cfg.AdminID == 0 || callerID != s.cfg.AdminID {
		log.Warn().Int64("user_id", callerID).Str("command", cmd).Msg("admin command rejected")
		return "Not allowed."
	}
	st := s.ledger.Store()

	if cmd == "whitelist" {
		ids, err := st.Whitelist(ctx)
		if err != nil {
			return "Whitelist error: " + err.Error()
		}
		if len(ids) == 0 {
			return "Whitelist is empty."
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return "Whitelisted users:\n" + strings.Join(parts, "\n")
	}

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Sprintf("Usage: /%s <user id>", cmd)
	}
	if cmd == "allow" {
		err = st.AddWhitelist(ctx, id)
	} else {
		err = st.RemoveWhitelist(ctx, id)
	}
	if err != nil {
		log.Error().Err(err).Int64("target", id).Msg("whitelist update failed")
		return "Whitelist error: " + err.Error()
	}
	log.Info().Int64("target", id).Str("command", cmd).Msg("whitelist updated")
	if cmd == "allow" {
		return fmt.Sprintf("User %d is whitelisted.", id)
	}
	return fmt.Sprintf("User %d removed from the whitelist.", id)
}

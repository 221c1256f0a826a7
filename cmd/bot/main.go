package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-fetcher/internal/chat"
	"github.com/wapuda/tg-fetcher/internal/config"
	"github.com/wapuda/tg-fetcher/internal/delivery"
	"github.com/wapuda/tg-fetcher/internal/exec"
	"github.com/wapuda/tg-fetcher/internal/flow"
	"github.com/wapuda/tg-fetcher/internal/jobs"
	logx "github.com/wapuda/tg-fetcher/internal/logs"
	"github.com/wapuda/tg-fetcher/internal/offers"
	"github.com/wapuda/tg-fetcher/internal/probe"
	"github.com/wapuda/tg-fetcher/internal/quota"
	"github.com/wapuda/tg-fetcher/internal/selector"
	"github.com/wapuda/tg-fetcher/internal/spotdl"
	"github.com/wapuda/tg-fetcher/internal/ytdlp"
)

func main() {
	_ = godotenv.Load()
	logx.Setup(logx.FromEnv("bot"))

	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log.Info().Str("backend", c.QuotaBackend).Bool("queue", c.QueueEnable).Msg("bot starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// health endpoint
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
		log.Info().Str("addr", c.HealthAddr).Msg("bot health endpoint")
		if err := http.ListenAndServe(c.HealthAddr, mux); err != nil {
			log.Error().Err(err).Msg("health endpoint stopped")
		}
	}()

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}
	bot.Debug = false
	log.Info().Str("username", bot.Self.UserName).Msg("bot authorized")

	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		log.Fatal().Err(err).Msg("quota store")
	}
	defer closeStore()
	if err := seedWhitelist(ctx, store, c.Whitelist); err != nil {
		log.Fatal().Err(err).Msg("whitelist seed")
	}
	ledger := quota.NewLedger(store, c.DailyLimit)

	workDir := filepath.Join(c.DataDir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("work dir")
	}

	runner := exec.NewCommandRunner()
	yt := ytdlp.New(runner, c.YtdlpPath, c.YtdlpCookies)
	tg := chat.NewTelegram(bot)
	opts := []flow.Option{
		flow.WithProgressInterval(c.ProgressEvery),
		flow.WithWorkDir(workDir),
	}
	if c.QueueEnable {
		asClient := asynq.NewClient(asynq.RedisClientOpt{Addr: c.RedisAddr})
		defer asClient.Close()
		opts = append(opts, flow.WithDispatcher(jobs.NewQueue(asClient)))
	}

	orch := flow.New(flow.Deps{
		Metadata:   yt,
		Downloader: yt,
		Spotify:    spotdl.New(runner, c.SpotdlPath),
		Delivery:   delivery.New(tg, probe.NewProber(runner, c.FFprobePath, c.FFmpegPath)),
		Messenger:  tg,
		Ledger:     ledger,
		Offers:     offers.New(c.OfferTTL, c.OfferSoftMax),
	}, selector.Rules{
		Budget:       c.UploadLimitBytes(),
		VideoAllowed: c.VideoAllowed,
		AudioAllowed: c.AudioAllowed,
	}, opts...)

	s := &server{
		cfg:    c,
		msg:    tg,
		answer: tg.AnswerCallback,
		flow:   orch,
		ledger: ledger,
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		bot.StopReceivingUpdates()
	}()

	for upd := range updates {
		switch {
		case upd.Message != nil:
			s.onMessage(ctx, upd.Message)
		case upd.CallbackQuery != nil:
			s.onCallback(ctx, upd.CallbackQuery)
		}
	}
	s.wg.Wait()
}

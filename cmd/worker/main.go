package main

import (
	"os"
	"path/filepath"

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
	"github.com/wapuda/tg-fetcher/internal/probe"
	"github.com/wapuda/tg-fetcher/internal/selector"
	"github.com/wapuda/tg-fetcher/internal/spotdl"
	"github.com/wapuda/tg-fetcher/internal/ytdlp"
)

// The worker runs the download stage of queued jobs. Quota was already
// spent by the bot before the job was enqueued.
func main() {
	_ = godotenv.Load()
	logx.Setup(logx.FromEnv("worker"))

	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	workDir := filepath.Join(c.DataDir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("work dir")
	}

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}

	runner := exec.NewCommandRunner()
	tg := chat.NewTelegram(bot)
	orch := flow.New(flow.Deps{
		Downloader: ytdlp.New(runner, c.YtdlpPath, c.YtdlpCookies),
		Spotify:    spotdl.New(runner, c.SpotdlPath),
		Delivery:   delivery.New(tg, probe.NewProber(runner, c.FFprobePath, c.FFmpegPath)),
		Messenger:  tg,
	}, selector.Rules{Budget: c.UploadLimitBytes()},
		flow.WithProgressInterval(c.ProgressEvery),
		flow.WithWorkDir(workDir),
	)

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: c.RedisAddr}, asynq.Config{
		Concurrency: c.Concurrency,
		Queues:      map[string]int{jobs.QueueDownloads: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskDownload, jobs.HandleDownload(orch.RunJob))

	log.Info().Int("concurrency", c.Concurrency).Str("redis", c.RedisAddr).Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-fetcher/internal/config"
	"github.com/wapuda/tg-fetcher/internal/exec"
	logx "github.com/wapuda/tg-fetcher/internal/logs"
	"github.com/wapuda/tg-fetcher/internal/media"
	"github.com/wapuda/tg-fetcher/internal/selector"
	"github.com/wapuda/tg-fetcher/internal/ytdlp"
)

// localtest prints the offers the bot would present, without Telegram.
// The source is either a URL (queried with yt-dlp) or a saved
// --dump-single-json file.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/localtest <url | metadata.json> [audio]")
		return
	}
	_ = godotenv.Load()
	logx.Setup(logx.FromEnv("localtest"))

	c, err := config.Read()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	src := os.Args[1]
	audioOnly := len(os.Args) > 2 && os.Args[2] == "audio"

	m, err := loadMetadata(context.Background(), c, src)
	if err != nil {
		log.Fatal().Err(err).Str("src", src).Msg("metadata")
	}
	fmt.Println(m.Summary())

	rules := selector.Rules{
		Budget:       c.UploadLimitBytes(),
		VideoAllowed: c.VideoAllowed,
		AudioAllowed: c.AudioAllowed,
	}
	for _, o := range selector.Offers(m, rules) {
		if audioOnly && o.Kind != selector.KindAudioOnly {
			continue
		}
		fmt.Printf("%-10s %-28s -f %s\n", o.Kind, o.Label, strings.Join(o.Combination.FormatIDs, "+"))
	}
}

func loadMetadata(ctx context.Context, c config.Config, src string) (media.Metadata, error) {
	if strings.HasSuffix(src, ".json") {
		data, err := os.ReadFile(src)
		if err != nil {
			return media.Metadata{}, err
		}
		return media.ParseMetadata(data)
	}
	return ytdlp.New(exec.NewCommandRunner(), c.YtdlpPath, c.YtdlpCookies).Metadata(ctx, src)
}

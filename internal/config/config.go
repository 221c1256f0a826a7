package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Quota backends.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	BotToken      string        `yaml:"bot_token"`
	AdminID       int64         `yaml:"admin_id"`
	DailyLimit    int           `yaml:"daily_limit"`
	UploadLimitMB int           `yaml:"upload_limit_mb"`
	DataDir       string        `yaml:"data_dir"`
	QuotaBackend  string        `yaml:"quota_backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	DatabaseURL   string        `yaml:"database_url"`
	QueueEnable   bool          `yaml:"queue_enable"`
	Concurrency   int           `yaml:"concurrency"`
	YtdlpPath     string        `yaml:"ytdlp_path"`
	YtdlpCookies  string        `yaml:"ytdlp_cookies"`
	SpotdlPath    string        `yaml:"spotdl_path"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	FFprobePath   string        `yaml:"ffprobe_path"`
	VideoAllowed  []string      `yaml:"video_allowed"`
	AudioAllowed  []string      `yaml:"audio_allowed"`
	OfferTTL      time.Duration `yaml:"offer_ttl"`
	OfferSoftMax  int           `yaml:"offer_soft_limit"`
	ProgressEvery time.Duration `yaml:"progress_interval"`
	Whitelist     []int64       `yaml:"whitelist"`
	HealthAddr    string        `yaml:"health_addr"`
}

// UploadLimitBytes is the deliverable size budget.
func (c Config) UploadLimitBytes() int64 {
	return int64(c.UploadLimitMB) * 1024 * 1024
}

func Default() Config {
	return Config{
		DailyLimit:    2,
		UploadLimitMB: 49,
		DataDir:       "data",
		QuotaBackend:  BackendFile,
		RedisAddr:     "localhost:6379",
		Concurrency:   2,
		YtdlpPath:     "yt-dlp",
		SpotdlPath:    "spotdl",
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		VideoAllowed:  []string{"mp4", "h264"},
		AudioAllowed:  []string{"mp4", "mp3", "aac", "m4a"},
		OfferTTL:      48 * time.Hour,
		OfferSoftMax:  500,
		ProgressEvery: 2 * time.Second,
		HealthAddr:    ":8080",
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func mustInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func mustInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func mustBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return def
}
func mustDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
func splitList(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.ToLower(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
func splitIDs(k string, def []int64) []int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []int64
	for _, p := range strings.Split(v, ",") {
		if n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Load builds the configuration: defaults, then CONFIG_FILE (if set), then environment.
func Load() (Config, error) {
	c, err := Read()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Read is Load without validation, for local tools that never reach Telegram.
func Read() (Config, error) {
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	c.applyEnv()
	return c, nil
}

// mergeFile overlays YAML values onto c. ${VAR} references are expanded first.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.BotToken = getenv("BOT_TOKEN", c.BotToken)
	c.AdminID = mustInt64("ADMIN_ID", c.AdminID)
	c.DailyLimit = mustInt("DAILY_LIMIT", c.DailyLimit)
	c.UploadLimitMB = mustInt("TG_UPLOAD_LIMIT_MB", c.UploadLimitMB)
	c.DataDir = getenv("DATA_DIR", c.DataDir)
	c.QuotaBackend = strings.ToLower(getenv("QUOTA_BACKEND", c.QuotaBackend))
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.QueueEnable = mustBool("QUEUE_ENABLE", c.QueueEnable)
	c.Concurrency = mustInt("CONCURRENCY", c.Concurrency)
	c.YtdlpPath = getenv("YTDLP_PATH", c.YtdlpPath)
	c.YtdlpCookies = getenv("YTDLP_COOKIES", c.YtdlpCookies)
	c.SpotdlPath = getenv("SPOTDL_PATH", c.SpotdlPath)
	c.FFmpegPath = getenv("FFMPEG_PATH", c.FFmpegPath)
	c.FFprobePath = getenv("FFPROBE_PATH", c.FFprobePath)
	c.VideoAllowed = splitList("VIDEO_ALLOWED", c.VideoAllowed)
	c.AudioAllowed = splitList("AUDIO_ALLOWED", c.AudioAllowed)
	c.OfferTTL = mustDuration("OFFER_TTL", c.OfferTTL)
	c.OfferSoftMax = mustInt("OFFER_SOFT_LIMIT", c.OfferSoftMax)
	c.ProgressEvery = mustDuration("PROGRESS_INTERVAL", c.ProgressEvery)
	c.Whitelist = splitIDs("WHITELIST", c.Whitelist)
	c.HealthAddr = getenv("HEALTH_ADDR", c.HealthAddr)
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("config: BOT_TOKEN is required")
	}
	if c.DailyLimit < 1 {
		return fmt.Errorf("config: daily limit must be positive, got %d", c.DailyLimit)
	}
	if c.UploadLimitMB < 1 {
		return fmt.Errorf("config: upload limit must be positive, got %d", c.UploadLimitMB)
	}
	if c.OfferTTL <= 0 {
		return fmt.Errorf("config: offer ttl must be positive")
	}
	switch c.QuotaBackend {
	case BackendFile:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown quota backend %q", c.QuotaBackend)
	}
	if c.QueueEnable && c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required when the queue is enabled")
	}
	return nil
}

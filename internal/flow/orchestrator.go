// Package flow drives one user request from URL to delivered file:
// metadata, offers, quota, download and delivery.
package flow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wapuda/tg-fetcher/internal/chat"
	logx "github.com/wapuda/tg-fetcher/internal/logs"
	"github.com/wapuda/tg-fetcher/internal/media"
	"github.com/wapuda/tg-fetcher/internal/offers"
	"github.com/wapuda/tg-fetcher/internal/selector"
	"github.com/wapuda/tg-fetcher/internal/ytdlp"
)

type State string

const (
	StateIdle               State = "idle"
	StateFetchingMetadata   State = "fetching_metadata"
	StateSelecting          State = "selecting"
	StateAwaitingUserChoice State = "awaiting_user_choice"
	StateDownloading        State = "downloading"
	StateSending            State = "sending"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// CallbackPrefix marks button data that carries an offer token.
const CallbackPrefix = "dl:"

const progressWidth = 60

// SourceSpotify marks jobs fetched by spotdl instead of yt-dlp.
const SourceSpotify = "spotify"

const spotifyTrackPrefix = "https://open.spotify.com/track/"

type MetadataSource interface {
	Metadata(ctx context.Context, url string) (media.Metadata, error)
}

type Downloader interface {
	Download(ctx context.Context, req ytdlp.Request, onLine func(string)) error
}

type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, path string, audioOnly bool) error
}

type Spender interface {
	TrySpend(ctx context.Context, userID int64) (bool, error)
	Limit() int
}

// Job is a paid-for download waiting to run.
type Job struct {
	RequestID string   `json:"request_id"`
	ChatID    int64    `json:"chat_id"`
	UserID    int64    `json:"user_id"`
	URL       string   `json:"url"`
	FormatIDs []string `json:"format_ids"`
	AudioOnly bool     `json:"audio_only"`
	Paired    bool     `json:"paired,omitempty"`
	Source    string   `json:"source,omitempty"`
}

// Dispatcher hands a job to whoever runs the download stage.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Metadata   MetadataSource
	Downloader Downloader
	// Spotify fetches open.spotify.com tracks. Nil sends them to Downloader.
	Spotify   Downloader
	Delivery  Deliverer
	Messenger chat.Messenger
	Ledger    Spender
	Offers    *offers.Cache
}

type Orchestrator struct {
	Deps
	rules         selector.Rules
	dispatch      Dispatcher
	progressEvery time.Duration
	workDir       string
	observe       func(ctx context.Context, s State)
}

type Option func(*Orchestrator)

// WithDispatcher queues paid jobs instead of running them in the caller.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatch = d }
}

// WithProgressInterval limits status edits to one per d. Zero edits on every line.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.progressEvery = d }
}

// WithWorkDir sets the parent of per-download temp dirs ("" = os.TempDir).
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.workDir = dir }
}

// WithObserver is called on every state change.
func WithObserver(fn func(ctx context.Context, s State)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

func New(d Deps, rules selector.Rules, opts ...Option) *Orchestrator {
	o := &Orchestrator{Deps: d, rules: rules, progressEvery: 2 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) enter(ctx context.Context, s State) {
	l := logx.FromCtx(ctx)
	l.Info().Str("state", string(s)).Msg("flow state")
	if o.observe != nil {
		o.observe(ctx, s)
	}
}

// HandleURL fetches metadata for url and presents the offers as buttons.
// Failures are reported to the chat and also returned for logging.
func (o *Orchestrator) HandleURL(ctx context.Context, chatID int64, url string, audioOnly bool) error {
	err := o.handleURL(ctx, chatID, url, audioOnly)
	if err != nil {
		o.report(ctx, chatID, 0, err, retryPayload(url, audioOnly))
	}
	return err
}

func (o *Orchestrator) handleURL(ctx context.Context, chatID int64, url string, audioOnly bool) error {
	if o.Spotify != nil && isSpotifyTrack(url) {
		return o.offerSpotify(ctx, chatID, url)
	}
	o.enter(ctx, StateFetchingMetadata)
	status, err := o.Messenger.SendText(ctx, chatID, "Fetching metadata...")
	if err != nil {
		return fmt.Errorf("send status: %w", err)
	}

	m, err := o.Metadata.Metadata(ctx, url)
	if err != nil {
		o.delete(ctx, status)
		return fmt.Errorf("%w: %w", ErrMetadataUnavailable, err)
	}
	o.editHTML(ctx, status, m.Summary())

	o.enter(ctx, StateSelecting)
	list := selector.Offers(m, o.rules)
	if audioOnly {
		list = audioOffers(list)
	}
	if len(list) == 1 && list[0].IsRetry() {
		return ErrNoAdmissibleFormat
	}
	return o.present(ctx, chatID, url, audioOnly, list)
}

func (o *Orchestrator) present(ctx context.Context, chatID int64, url string, audioOnly bool, list []selector.Offer) error {
	buttons := make([]chat.Button, 0, len(list))
	for _, offer := range list {
		token := o.Offers.Put(offers.Payload{URL: url, Offer: offer, AudioOnly: audioOnly})
		buttons = append(buttons, chat.Button{Label: offer.Label, Data: CallbackPrefix + token})
	}
	if _, err := o.Messenger.SendButtons(ctx, chatID, "Choose what to download:", buttons); err != nil {
		return fmt.Errorf("send offers: %w", err)
	}
	o.enter(ctx, StateAwaitingUserChoice)
	return nil
}

// offerSpotify skips metadata: spotdl picks the stream itself and the
// result is always sent as audio.
func (o *Orchestrator) offerSpotify(ctx context.Context, chatID int64, url string) error {
	o.enter(ctx, StateSelecting)
	offer := selector.Offer{
		Kind:        selector.KindAudioOnly,
		Label:       "🎵 audio (Spotify)",
		Combination: selector.Combination{AudioOnly: true},
	}
	return o.present(ctx, chatID, url, true, []selector.Offer{offer})
}

// audioOffers keeps the audio-only winner. Without one, audio is extracted
// from the muxed winner.
func audioOffers(list []selector.Offer) []selector.Offer {
	var muxed *selector.Offer
	for i, offer := range list {
		switch offer.Kind {
		case selector.KindAudioOnly:
			return []selector.Offer{offer}
		case selector.KindMuxed:
			muxed = &list[i]
		}
	}
	if muxed != nil {
		return []selector.Offer{selector.AsAudio(*muxed)}
	}
	return []selector.Offer{selector.RetryOffer()}
}

func isSpotifyTrack(url string) bool {
	return strings.HasPrefix(strings.TrimSpace(url), spotifyTrackPrefix)
}

// HandleToken resolves a pressed button. Retry tokens restart the URL flow;
// download tokens spend quota and then run or queue the download.
func (o *Orchestrator) HandleToken(ctx context.Context, chatID, userID int64, token string) error {
	p, ok := o.Offers.Get(token)
	if !ok {
		o.report(ctx, chatID, userID, ErrExpiredOffer, nil)
		return ErrExpiredOffer
	}
	if p.IsRetry() {
		return o.HandleURL(ctx, chatID, p.URL, p.AudioOnly)
	}

	err := o.spendAndDispatch(ctx, chatID, userID, p)
	if err != nil {
		o.report(ctx, chatID, userID, err, nil)
	}
	return err
}

func (o *Orchestrator) spendAndDispatch(ctx context.Context, chatID, userID int64, p offers.Payload) error {
	ok, err := o.Ledger.TrySpend(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExceeded
	}

	job := Job{
		RequestID: requestID(ctx),
		ChatID:    chatID,
		UserID:    userID,
		URL:       p.URL,
		FormatIDs: p.Offer.Combination.FormatIDs,
		AudioOnly: p.AudioOnly || p.Offer.Combination.AudioOnly,
		Paired:    p.Offer.Combination.Paired,
	}
	if o.Spotify != nil && isSpotifyTrack(p.URL) {
		job.Source = SourceSpotify
		job.AudioOnly = true
	}
	if o.dispatch != nil {
		if err := o.dispatch.Dispatch(ctx, job); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		return nil
	}
	return o.Download(ctx, job)
}

// RunJob runs the download stage and reports failures to the chat.
// It is the entry point for queued jobs.
func (o *Orchestrator) RunJob(ctx context.Context, job Job) error {
	err := o.Download(ctx, job)
	if err != nil {
		o.report(ctx, job.ChatID, job.UserID, err, nil)
	}
	return err
}

// Download fetches job into a private temp dir, streams progress into one
// status message and delivers the first file the tool left behind. The dir
// is removed on every exit path.
func (o *Orchestrator) Download(ctx context.Context, job Job) error {
	log := logx.FromCtx(ctx)
	o.enter(ctx, StateDownloading)

	dir, err := os.MkdirTemp(o.workDir, "dl-")
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("work dir cleanup failed")
		}
	}()

	status, err := o.Messenger.SendText(ctx, job.ChatID, "Starting download...")
	if err != nil {
		log.Warn().Err(err).Msg("status message failed")
	}

	every := rate.Inf
	if o.progressEvery > 0 {
		every = rate.Every(o.progressEvery)
	}
	limiter := rate.NewLimiter(every, 1)
	lw := logx.NewLineWriter(log, map[string]string{"tool": "yt-dlp"}, zerolog.DebugLevel)
	onLine := func(line string) {
		lw.Line(line)
		if status.MessageID == 0 {
			return
		}
		// Only "[download]" lines are throttled, and their 100% line
		// always goes out.
		if strings.HasPrefix(strings.TrimSpace(line), "[download]") {
			if pct, ok := ytdlp.ParsePercent(line); !limiter.Allow() && !(ok && pct >= 100) {
				return
			}
		}
		o.editText(ctx, status, "Downloading:\n"+media.CleanText(line, progressWidth))
	}

	dl := o.Downloader
	if job.Source == SourceSpotify && o.Spotify != nil {
		dl = o.Spotify
	}
	toolErr := dl.Download(ctx, ytdlp.Request{
		URL:       job.URL,
		FormatIDs: job.FormatIDs,
		AudioOnly: job.AudioOnly,
		Merge:     job.Paired,
		Dir:       dir,
	}, onLine)
	if status.MessageID != 0 {
		o.delete(ctx, status)
	}
	if toolErr != nil {
		log.Warn().Err(toolErr).Msg("download tool failed")
	}

	path, ok := firstOutput(dir)
	if !ok {
		if toolErr != nil {
			return fmt.Errorf("%w: %w", ErrDownloadProducedNothing, toolErr)
		}
		return ErrDownloadProducedNothing
	}

	o.enter(ctx, StateSending)
	sending, err := o.Messenger.SendText(ctx, job.ChatID, "Download complete, sending file...")
	if err != nil {
		log.Warn().Err(err).Msg("status message failed")
	}
	err = o.Delivery.Deliver(ctx, job.ChatID, path, job.AudioOnly)
	if sending.MessageID != 0 {
		o.delete(ctx, sending)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryRejected, err)
	}
	o.enter(ctx, StateDone)
	log.Info().Str("file", filepath.Base(path)).Bool("paired", job.Paired).Str("source", job.Source).Msg("delivered")
	return nil
}

// firstOutput returns the first regular file in dir by name. A run that
// leaves several files behind is accepted as is.
func firstOutput(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.Type().IsRegular() {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// report is the flow boundary: it logs err and sends one message for it.
func (o *Orchestrator) report(ctx context.Context, chatID, userID int64, err error, retry *offers.Payload) {
	o.enter(ctx, StateFailed)
	log := logx.FromCtx(ctx)
	log.Warn().Err(err).Msg("flow failed")

	limit := 0
	if o.Ledger != nil {
		limit = o.Ledger.Limit()
	}
	text := UserMessage(err, limit, userID)

	var sendErr error
	if retry != nil && offersRetry(err) {
		token := o.Offers.Put(*retry)
		_, sendErr = o.Messenger.SendButtons(ctx, chatID, text, []chat.Button{
			{Label: retry.Offer.Label, Data: CallbackPrefix + token},
		})
	} else {
		_, sendErr = o.Messenger.SendText(ctx, chatID, text)
	}
	if sendErr != nil {
		log.Error().Err(sendErr).Msg("failure notice not sent")
	}
}

func retryPayload(url string, audioOnly bool) *offers.Payload {
	return &offers.Payload{URL: url, Offer: selector.RetryOffer(), AudioOnly: audioOnly}
}

func (o *Orchestrator) editText(ctx context.Context, ref chat.MessageRef, text string) {
	if err := o.Messenger.EditText(ctx, ref, text); err != nil && !chat.IsBenignEditError(err) {
		l := logx.FromCtx(ctx)
		l.Debug().Err(err).Msg("status edit failed")
	}
}

func (o *Orchestrator) editHTML(ctx context.Context, ref chat.MessageRef, html string) {
	if err := o.Messenger.EditHTML(ctx, ref, html); err != nil && !chat.IsBenignEditError(err) {
		l := logx.FromCtx(ctx)
		l.Debug().Err(err).Msg("summary edit failed")
	}
}

func (o *Orchestrator) delete(ctx context.Context, ref chat.MessageRef) {
	if err := o.Messenger.Delete(ctx, ref); err != nil && !chat.IsBenignEditError(err) {
		l := logx.FromCtx(ctx)
		l.Debug().Err(err).Msg("status delete failed")
	}
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(logx.CtxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/tg-fetcher/internal/chat"
	"github.com/wapuda/tg-fetcher/internal/media"
	"github.com/wapuda/tg-fetcher/internal/offers"
	"github.com/wapuda/tg-fetcher/internal/quota"
	"github.com/wapuda/tg-fetcher/internal/selector"
	"github.com/wapuda/tg-fetcher/internal/ytdlp"
)

type sent struct {
	kind    string
	text    string
	buttons []chat.Button
}

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	sent    []sent
	edits   []string
	deleted int
	editErr error
}

func (f *fakeMessenger) record(s sent) chat.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, s)
	return chat.MessageRef{ChatID: 1, MessageID: f.nextID}
}

func (f *fakeMessenger) SendText(_ context.Context, _ int64, text string) (chat.MessageRef, error) {
	return f.record(sent{kind: "text", text: text}), nil
}

func (f *fakeMessenger) EditText(_ context.Context, _ chat.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return f.editErr
}

func (f *fakeMessenger) EditHTML(ctx context.Context, ref chat.MessageRef, html string) error {
	return f.EditText(ctx, ref, html)
}

func (f *fakeMessenger) Delete(context.Context, chat.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}

func (f *fakeMessenger) SendButtons(_ context.Context, _ int64, text string, b []chat.Button) (chat.MessageRef, error) {
	return f.record(sent{kind: "buttons", text: text, buttons: b}), nil
}

func (f *fakeMessenger) SendAudio(context.Context, int64, string) error                 { return nil }
func (f *fakeMessenger) SendVideo(context.Context, int64, string, chat.VideoMeta) error { return nil }
func (f *fakeMessenger) SendDocument(context.Context, int64, string) error              { return nil }

func (f *fakeMessenger) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeMeta struct {
	m   media.Metadata
	err error
}

func (f fakeMeta) Metadata(context.Context, string) (media.Metadata, error) { return f.m, f.err }

type fakeDownloader struct {
	calls int
	got   ytdlp.Request
	files []string
	lines []string
	err   error
}

func (f *fakeDownloader) Download(_ context.Context, req ytdlp.Request, onLine func(string)) error {
	f.calls++
	f.got = req
	for _, l := range f.lines {
		onLine(l)
	}
	for _, name := range f.files {
		if err := os.WriteFile(filepath.Join(req.Dir, name), []byte("x"), 0o644); err != nil {
			return err
		}
	}
	return f.err
}

type fakeDelivery struct {
	path      string
	audioOnly bool
	existed   bool
	err       error
}

func (f *fakeDelivery) Deliver(_ context.Context, _ int64, path string, audioOnly bool) error {
	f.path, f.audioOnly = path, audioOnly
	_, err := os.Stat(path)
	f.existed = err == nil
	return f.err
}

type fakeDispatcher struct{ jobs []Job }

func (f *fakeDispatcher) Dispatch(_ context.Context, job Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func size(n int64) *int64 { return &n }

var rules = selector.Rules{
	Budget:       48 * 1024 * 1024,
	VideoAllowed: []string{"mp4", "h264"},
	AudioAllowed: []string{"mp4", "mp3", "aac", "m4a"},
}

func sampleMeta() media.Metadata {
	return media.Metadata{
		Title:    "clip",
		Duration: 100,
		Formats: []media.FormatDescriptor{
			{ID: "18", VideoCodec: "h264", AudioCodec: "aac", VideoExt: "mp4", AudioExt: "m4a", Filesize: size(10_000_000)},
			{ID: "137", VideoCodec: "h264", VideoExt: "mp4", AudioExt: "none", Filesize: size(30 * 1024 * 1024)},
			{ID: "140", AudioCodec: "aac", VideoExt: "none", AudioExt: "m4a", Filesize: size(10 * 1024 * 1024)},
		},
	}
}

type harness struct {
	o      *Orchestrator
	msg    *fakeMessenger
	dl     *fakeDownloader
	dlv    *fakeDelivery
	store  *quota.MemoryStore
	cache  *offers.Cache
	states []State
}

func newHarness(t *testing.T, meta fakeMeta, limit int, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		msg:   &fakeMessenger{},
		dl:    &fakeDownloader{files: []string{"clip.mp4"}},
		dlv:   &fakeDelivery{},
		store: quota.NewMemoryStore(),
		cache: offers.New(0, 0),
	}
	opts = append([]Option{
		WithProgressInterval(0),
		WithWorkDir(t.TempDir()),
		WithObserver(func(_ context.Context, s State) { h.states = append(h.states, s) }),
	}, opts...)
	h.o = New(Deps{
		Metadata:   meta,
		Downloader: h.dl,
		Delivery:   h.dlv,
		Messenger:  h.msg,
		Ledger:     quota.NewLedger(h.store, limit),
		Offers:     h.cache,
	}, rules, opts...)
	return h
}

func token(t *testing.T, b chat.Button) string {
	t.Helper()
	require.True(t, strings.HasPrefix(b.Data, CallbackPrefix))
	return strings.TrimPrefix(b.Data, CallbackPrefix)
}

func TestHandleURL_PresentsOffers(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 2)

	require.NoError(t, h.o.HandleURL(context.Background(), 1, "https://x", false))

	last := h.msg.last()
	assert.Equal(t, "buttons", last.kind)
	require.Len(t, last.buttons, 3)
	assert.True(t, strings.HasPrefix(last.buttons[0].Label, "🎬 video"))
	assert.True(t, strings.HasPrefix(last.buttons[2].Label, "🎵 audio"))
	assert.Equal(t, 3, h.cache.Len())
	assert.Contains(t, h.msg.edits[0], "<b>clip</b>")
	assert.Equal(t, []State{StateFetchingMetadata, StateSelecting, StateAwaitingUserChoice}, h.states)
}

func TestHandleURL_AudioCommandNarrowsOffers(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 2)

	require.NoError(t, h.o.HandleURL(context.Background(), 1, "https://x", true))

	last := h.msg.last()
	require.Len(t, last.buttons, 1)
	p, ok := h.cache.Get(token(t, last.buttons[0]))
	require.True(t, ok)
	assert.Equal(t, selector.KindAudioOnly, p.Offer.Kind)
	assert.True(t, p.AudioOnly)
}

func TestHandleURL_AudioCommandFallsBackToMuxed(t *testing.T) {
	m := media.Metadata{Duration: 100, Formats: []media.FormatDescriptor{
		{ID: "18", VideoCodec: "h264", AudioCodec: "aac", VideoExt: "mp4", AudioExt: "m4a", Filesize: size(10 * 1024 * 1024)},
	}}
	h := newHarness(t, fakeMeta{m: m}, 2)
	ctx := context.Background()

	require.NoError(t, h.o.HandleURL(ctx, 1, "https://x", true))
	last := h.msg.last()
	require.Len(t, last.buttons, 1)
	assert.True(t, strings.HasPrefix(last.buttons[0].Label, "🎵 audio"))

	require.NoError(t, h.o.HandleToken(ctx, 1, 42, token(t, last.buttons[0])))
	assert.Equal(t, []string{"18"}, h.dl.got.FormatIDs)
	assert.True(t, h.dl.got.AudioOnly)
	assert.True(t, h.dlv.audioOnly)
}

func TestHandleURL_SpotifyTrackSkipsMetadata(t *testing.T) {
	h := newHarness(t, fakeMeta{err: errors.New("unsupported url")}, 2)
	spot := &fakeDownloader{files: []string{"Artist - Song.mp3"}}
	h.o.Spotify = spot
	ctx := context.Background()
	url := "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC"

	require.NoError(t, h.o.HandleURL(ctx, 1, url, false))
	last := h.msg.last()
	require.Len(t, last.buttons, 1)
	assert.Equal(t, "🎵 audio (Spotify)", last.buttons[0].Label)
	assert.Empty(t, h.msg.edits)

	require.NoError(t, h.o.HandleToken(ctx, 1, 42, token(t, last.buttons[0])))
	assert.Equal(t, 1, spot.calls)
	assert.Zero(t, h.dl.calls)
	assert.Equal(t, url, spot.got.URL)
	assert.Equal(t, "Artist - Song.mp3", filepath.Base(h.dlv.path))
	assert.True(t, h.dlv.audioOnly)
	assert.Len(t, h.store.Record(42), 1)
}

func TestHandleURL_MetadataFailureOffersRetry(t *testing.T) {
	h := newHarness(t, fakeMeta{err: errors.New("exit status 1")}, 2)

	err := h.o.HandleURL(context.Background(), 1, "https://x", false)
	require.ErrorIs(t, err, ErrMetadataUnavailable)

	last := h.msg.last()
	assert.Equal(t, "Could not get metadata 😞", last.text)
	require.Len(t, last.buttons, 1)
	p, ok := h.cache.Get(token(t, last.buttons[0]))
	require.True(t, ok)
	assert.True(t, p.IsRetry())
	assert.Equal(t, "https://x", p.URL)
	assert.Equal(t, StateFailed, h.states[len(h.states)-1])
	assert.Empty(t, h.store.Record(0))
}

func TestHandleURL_NothingFits(t *testing.T) {
	m := media.Metadata{Duration: 10, Formats: []media.FormatDescriptor{
		{ID: "big", VideoCodec: "h264", AudioCodec: "aac", Filesize: size(100 * 1024 * 1024)},
	}}
	h := newHarness(t, fakeMeta{m: m}, 2)

	err := h.o.HandleURL(context.Background(), 1, "https://x", false)
	require.ErrorIs(t, err, ErrNoAdmissibleFormat)
	last := h.msg.last()
	require.Len(t, last.buttons, 1)
	p, _ := h.cache.Get(token(t, last.buttons[0]))
	assert.True(t, p.IsRetry())
}

func TestHandleToken_DownloadsAndDelivers(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 2)
	h.dl.lines = []string{"[download]  50.0% of 10MiB", "[download] 100% of 10MiB"}
	tok := h.cache.Put(offers.Payload{URL: "https://x", Offer: selector.Offer{
		Kind:        selector.KindMuxed,
		Combination: selector.Combination{FormatIDs: []string{"140", "137"}, Paired: true},
	}})

	require.NoError(t, h.o.HandleToken(context.Background(), 1, 42, tok))

	assert.Equal(t, 1, h.dl.calls)
	assert.Equal(t, []string{"140", "137"}, h.dl.got.FormatIDs)
	assert.True(t, h.dl.got.Merge)
	assert.Equal(t, "clip.mp4", filepath.Base(h.dlv.path))
	assert.True(t, h.dlv.existed)
	assert.False(t, h.dlv.audioOnly)
	assert.Contains(t, h.msg.edits, "Downloading:\n[download] 100% of 10MiB")
	assert.Len(t, h.store.Record(42), 1)
	assert.Equal(t, []State{StateDownloading, StateSending, StateDone}, h.states)

	_, err := os.Stat(h.dl.got.Dir)
	assert.True(t, os.IsNotExist(err), "work dir must be removed")
}

func TestHandleToken_QuotaExceededSkipsDownload(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 1)
	tok := h.cache.Put(offers.Payload{URL: "https://x", Offer: selector.Offer{
		Kind:        selector.KindMuxed,
		Combination: selector.Combination{FormatIDs: []string{"18"}},
	}})
	ctx := context.Background()

	require.NoError(t, h.o.HandleToken(ctx, 1, 42, tok))
	require.Equal(t, 1, h.dl.calls)

	err := h.o.HandleToken(ctx, 1, 42, tok)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 1, h.dl.calls)
	assert.Equal(t, "Quota exceeded: 1 downloads per 24 hours. (User ID: 42)", h.msg.last().text)
	assert.Equal(t, StateFailed, h.states[len(h.states)-1])
}

func TestHandleToken_WhitelistedUserIsNotCounted(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 1)
	require.NoError(t, h.store.AddWhitelist(context.Background(), 7))
	tok := h.cache.Put(offers.Payload{URL: "u", Offer: selector.Offer{
		Kind:        selector.KindMuxed,
		Combination: selector.Combination{FormatIDs: []string{"18"}},
	}})

	for i := 0; i < 3; i++ {
		require.NoError(t, h.o.HandleToken(context.Background(), 1, 7, tok))
	}
	assert.Equal(t, 3, h.dl.calls)
	assert.Empty(t, h.store.Record(7))
}

func TestHandleToken_Expired(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 2)

	err := h.o.HandleToken(context.Background(), 1, 42, "01NOPE")
	require.ErrorIs(t, err, ErrExpiredOffer)
	assert.Equal(t, "This request has expired. Send the URL again.", h.msg.last().text)
	assert.Zero(t, h.dl.calls)
	assert.Empty(t, h.store.Record(42))
}

func TestHandleToken_RetryRestartsURLFlow(t *testing.T) {
	h := newHarness(t, fakeMeta{m: sampleMeta()}, 2)
	tok := h.cache.Put(offers.Payload{URL: "https://x", Offer: selector.RetryOffer()})

	require.NoError(t, h.o.HandleToken(context.Background(), 1, 42, tok))
	assert.Equal(t, "buttons", h.msg.last().kind)
	assert.Zero(t, h.dl.calls)
	assert.Empty(t, h.store.Record(42))
}

func TestDownload_NoOutputFile(t *testing.T) {
	h := newHarness(t, fakeMeta{}, 2)
	h.dl.files = nil
	h.dl.err = errors.New("exit status 1")

	err := h.o.RunJob(context.Background(), Job{ChatID: 1, UserID: 42, URL: "u", FormatIDs: []string{"18"}})
	require.ErrorIs(t, err, ErrDownloadProducedNothing)
	assert.Equal(t, "Download failed 😞", h.msg.last().text)
	assert.Empty(t, h.dlv.path)

	_, statErr := os.Stat(h.dl.got.Dir)
	assert.True(t, os.IsNotExist(statErr), "work dir must be removed")
}

func TestDownload_TakesFirstOfSeveralFiles(t *testing.T) {
	h := newHarness(t, fakeMeta{}, 2)
	h.dl.files = []string{"b.mp4", "a.m4a"}

	require.NoError(t, h.o.Download(context.Background(), Job{ChatID: 1, URL: "u", FormatIDs: []string{"x"}, AudioOnly: true}))
	assert.Equal(t, "a.m4a", filepath.Base(h.dlv.path))
	assert.True(t, h.dlv.audioOnly)
	assert.True(t, h.dl.got.AudioOnly)
}

func TestDownload_DeliveryRejected(t *testing.T) {
	h := newHarness(t, fakeMeta{}, 2)
	h.dlv.err = errors.Join(errors.New("upload: too big"), errors.New("document: too big"))

	err := h.o.RunJob(context.Background(), Job{ChatID: 1, URL: "u", FormatIDs: []string{"x"}})
	require.ErrorIs(t, err, ErrDeliveryRejected)
	text := h.msg.last().text
	assert.True(t, strings.HasPrefix(text, "Failed to send: "))
	assert.Contains(t, text, "document: too big")
	assert.NotContains(t, text, ErrDeliveryRejected.Error())

	_, statErr := os.Stat(h.dl.got.Dir)
	assert.True(t, os.IsNotExist(statErr), "work dir must be removed")
}

func TestDownload_BenignEditErrorsAreIgnored(t *testing.T) {
	h := newHarness(t, fakeMeta{}, 2)
	h.msg.editErr = errors.New("Bad Request: message is not modified")
	h.dl.lines = []string{"same", "same"}

	require.NoError(t, h.o.Download(context.Background(), Job{ChatID: 1, URL: "u", FormatIDs: []string{"x"}}))
	assert.Len(t, h.msg.edits, 2)
}

func TestDownload_ProgressIsThrottled(t *testing.T) {
	h := newHarness(t, fakeMeta{}, 2, WithProgressInterval(time.Hour))
	h.dl.lines = []string{"[download]  10.0% of 1MiB", "[download]  50.0% of 1MiB", "[download] 100% of 1MiB"}

	require.NoError(t, h.o.Download(context.Background(), Job{ChatID: 1, URL: "u", FormatIDs: []string{"x"}}))
	assert.Equal(t, []string{
		"Downloading:\n[download]  10.0% of 1MiB",
		"Downloading:\n[download] 100% of 1MiB",
	}, h.msg.edits)
}

func TestDownload_PostProcessingLinesBypassThrottle(t *testing.T) {
	h := newHarness(t, fakeMeta{}, 2, WithProgressInterval(time.Hour))
	h.dl.lines = []string{
		"[download]  10.0% of 1MiB",
		"[download]  60.0% of 1MiB",
		"[download] 100% of 1MiB",
		"[Merger] Merging formats into \"clip.mp4\"",
	}

	require.NoError(t, h.o.Download(context.Background(), Job{ChatID: 1, URL: "u", FormatIDs: []string{"x"}}))
	assert.Equal(t, []string{
		"Downloading:\n[download]  10.0% of 1MiB",
		"Downloading:\n[download] 100% of 1MiB",
		"Downloading:\n[Merger] Merging formats into \"clip.mp4\"",
	}, h.msg.edits)
}

func TestHandleToken_QueuedDispatch(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, fakeMeta{}, 2, WithDispatcher(d))
	tok := h.cache.Put(offers.Payload{URL: "u", AudioOnly: true, Offer: selector.Offer{
		Kind:        selector.KindAudioOnly,
		Combination: selector.Combination{FormatIDs: []string{"140"}, AudioOnly: true},
	}})

	require.NoError(t, h.o.HandleToken(context.Background(), 1, 42, tok))
	require.Len(t, d.jobs, 1)
	assert.Equal(t, Job{ChatID: 1, UserID: 42, URL: "u", FormatIDs: []string{"140"}, AudioOnly: true}, d.jobs[0])
	assert.Zero(t, h.dl.calls)
	assert.Len(t, h.store.Record(42), 1)
}

// Package selector picks the download combination that fits a byte budget.
//
// Normalize sorts raw formats into three buckets keyed by estimated size;
// Select pairs audio-only with video-only streams and emits at most one
// offer per bucket. Estimated size is the only quality proxy.
package selector

import (
	"strings"

	"github.com/wapuda/tg-fetcher/internal/media"
)

// Combination is an ordered list of format ids fetched by one download run.
type Combination struct {
	FormatIDs []string `json:"format_ids"`
	AudioOnly bool     `json:"audio_only"`
	// Paired is true when the combination joins a separate audio and video stream.
	Paired bool `json:"paired"`
}

// Bucket maps estimated size to a combination. One entry per size;
// a later Put with the same size replaces the earlier one. Iteration
// follows first-insertion order so results are deterministic.
type Bucket struct {
	order   []int64
	entries map[int64]Combination
}

func (b *Bucket) Put(size int64, c Combination) {
	if b.entries == nil {
		b.entries = make(map[int64]Combination)
	}
	if _, ok := b.entries[size]; !ok {
		b.order = append(b.order, size)
	}
	b.entries[size] = c
}

func (b *Bucket) Len() int { return len(b.order) }

// Each calls fn for every entry in insertion order.
func (b *Bucket) Each(fn func(size int64, c Combination)) {
	for _, size := range b.order {
		fn(size, b.entries[size])
	}
}

// Best returns the entry with the largest estimated size.
func (b *Bucket) Best() (int64, Combination, bool) {
	if len(b.order) == 0 {
		return 0, Combination{}, false
	}
	best := b.order[0]
	for _, size := range b.order[1:] {
		if size > best {
			best = size
		}
	}
	return best, b.entries[best], true
}

// Catalog is the normalized candidate set.
type Catalog struct {
	Muxed     Bucket
	VideoOnly Bucket
	AudioOnly Bucket
}

// Rules bound what Normalize accepts.
type Rules struct {
	Budget       int64
	VideoAllowed []string
	AudioAllowed []string
}

// Normalize classifies formats into buckets. A format is dropped when its
// size cannot be bounded or exceeds the budget: a known filesize must fit,
// otherwise the bitrate estimate must fit.
func Normalize(formats []media.FormatDescriptor, durationSec float64, r Rules) *Catalog {
	maxPref, hasPref := maxLanguagePreference(formats)
	video := tokenSet(r.VideoAllowed)
	audio := tokenSet(r.AudioAllowed)

	c := &Catalog{}
	for _, f := range formats {
		size, ok := f.EstimatedSize(durationSec)
		if !ok || size < 0 || size > r.Budget {
			continue
		}

		videoOK := video.matches(f.VideoCodec) || video.matches(f.VideoExt)
		audioCodecOK := audio.matches(f.AudioCodec) || audio.matches(f.AudioExt)

		// Language only narrows the audio side when at least one format
		// declares a preference. Undeclared formats count as -1.
		langOK := true
		if hasPref {
			pref := -1
			if f.LanguagePreference != nil {
				pref = *f.LanguagePreference
			}
			langOK = pref == maxPref
		}
		audioOK := audioCodecOK && langOK

		switch {
		case videoOK && audioCodecOK && (langOK || f.LanguagePreference == nil):
			c.Muxed.Put(size, Combination{FormatIDs: []string{f.ID}})
		case videoOK && !f.HasAudioTrack():
			c.VideoOnly.Put(size, Combination{FormatIDs: []string{f.ID}})
		case audioOK && !f.HasVideoTrack():
			c.AudioOnly.Put(size, Combination{FormatIDs: []string{f.ID}, AudioOnly: true})
		}
	}
	return c
}

func maxLanguagePreference(formats []media.FormatDescriptor) (int, bool) {
	best, found := 0, false
	for _, f := range formats {
		if f.LanguagePreference == nil {
			continue
		}
		if !found || *f.LanguagePreference > best {
			best = *f.LanguagePreference
			found = true
		}
	}
	return best, found
}

type tokens map[string]struct{}

func tokenSet(list []string) tokens {
	t := make(tokens, len(list))
	for _, s := range list {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			t[s] = struct{}{}
		}
	}
	return t
}

// matches accepts the full value or its codec family ("avc1.64001F" -> "avc1").
func (t tokens) matches(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" || v == "none" {
		return false
	}
	if _, ok := t[v]; ok {
		return true
	}
	if i := strings.IndexByte(v, '.'); i > 0 {
		_, ok := t[v[:i]]
		return ok
	}
	return false
}

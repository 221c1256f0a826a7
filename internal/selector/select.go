package selector

import (
	"fmt"

	"github.com/wapuda/tg-fetcher/internal/media"
)

type Kind string

const (
	KindMuxed     Kind = "muxed"
	KindVideoOnly Kind = "video_only"
	KindAudioOnly Kind = "audio_only"
	KindRetry     Kind = "retry"
)

// Offer is one user-selectable choice.
type Offer struct {
	Kind          Kind        `json:"kind"`
	Label         string      `json:"label"`
	Combination   Combination `json:"combination"`
	EstimatedSize int64       `json:"estimated_size"`
}

// IsRetry reports whether the offer only re-submits the URL.
func (o Offer) IsRetry() bool { return o.Kind == KindRetry }

// RetryOffer is presented when nothing fits or metadata is unavailable.
func RetryOffer() Offer {
	return Offer{Kind: KindRetry, Label: "🔁 retry"}
}

// Select pairs every audio-only entry with every video-only entry whose
// combined size fits the budget, adds the pairs to the muxed bucket and
// returns the largest entry of each bucket in the order muxed, video-only,
// audio-only. When every bucket is empty the single retry offer is returned.
func Select(c *Catalog, budget int64) []Offer {
	c.AudioOnly.Each(func(aSize int64, a Combination) {
		c.VideoOnly.Each(func(vSize int64, v Combination) {
			total := aSize + vSize
			if total > budget {
				return
			}
			ids := append(append([]string{}, a.FormatIDs...), v.FormatIDs...)
			c.Muxed.Put(total, Combination{FormatIDs: ids, Paired: true})
		})
	})

	var offers []Offer
	if size, comb, ok := c.Muxed.Best(); ok {
		offers = append(offers, newOffer(KindMuxed, "🎬 video", comb, size))
	}
	if size, comb, ok := c.VideoOnly.Best(); ok {
		offers = append(offers, newOffer(KindVideoOnly, "🔇 video (no audio)", comb, size))
	}
	if size, comb, ok := c.AudioOnly.Best(); ok {
		offers = append(offers, newOffer(KindAudioOnly, "🎵 audio", comb, size))
	}
	if len(offers) == 0 {
		return []Offer{RetryOffer()}
	}
	return offers
}

// Offers runs Normalize and Select over a metadata result.
func Offers(m media.Metadata, r Rules) []Offer {
	return Select(Normalize(m.Formats, m.Duration, r), r.Budget)
}

// AsAudio turns a muxed offer into audio extracted from the same streams.
// The size estimate stays that of the full download.
func AsAudio(o Offer) Offer {
	c := o.Combination
	c.FormatIDs = append([]string(nil), c.FormatIDs...)
	c.AudioOnly = true
	return newOffer(KindMuxed, "🎵 audio (from video)", c, o.EstimatedSize)
}

func newOffer(kind Kind, label string, c Combination, size int64) Offer {
	return Offer{
		Kind:          kind,
		Label:         fmt.Sprintf("%s · %.1f MB", label, float64(size)/1024/1024),
		Combination:   c,
		EstimatedSize: size,
	}
}

// Package media holds the typed shape of the metadata returned by the
// external download tool. Raw JSON is validated once in ParseMetadata;
// everything downstream works on FormatDescriptor.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingDuration = errors.New("media: metadata has no duration")
	ErrMissingFormats  = errors.New("media: metadata has no formats")
)

// FormatDescriptor is one encoding offered for a media URL.
// Empty strings stand for absent codec/container fields.
type FormatDescriptor struct {
	ID                 string
	VideoCodec         string
	AudioCodec         string
	VideoExt           string
	AudioExt           string
	Filesize           *int64
	Bitrate            *float64 // kbit/s
	LanguagePreference *int
}

// HasAudioTrack reports whether the descriptor declares an audio container.
func (f FormatDescriptor) HasAudioTrack() bool { return present(f.AudioExt) }

// HasVideoTrack reports whether the descriptor declares a video container.
func (f FormatDescriptor) HasVideoTrack() bool { return present(f.VideoExt) }

// EstimatedSize returns filesize when known, otherwise bitrate*duration*1024/8.
// ok is false when neither is known and the size cannot be bounded.
func (f FormatDescriptor) EstimatedSize(durationSec float64) (size int64, ok bool) {
	if f.Filesize != nil {
		return *f.Filesize, true
	}
	if f.Bitrate != nil {
		return int64(*f.Bitrate * durationSec * 1024 / 8), true
	}
	return 0, false
}

func present(s string) bool {
	return s != "" && !strings.EqualFold(s, "none")
}

// Metadata is the validated result of a metadata query.
type Metadata struct {
	Title       string
	Uploader    string
	UploadDate  string
	Description string
	Duration    float64
	Formats     []FormatDescriptor
}

type rawFormat struct {
	FormatID           string   `json:"format_id"`
	VCodec             *string  `json:"vcodec"`
	ACodec             *string  `json:"acodec"`
	VideoExt           *string  `json:"video_ext"`
	AudioExt           *string  `json:"audio_ext"`
	Filesize           *float64 `json:"filesize"`
	TBR                *float64 `json:"tbr"`
	LanguagePreference *int     `json:"language_preference"`
}

type rawMetadata struct {
	Title       string      `json:"title"`
	Uploader    string      `json:"uploader"`
	UploadDate  string      `json:"upload_date"`
	Description string      `json:"description"`
	Duration    *float64    `json:"duration"`
	Formats     []rawFormat `json:"formats"`
}

// ParseMetadata decodes the tool's JSON dump. A missing duration or format
// list is an error; formats without an id are skipped.
func ParseMetadata(data []byte) (Metadata, error) {
	var raw rawMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, fmt.Errorf("media: decode metadata: %w", err)
	}
	if raw.Duration == nil || *raw.Duration <= 0 {
		return Metadata{}, ErrMissingDuration
	}
	if len(raw.Formats) == 0 {
		return Metadata{}, ErrMissingFormats
	}

	m := Metadata{
		Title:       raw.Title,
		Uploader:    raw.Uploader,
		UploadDate:  raw.UploadDate,
		Description: raw.Description,
		Duration:    *raw.Duration,
		Formats:     make([]FormatDescriptor, 0, len(raw.Formats)),
	}
	for _, rf := range raw.Formats {
		if rf.FormatID == "" {
			continue
		}
		fd := FormatDescriptor{
			ID:                 rf.FormatID,
			VideoCodec:         deref(rf.VCodec),
			AudioCodec:         deref(rf.ACodec),
			VideoExt:           deref(rf.VideoExt),
			AudioExt:           deref(rf.AudioExt),
			Bitrate:            rf.TBR,
			LanguagePreference: rf.LanguagePreference,
		}
		if rf.Filesize != nil {
			n := int64(*rf.Filesize)
			fd.Filesize = &n
		}
		m.Formats = append(m.Formats, fd)
	}
	if len(m.Formats) == 0 {
		return Metadata{}, ErrMissingFormats
	}
	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

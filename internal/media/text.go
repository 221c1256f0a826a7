package media

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// CleanText strips markup, unescapes entities, replaces control characters
// with spaces and truncates to maxLen runes (0 = unlimited) ending in "…".
func CleanText(s string, maxLen int) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(z.Text())
		}
	}
	out := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, b.String())
	out = strings.TrimSpace(out)
	if maxLen > 0 && utf8.RuneCountInString(out) > maxLen {
		runes := []rune(out)
		out = strings.TrimSpace(string(runes[:maxLen-1])) + "…"
	}
	return out
}

// Summary renders the HTML header shown after a metadata query.
func (m Metadata) Summary() string {
	return fmt.Sprintf("<b>%s</b>\n<b>Duration</b> %.0f seconds, <b>uploaded</b> %s <b>by</b> %s\n<b>Description</b> %s\n",
		html.EscapeString(CleanText(m.Title, 40)),
		m.Duration,
		html.EscapeString(CleanText(m.UploadDate, 20)),
		html.EscapeString(CleanText(m.Uploader, 50)),
		html.EscapeString(CleanText(m.Description, 60)),
	)
}

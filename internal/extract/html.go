package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML returns the visible text of a message body with runs of
// whitespace collapsed. Block-level breaks become single spaces.
func StripHTML(raw string) string {
	if raw == "" {
		return ""
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; either way keep what was read
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br", "p", "div", "li":
				sb.WriteByte(' ')
			}
		}
	}
}

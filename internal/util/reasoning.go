package util

import (
	"regexp"
	"strings"
)

// Reasoning models wrap their scratchpad in <think>, <thinking> or <思考>.
// A block left open at the end is a reply cut off by the token limit.
var (
	reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking|思考)>.*?</(?:think|thinking|思考)>`)
	reasoningTail  = regexp.MustCompile(`(?is)<(?:think|thinking|思考)>.*$`)
)

// StripReasoning drops reasoning blocks so only the spoken reply remains
func StripReasoning(reply string) string {
	out := reasoningBlock.ReplaceAllString(reply, "")
	out = reasoningTail.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// CleanReply turns a raw model reply into the text of one conversation turn
func CleanReply(reply string) string {
	return CleanTurnText(StripReasoning(reply))
}

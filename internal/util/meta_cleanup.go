package util

import "strings"

// rolePrefixes are labels models like to put in front of a turn they were
// asked to speak, e.g. "Assistant: Sure, I can help."
var rolePrefixes = []string{
	"assistant:",
	"user:",
	"employee:",
	"agent:",
	"helpdesk:",
	"ai:",
}

// metaPhrases mark trailing chatter where the model steps out of character
var metaPhrases = []string{
	"(end of conversation)",
	"[end of conversation]",
	"note: this response",
	"as an ai language model",
}

// CleanTurnText normalizes a generated turn: it drops a leading speaker label,
// surrounding quotes, and any out-of-character note trailing the utterance.
func CleanTurnText(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	for _, prefix := range rolePrefixes {
		if strings.HasPrefix(lower, prefix) {
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
			lower = strings.ToLower(trimmed)
			break
		}
	}

	cutIndex := len(trimmed)
	for _, phrase := range metaPhrases {
		if idx := strings.Index(lower, phrase); idx > 0 && idx < cutIndex {
			cutIndex = idx
		}
	}
	if cutIndex < len(trimmed) {
		if result := strings.TrimSpace(trimmed[:cutIndex]); result != "" {
			trimmed = result
		}
	}

	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' &&
		!strings.Contains(trimmed[1:len(trimmed)-1], `"`) {
		trimmed = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	}

	return trimmed
}

package generator

import (
	"regexp"
	"strings"

	"github.com/lamim/convoforge/pkg/models"
)

// A refusal or an out-of-character aside breaks the conversation for both
// corpora, so such turns are rejected as malformed.
var refusal = regexp.MustCompile(`(?i)\b(?:` + strings.Join([]string{
	`i(?:'m| am) (?:sorry|afraid),? (?:but )?i (?:can(?:'t|not)|am unable to)`,
	`i (?:can(?:'t|not)|won't) (?:help|assist|provide|generate|comply)`,
	`i(?:'m| am) (?:not able|unable) to (?:help|assist)`,
	`i apologi[sz]e,? but i can(?:'t|not)`,
	`as an ai\b`,
	`i don't feel comfortable`,
}, "|") + `)`)

// turnProblem returns why text cannot be used as the next turn, or "" if it can
func turnProblem(text string, history []models.Turn) string {
	if text == "" {
		return "is empty"
	}
	if m := refusal.FindString(text); m != "" {
		return "contains refusal: " + strings.ToLower(m)
	}
	// Small models sometimes loop and replay an earlier line verbatim
	for _, prev := range history {
		if strings.EqualFold(prev.Text, text) {
			return "repeats an earlier turn"
		}
	}
	return ""
}

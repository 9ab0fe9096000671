package injector

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`\b\d+\b`)

var fabricatedClaims = []string{
	"Per Corporate Policy 2019-Z, this is approved automatically within %d hours.",
	"You are entitled to %d extra days under the updated handbook.",
	"Employees with more than %d months of tenure are exempt from this rule.",
}

// hallucinate introduces a factual deviation. A number in the turn is
// shifted when one exists; otherwise the final sentence is replaced with a
// confident but invented policy claim.
func hallucinate(rng *rand.Rand, text string) splice {
	if locs := numberPattern.FindAllStringIndex(text, -1); len(locs) > 0 {
		loc := locs[rng.IntN(len(locs))]
		original := text[loc[0]:loc[1]]
		return splice{
			start:    loc[0],
			original: original,
			injected: shiftNumber(rng, original),
		}
	}

	start := lastSentenceStart(text)
	claim := fmt.Sprintf(fabricatedClaims[rng.IntN(len(fabricatedClaims))], 2+rng.IntN(70))
	return splice{start: start, original: text[start:], injected: claim}
}

// shiftNumber returns a different non-negative number with the same meaning slot
func shiftNumber(rng *rand.Rand, s string) string {
	n, err := strconv.Atoi(s)
	if err != nil {
		return s + "0"
	}
	delta := 1 + rng.IntN(9)
	if n >= delta && rng.IntN(2) == 0 {
		return strconv.Itoa(n - delta)
	}
	return strconv.Itoa(n + delta)
}

// lastSentenceStart returns the byte offset where the final sentence begins
func lastSentenceStart(text string) int {
	body := strings.TrimRight(text, " .!?")
	start := 0
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(body, sep); idx >= 0 && idx+len(sep) > start {
			start = idx + len(sep)
		}
	}
	return start
}

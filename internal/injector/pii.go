package injector

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
)

// EntityValidator rejects generated PII values that would read as nonsense
// in the sentence they are spliced into.
type EntityValidator interface {
	Validate(kind, value string) error
}

type piiTemplate struct {
	kind     string
	sentence string
	value    func(*gofakeit.Faker) string
}

var piiTemplates = []piiTemplate{
	{
		kind:     "ssn",
		sentence: "I have updated your profile with SSN %s.",
		value: func(f *gofakeit.Faker) string {
			s := f.SSN()
			if len(s) == 9 {
				return s[:3] + "-" + s[3:5] + "-" + s[5:]
			}
			return s
		},
	},
	{
		kind:     "email",
		sentence: "I've sent the confirmation to %s as well.",
		value:    func(f *gofakeit.Faker) string { return strings.ToLower(f.Email()) },
	},
	{
		kind:     "phone",
		sentence: "The employee on file can be reached at %s.",
		value:    func(f *gofakeit.Faker) string { return f.PhoneFormatted() },
	},
	{
		kind:     "address",
		sentence: "The replacement will ship to %s.",
		value:    func(f *gofakeit.Faker) string { return f.Street() + ", " + f.City() },
	},
}

// pii appends a sentence carrying a sensitive value to the end of text.
// Templates are tried from a random starting point until one validates.
func (i *Injector) pii(rng *rand.Rand, faker *gofakeit.Faker, text string) (splice, bool) {
	first := rng.IntN(len(piiTemplates))
	for n := 0; n < len(piiTemplates); n++ {
		tmpl := piiTemplates[(first+n)%len(piiTemplates)]
		value := tmpl.value(faker)
		if err := i.validator.Validate(tmpl.kind, value); err != nil {
			i.logger.Debug("Rejected PII value", "kind", tmpl.kind, "error", err)
			continue
		}
		return splice{
			start:    len(text),
			injected: sentenceJoiner(text) + fmt.Sprintf(tmpl.sentence, value),
		}, true
	}
	return splice{}, false
}

// sentenceJoiner returns what must go between text and an appended sentence
func sentenceJoiner(text string) string {
	trimmed := strings.TrimRight(text, " ")
	if trimmed == "" {
		return ""
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return " "
	}
	return ". "
}

var piiPatterns = map[string]*regexp.Regexp{
	"ssn":     regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`),
	"email":   regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`),
	"phone":   regexp.MustCompile(`^\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}$`),
	"address": regexp.MustCompile(`^\d+ [^,]+, [A-Za-z .'\-]+$`),
}

// PatternValidator checks each PII kind against the shape a reader expects
type PatternValidator struct{}

// Validate implements EntityValidator
func (PatternValidator) Validate(kind, value string) error {
	re, ok := piiPatterns[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	if !re.MatchString(value) {
		return fmt.Errorf("%s value %q does not look like a %s", kind, value, kind)
	}
	return nil
}

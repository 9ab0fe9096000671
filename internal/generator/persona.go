package generator

import (
	"github.com/brianvoe/gofakeit/v6"

	"github.com/lamim/convoforge/pkg/models"
)

var departments = []string{
	"Finance",
	"Human Resources",
	"Engineering",
	"Sales",
	"Marketing",
	"Legal",
	"Operations",
	"Customer Success",
}

// Enrich picks a topic and a simulated employee for record index. The choice
// depends only on (seed, index) so a resumed run regenerates the same cast.
func Enrich(base models.PersonaProfile, seed int64, index int) models.PersonaProfile {
	faker := gofakeit.New(enrichSeed(seed, index))

	p := base
	p.Topics = append([]string(nil), base.Topics...)
	if len(p.Topics) > 0 {
		p.Topic = faker.RandomString(p.Topics)
	}
	p.Participant = models.Participant{
		Name:       faker.Name(),
		Department: faker.RandomString(departments),
	}
	return p
}

// enrichSeed never returns 0, which gofakeit treats as "seed from the clock"
func enrichSeed(seed int64, index int) int64 {
	s := seed*1_000_003 + int64(index) + 1
	if s == 0 {
		s = 1
	}
	return s
}

package writer

import (
	"context"
	"time"

	"github.com/lamim/convoforge/pkg/models"
)

// PairWriter is the output sink the orchestrator drives
type PairWriter interface {
	// Put durably writes both variants of a pair
	Put(ctx context.Context, pair models.ConversationPair) error

	// Has reports whether both variants of index are present
	Has(index int) bool

	// Remove drops index from both outputs
	Remove(ctx context.Context, index int) error

	// Prune drops every index keep rejects
	Prune(ctx context.Context, keep func(index int) bool) error

	// Archive moves the outputs aside and starts empty
	Archive(ctx context.Context, at time.Time) error

	// Len returns the number of aligned pairs
	Len() int
}

var _ PairWriter = (*CorpusWriter)(nil)


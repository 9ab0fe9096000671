package writer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/lamim/convoforge/pkg/models"
)

// collection is one corpus file held in memory, keyed by record index
type collection struct {
	path    string
	records map[int]models.Record
}

// loadCollection reads an existing corpus file. A missing file is an empty corpus.
func loadCollection(path string) (*collection, error) {
	c := &collection{path: path, records: make(map[int]models.Record)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return c, nil
	}

	var records []models.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, r := range records {
		c.records[r.Index] = r
	}
	return c, nil
}

// encode renders the corpus as a JSON array ordered by record index
func (c *collection) encode() ([]byte, error) {
	indices := make([]int, 0, len(c.records))
	for idx := range c.records {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	ordered := make([]models.Record, 0, len(indices))
	for _, idx := range indices {
		ordered = append(ordered, c.records[idx])
	}

	data, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", c.path, err)
	}
	return append(data, '\n'), nil
}

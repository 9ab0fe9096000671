package models

import "time"

// EntryKind distinguishes run headers from record completions in the checkpoint log
type EntryKind string

const (
	EntryRun    EntryKind = "run"
	EntryRecord EntryKind = "record"
)

// CheckpointEntry is one line of the append-only checkpoint log
type CheckpointEntry struct {
	Kind      EntryKind `json:"kind"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"ts"`

	// Run header fields
	Signature  string `json:"signature,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`
	Target     int    `json:"target,omitempty"`

	// Record fields
	Index             int          `json:"record_index"`
	Status            RecordStatus `json:"status,omitempty"`
	BaselineWritten   bool         `json:"baseline_written,omitempty"`
	ComparatorWritten bool         `json:"comparator_written,omitempty"`
	Labels            int          `json:"labels,omitempty"`
	Attempts          int          `json:"attempts,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// CheckpointState is reconstructed from the log on startup
type CheckpointState struct {
	Path         string         `json:"path"`
	Signature    string         `json:"signature"`
	ConfigHash   string         `json:"config_hash"`
	Target       int            `json:"target"`
	Runs         int            `json:"runs"`
	Completed    map[int]bool   `json:"completed"`
	Failed       map[int]string `json:"failed"`
	CorruptLines int            `json:"corrupt_lines"`
	ResumeIndex  int            `json:"resume_index"` // Lowest index neither completed nor failed
	LastUpdated  time.Time      `json:"last_updated"`
}

// Done reports whether index needs no further work
func (s *CheckpointState) Done(index int) bool {
	if s == nil {
		return false
	}
	if s.Completed[index] {
		return true
	}
	_, failed := s.Failed[index]
	return failed
}

// Complete reports whether every index below target has been finalized
func (s *CheckpointState) Complete(target int) bool {
	return s != nil && s.ResumeIndex >= target
}

// Forget drops a completion whose outputs turned out to be missing and moves
// the resume point back if needed.
func (s *CheckpointState) Forget(index int) {
	if s == nil || !s.Completed[index] {
		return
	}
	delete(s.Completed, index)
	if index < s.ResumeIndex {
		s.ResumeIndex = index
	}
}

// HighestContiguous returns the last index of the unbroken finished prefix, or -1
func (s *CheckpointState) HighestContiguous() int {
	if s == nil {
		return -1
	}
	return s.ResumeIndex - 1
}

// ProgressPercentage returns completed records as a share of the target
func (s *CheckpointState) ProgressPercentage() float64 {
	if s == nil || s.Target == 0 {
		return 0.0
	}
	return float64(len(s.Completed)) / float64(s.Target) * 100.0
}

package checkpoint

import (
	"fmt"

	"github.com/lamim/convoforge/pkg/models"
)

// Verdict is what a run should do with an existing log
type Verdict int

const (
	// VerdictFresh: no log, start at index 0
	VerdictFresh Verdict = iota
	// VerdictResumable: log matches the job and has work left
	VerdictResumable
	// VerdictStale: log belongs to another target or configuration; archive it
	VerdictStale
	// VerdictFinished: every index is already finalized; archive it
	VerdictFinished
)

func (v Verdict) String() string {
	switch v {
	case VerdictFresh:
		return "fresh"
	case VerdictResumable:
		return "resumable"
	case VerdictStale:
		return "stale"
	case VerdictFinished:
		return "finished"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Assess verifies a loaded log is compatible with the job about to run
func Assess(state *models.CheckpointState, signature string, job models.GenerationJob) (Verdict, string) {
	if state == nil {
		return VerdictFresh, "no checkpoint log"
	}
	if state.Runs == 0 {
		if len(state.Completed) == 0 && len(state.Failed) == 0 {
			return VerdictFresh, "checkpoint log has no entries"
		}
		return VerdictStale, "checkpoint log has no run header"
	}
	if state.Signature != signature {
		return VerdictStale, fmt.Sprintf("checkpoint log was written for another output target (%s vs %s)", state.Signature, signature)
	}
	if state.ConfigHash != job.ConfigHash {
		return VerdictStale, fmt.Sprintf("checkpoint config mismatch (hash: %s vs %s)", state.ConfigHash, job.ConfigHash)
	}
	if state.Complete(job.TargetRecords) {
		return VerdictFinished, "checkpoint is already complete, nothing to resume"
	}
	return VerdictResumable, fmt.Sprintf("resume from record %d", state.ResumeIndex)
}

// PendingIndices returns indices below target that still need work
func PendingIndices(state *models.CheckpointState, target int) []int {
	var pending []int
	for i := 0; i < target; i++ {
		if !state.Done(i) {
			pending = append(pending, i)
		}
	}
	return pending
}

// GetCompletedCount returns the number of confirmed records
func GetCompletedCount(state *models.CheckpointState) int {
	if state == nil {
		return 0
	}
	return len(state.Completed)
}

package models

import (
	"time"
)

// Speaker identifies who produced a turn
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// RecordStatus represents the lifecycle state of a record
type RecordStatus string

const (
	StatusPending    RecordStatus = "pending"
	StatusInProgress RecordStatus = "in_progress"
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
)

// RecordSource identifies where the baseline conversation came from
type RecordSource string

const (
	SourceSynthetic RecordSource = "synthetic"
	SourceAzure     RecordSource = "azure"
)

// DefectCategory names a kind of injected defect
type DefectCategory string

const (
	DefectPII               DefectCategory = "pii"
	DefectToxicity          DefectCategory = "toxicity"
	DefectHallucination     DefectCategory = "hallucination"
	DefectNegativeSentiment DefectCategory = "negative_sentiment"
)

// DefectCategories is the fixed order in which injection trials are drawn.
// Changing the order changes which records receive which defects for a given seed.
var DefectCategories = []DefectCategory{
	DefectPII,
	DefectToxicity,
	DefectHallucination,
	DefectNegativeSentiment,
}

// Turn is one utterance in a conversation
type Turn struct {
	Role Speaker `json:"role"`
	Text string  `json:"text"`
}

// Participant is the simulated employee talking to the assistant
type Participant struct {
	Name       string `json:"name"`
	Department string `json:"department"`
}

// Record represents one conversation unit in either corpus
type Record struct {
	Index           int              `json:"record_index"`
	SessionID       string           `json:"session_id"`
	Persona         string           `json:"persona"`
	Topic           string           `json:"topic,omitempty"`
	Participant     Participant      `json:"participant"`
	Turns           []Turn           `json:"turns"`
	ReferenceAnswer string           `json:"reference_answer,omitempty"` // Ground truth used for hallucination injection
	Source          RecordSource     `json:"source"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Status          RecordStatus     `json:"status"`
	Labels          []InjectionLabel `json:"injection_labels,omitempty"` // Only set on comparator records
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	out.Turns = append([]Turn(nil), r.Turns...)
	if r.Labels != nil {
		out.Labels = append([]InjectionLabel(nil), r.Labels...)
	}
	return out
}

// InjectionLabel describes one defect spliced into a comparator turn.
// The comparator turn text equals the baseline text with Original replaced
// by Injected at byte offset Start.
type InjectionLabel struct {
	Category  DefectCategory `json:"category"`
	TurnIndex int            `json:"turn_index"`
	Start     int            `json:"start"`
	End       int            `json:"end"` // End offset of Injected in the comparator text
	Original  string         `json:"original"`
	Injected  string         `json:"injected"`
	Rate      float64        `json:"rate"`
	Roll      float64        `json:"roll"`
	Reference string         `json:"reference,omitempty"`
}

// ConversationPair links a baseline record to its comparator
type ConversationPair struct {
	Baseline   Record
	Comparator Record
}

// Index returns the shared record index of the pair
func (p ConversationPair) Index() int {
	return p.Baseline.Index
}

// PersonaProfile drives the style of a generated conversation.
// Topic and Participant are filled per record by persona enrichment.
type PersonaProfile struct {
	Name          string      `json:"name"`
	UserRole      string      `json:"user_role"`
	AssistantRole string      `json:"assistant_role"`
	Style         string      `json:"style"`
	Topics        []string    `json:"topics"`
	Topic         string      `json:"topic,omitempty"`
	Participant   Participant `json:"participant"`
}

// Rates maps each defect category to its injection probability
type Rates map[DefectCategory]float64

// GenerationJob describes a full run; it is built once from configuration
// and never mutated afterwards.
type GenerationJob struct {
	TargetRecords  int
	TurnsPerRecord int
	Rates          Rates
	Persona        PersonaProfile
	OutputDir      string
	Seed           int64
	UseRealData    bool
	InjectRealData bool
	ConfigHash     string
}

// RunSummary is the result of one orchestrator invocation. It is a value type:
// every With* method returns an updated copy.
type RunSummary struct {
	RunID          string                 `json:"run_id"`
	Target         int                    `json:"target"`
	ResumedFrom    int                    `json:"resumed_from"`
	Resumed        bool                   `json:"resumed"`
	PriorCompleted int                    `json:"prior_completed"`
	Completed      int                    `json:"completed"`
	Failed         int                    `json:"failed"`
	Skipped        int                    `json:"skipped"`
	FailedIndices  []int                  `json:"failed_indices,omitempty"`
	LabelCounts    map[DefectCategory]int `json:"label_counts,omitempty"`
	Interrupted    bool                   `json:"interrupted"`
	StartTime      time.Time              `json:"start_time"`
	Elapsed        time.Duration          `json:"elapsed"`
	BaselinePath   string                 `json:"baseline_path"`
	ComparatorPath string                 `json:"comparator_path"`
	CheckpointPath string                 `json:"checkpoint_path"`
}

// TotalCompleted counts completed records across this and earlier invocations
func (s RunSummary) TotalCompleted() int {
	return s.PriorCompleted + s.Completed
}

// WithCompleted records a completed index and its labels
func (s RunSummary) WithCompleted(labels []InjectionLabel) RunSummary {
	s.Completed++
	if len(labels) > 0 {
		counts := make(map[DefectCategory]int, len(s.LabelCounts)+len(labels))
		for k, v := range s.LabelCounts {
			counts[k] = v
		}
		for _, l := range labels {
			counts[l.Category]++
		}
		s.LabelCounts = counts
	}
	return s
}

// WithFailed records a failed index
func (s RunSummary) WithFailed(index int) RunSummary {
	s.Failed++
	s.FailedIndices = append(append([]int(nil), s.FailedIndices...), index)
	return s
}

// WithSkipped records an index skipped because an earlier run marked it failed
func (s RunSummary) WithSkipped() RunSummary {
	s.Skipped++
	return s
}

// WithInterrupted marks the run as cancelled before reaching the target
func (s RunSummary) WithInterrupted() RunSummary {
	s.Interrupted = true
	return s
}

// Finish stamps the elapsed time
func (s RunSummary) Finish(now time.Time) RunSummary {
	s.Elapsed = now.Sub(s.StartTime)
	return s
}

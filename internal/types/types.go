package types

import "time"

// Stage is a step of the voice job state machine
type Stage string

// Job stage constants
const (
	StageReceived     Stage = "RECEIVED"
	StageDecoding     Stage = "DECODING"
	StageTranscribing Stage = "TRANSCRIBING"
	StageGenerating   Stage = "GENERATING"
	StageSynthesizing Stage = "SYNTHESIZING"
	StageEncoding     Stage = "ENCODING"
	StageCompleted    Stage = "COMPLETED"
	StageFailed       Stage = "FAILED"
	StageCancelled    Stage = "CANCELLED"
)

// stageOrder is the forward order of non-terminal stages followed by Completed
var stageOrder = map[Stage]int{
	StageReceived:     0,
	StageDecoding:     1,
	StageTranscribing: 2,
	StageGenerating:   3,
	StageSynthesizing: 4,
	StageEncoding:     5,
	StageCompleted:    6,
}

// Terminal reports whether no further transition is allowed
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// CanTransition reports whether moving from s to next is a legal step.
// Forward steps go one stage at a time; Failed and Cancelled are reachable
// from any non-terminal stage.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed || next == StageCancelled {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	return ok && to == from+1
}

// Source type constants
const (
	SourceUpload = "upload"
	SourceStream = "stream"
)

// Audio container names understood by the codec adapter
const (
	FormatWAV = "wav"
	FormatOGG = "ogg"
	FormatMP3 = "mp3"
)

// TurnResult is the record of one finished voice exchange
type TurnResult struct {
	JobID        string
	UserID       string
	Source       string
	Stage        Stage
	OutcomeKind  string
	Transcript   string
	Reply        string
	STTAttempts  int
	TTSAttempts  int
	Duration     time.Duration
	AudioSeconds float64
	ProcessedAt  time.Time
}

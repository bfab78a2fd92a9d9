package pipeline

import (
	"fmt"

	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

// Kind is the terminal failure category of a job
type Kind string

// Failure kinds
const (
	KindCapacityExceeded       Kind = "capacity_exceeded"
	KindDecodeFailed           Kind = "decode_failed"
	KindEncodeFailed           Kind = "encode_failed"
	KindTranscriptionFailed    Kind = "transcription_failed"
	KindGenerationFailed       Kind = "generation_failed"
	KindSynthesisFailed        Kind = "synthesis_failed"
	KindAuthenticationRejected Kind = "authentication_rejected"
	KindTimeout                Kind = "timeout"
	KindCancelled              Kind = "cancelled"
)

// JobError is a terminal job failure. Err carries internal detail for logs
// only; UserMessage is safe to show.
type JobError struct {
	Kind      Kind
	Stage     types.Stage
	Transient bool
	Err       error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("job %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

var userMessages = map[Kind]string{
	KindCapacityExceeded:       "I'm handling too many voice messages right now. Please try again in a minute.",
	KindDecodeFailed:           "I couldn't read that audio. Please record the message again.",
	KindEncodeFailed:           "I couldn't prepare the voice reply. Please try again.",
	KindTranscriptionFailed:    "I couldn't make out what you said. Please try again.",
	KindGenerationFailed:       "I couldn't come up with a reply. Please try again.",
	KindSynthesisFailed:        "I couldn't voice my reply. Please try again.",
	KindAuthenticationRejected: "The speech service is not authorized right now. The owner has been notified.",
	KindTimeout:                "That took too long. Please try a shorter message.",
	KindCancelled:              "The request was cancelled.",
}

// UserMessage is a fixed sentence for the kind with no internal detail
func (e *JobError) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return "Something went wrong. Please try again."
}

// failureKind is the kind reported when stage itself fails
func failureKind(stage types.Stage) Kind {
	switch stage {
	case types.StageTranscribing:
		return KindTranscriptionFailed
	case types.StageGenerating:
		return KindGenerationFailed
	case types.StageSynthesizing:
		return KindSynthesisFailed
	case types.StageEncoding:
		return KindEncodeFailed
	default:
		return KindDecodeFailed
	}
}

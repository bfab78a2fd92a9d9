package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

// Job is one inbound voice message on its way to a spoken reply
type Job struct {
	ID         string
	UserID     string
	Source     string
	Input      []byte
	FormatHint string
	CreatedAt  time.Time
	// Deadline is absolute; zero means now + the orchestrator's job timeout
	Deadline time.Time
}

// NewJob creates a job with a fresh id
func NewJob(userID, source string, input []byte, formatHint string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		Source:     source,
		Input:      input,
		FormatHint: formatHint,
		CreatedAt:  time.Now(),
	}
}

// Outcome is the terminal result of Submit. Exactly one of Audio and Err is
// set.
type Outcome struct {
	JobID        string
	Stage        types.Stage
	Stages       []types.Stage
	Audio        []byte
	Format       string
	Transcript   string
	Reply        string
	STTAttempts  int
	TTSAttempts  int
	Duration     time.Duration
	AudioSeconds float64
	Err          *JobError
}

// OK reports success
func (o *Outcome) OK() bool { return o.Err == nil && o.Stage == types.StageCompleted }

// TextFallback returns the generated reply when the job failed only at
// turning it into audio, so the caller can still deliver it as text
func (o *Outcome) TextFallback() string {
	if o.Err == nil {
		return ""
	}
	switch o.Err.Kind {
	case KindSynthesisFailed, KindEncodeFailed:
		return o.Reply
	}
	return ""
}

// ContentType maps an output container to its MIME type
func ContentType(format string) string {
	switch format {
	case types.FormatOGG:
		return "audio/ogg"
	case types.FormatMP3:
		return "audio/mpeg"
	case types.FormatWAV:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// run tracks one job's progress through the state machine
type run struct {
	job     *Job
	outcome *Outcome
	started time.Time
}

func newRun(job *Job) *run {
	return &run{
		job: job,
		outcome: &Outcome{
			JobID:  job.ID,
			Stage:  types.StageReceived,
			Stages: []types.Stage{types.StageReceived},
		},
		started: time.Now(),
	}
}

func (r *run) stage() types.Stage { return r.outcome.Stage }

// moveTo applies a transition; an illegal one is a programming error
func (r *run) moveTo(next types.Stage) {
	cur := r.outcome.Stage
	if !cur.CanTransition(next) {
		panic(fmt.Sprintf("illegal stage transition %s -> %s", cur, next))
	}
	r.outcome.Stage = next
	r.outcome.Stages = append(r.outcome.Stages, next)
}

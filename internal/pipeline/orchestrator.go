// Package pipeline drives a voice message through decode, transcription,
// reply generation, synthesis and encode, with bounded concurrency, retries
// and a hard per-job deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/voice-bot/internal/auth"
	"github.com/codebuildervaibhav/voice-bot/internal/codec"
	"github.com/codebuildervaibhav/voice-bot/internal/reply"
	"github.com/codebuildervaibhav/voice-bot/internal/speech"
	"github.com/codebuildervaibhav/voice-bot/internal/types"
	"github.com/codebuildervaibhav/voice-bot/internal/workspace"
)

// errRetryPastDeadline marks a transient failure whose backoff would end
// after the job deadline
var errRetryPastDeadline = errors.New("retry would exceed job deadline")

// errDraining rejects jobs once Drain has started
var errDraining = errors.New("orchestrator is draining")

// Codec converts between inbound containers and canonical audio
type Codec interface {
	Decode(ctx context.Context, ws codec.Scratch, input []byte, hint string) (*codec.Audio, error)
	Encode(ctx context.Context, ws codec.Scratch, audio *codec.Audio, target string) ([]byte, error)
}

// TokenSource hands out vendor access tokens
type TokenSource interface {
	GetValidToken(ctx context.Context) (*auth.Credential, error)
	ForceRefresh(ctx context.Context) (*auth.Credential, error)
}

// Journal records terminal outcomes
type Journal interface {
	Record(ctx context.Context, r types.TurnResult) error
}

// Config bounds the orchestrator
type Config struct {
	MaxCodecJobs       int
	MaxRemoteJobs      int
	QueueDepth         int
	JobTimeout         time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	AuthAlertThreshold int
	AuthAlertWindow    time.Duration
	OutputFormat       string
	MaxReplyChars      int
}

// Deps are the collaborators the orchestrator drives
type Deps struct {
	Codec      Codec
	Workspaces *workspace.Manager
	Tokens     TokenSource
	STT        speech.Transcriber
	TTS        speech.Synthesizer
	Replier    reply.Generator
	// Journal is optional
	Journal    Journal
	Registry   prometheus.Registerer
	Logger     *slog.Logger
}

// Orchestrator runs voice jobs
type Orchestrator struct {
	cfg     Config
	deps    Deps
	codec   *gate
	remote  *gate
	backoff backoff
	alert   *authAlert
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
	active   atomic.Int64
	// waiting counts jobs blocked on either gate
	waiting  atomic.Int64
}

// New creates an orchestrator
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxCodecJobs < 1 {
		cfg.MaxCodecJobs = 1
	}
	if cfg.MaxRemoteJobs < 1 {
		cfg.MaxRemoteJobs = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 90 * time.Second
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = types.FormatOGG
	}
	if deps.Replier == nil {
		deps.Replier = reply.Echo{}
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		codec:   newGate("codec", cfg.MaxCodecJobs),
		remote:  newGate("remote", cfg.MaxRemoteJobs),
		backoff: backoff{base: cfg.BackoffBase, max: cfg.BackoffMax},
		alert:   newAuthAlert(cfg.AuthAlertThreshold, cfg.AuthAlertWindow),
		metrics: NewMetrics(deps.Registry),
		logger:  logger.With("component", "pipeline"),
	}
	registerGateGauges(deps.Registry, o.codec, o.remote)
	return o
}

// Accepting reports whether new jobs are admitted
func (o *Orchestrator) Accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.draining
}

// Saturated reports whether a job arriving now would be refused for
// capacity
func (o *Orchestrator) Saturated() bool {
	return o.codec.Full() && o.Waiting() >= int64(o.cfg.QueueDepth)
}

// InFlight is the number of jobs inside Submit
func (o *Orchestrator) InFlight() int64 { return o.active.Load() }

// Waiting is the number of jobs blocked on a concurrency gate
func (o *Orchestrator) Waiting() int64 { return o.waiting.Load() }

// reserveWait claims a queue position for a new job. The check and the
// increment are one step so concurrent arrivals never overfill the queue.
func (o *Orchestrator) reserveWait() bool {
	limit := int64(o.cfg.QueueDepth)
	for {
		n := o.waiting.Load()
		if n >= limit {
			return false
		}
		if o.waiting.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// wait blocks an admitted job on g. It is not bounded by QueueDepth.
func (o *Orchestrator) wait(ctx context.Context, g *gate) error {
	if g.tryAcquire() {
		return nil
	}
	o.waiting.Add(1)
	defer o.waiting.Add(-1)
	return g.acquire(ctx)
}

// Drain stops admission and waits for in-flight jobs or ctx
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %w (%d jobs still running)", ctx.Err(), o.active.Load())
	}
}

// Submit runs job to a terminal stage. It never returns nil.
func (o *Orchestrator) Submit(ctx context.Context, job *Job) *Outcome {
	r := newRun(job)
	logger := o.logger.With("job_id", job.ID, "user_id", job.UserID)

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		r.fail(KindCapacityExceeded, false, errDraining)
		return o.finish(ctx, r, logger)
	}
	o.inflight.Add(1)
	o.mu.Unlock()
	defer o.inflight.Done()

	o.active.Add(1)
	o.metrics.InFlight.Inc()
	defer func() {
		o.active.Add(-1)
		o.metrics.InFlight.Dec()
	}()

	deadline := job.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(o.cfg.JobTimeout)
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	logger.Info("voice job received", "bytes", len(job.Input), "source", job.Source, "deadline", deadline)
	o.execute(jobCtx, r, logger)
	return o.finish(ctx, r, logger)
}

// execute drives the state machine. Every gate slot and the workspace are
// released on all paths out of here.
func (o *Orchestrator) execute(ctx context.Context, r *run, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("PANIC processing voice job", "panic", p, "stack", string(debug.Stack()))
			if !r.stage().Terminal() {
				r.fail(failureKind(r.stage()), false, fmt.Errorf("panic: %v", p))
			}
		}
	}()

	// Admission: take a codec slot now, or queue behind at most QueueDepth
	// other waiters
	if !o.codec.tryAcquire() {
		if !o.reserveWait() {
			r.fail(KindCapacityExceeded, true, fmt.Errorf("%d jobs already waiting", o.Waiting()))
			return
		}
		err := o.codec.acquire(ctx)
		o.waiting.Add(-1)
		if err != nil {
			o.abort(ctx, r, err)
			return
		}
	}
	codecHeld := true
	defer func() {
		if codecHeld {
			o.codec.release()
		}
	}()

	ws, err := o.deps.Workspaces.Acquire(r.job.ID)
	if err != nil {
		r.fail(KindDecodeFailed, false, err)
		return
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Error("workspace release failed", "error", err)
		}
	}()

	// Decoding
	if !o.advance(ctx, r, types.StageDecoding) {
		return
	}
	stageStart := time.Now()
	audio, err := o.deps.Codec.Decode(ctx, ws, r.job.Input, r.job.FormatHint)
	o.observeStage(types.StageDecoding, stageStart)
	o.codec.release()
	codecHeld = false
	if err != nil {
		o.stageError(ctx, r, err)
		return
	}
	r.outcome.AudioSeconds = audio.Duration.Seconds()
	logger.Debug("decoded", "audio_seconds", r.outcome.AudioSeconds)

	// Remote stages share one slot
	if err := o.wait(ctx, o.remote); err != nil {
		o.abort(ctx, r, err)
		return
	}
	remoteHeld := true
	defer func() {
		if remoteHeld {
			o.remote.release()
		}
	}()

	// Transcribing
	if !o.advance(ctx, r, types.StageTranscribing) {
		return
	}
	stageStart = time.Now()
	var transcript string
	err = o.remoteCall(ctx, "transcribe", &r.outcome.STTAttempts, logger, func(ctx context.Context, tok *oauth2.Token) error {
		text, err := o.deps.STT.Transcribe(ctx, audio, tok)
		transcript = text
		return err
	})
	o.observeStage(types.StageTranscribing, stageStart)
	if err != nil {
		o.stageError(ctx, r, err)
		return
	}
	r.outcome.Transcript = transcript
	logger.Info("transcribed", "chars", len(transcript), "attempts", r.outcome.STTAttempts)

	// Generating
	if !o.advance(ctx, r, types.StageGenerating) {
		return
	}
	stageStart = time.Now()
	text, err := callAsync(ctx, func(ctx context.Context) (string, error) {
		return o.deps.Replier.Reply(ctx, r.job.UserID, transcript)
	})
	o.observeStage(types.StageGenerating, stageStart)
	if err == nil && text == "" {
		err = errors.New("reply generator returned empty text")
	}
	if err != nil {
		o.stageError(ctx, r, err)
		return
	}
	text = reply.Truncate(text, o.cfg.MaxReplyChars)
	r.outcome.Reply = text

	// Synthesizing
	if !o.advance(ctx, r, types.StageSynthesizing) {
		return
	}
	stageStart = time.Now()
	var voiced *codec.Audio
	err = o.remoteCall(ctx, "synthesize", &r.outcome.TTSAttempts, logger, func(ctx context.Context, tok *oauth2.Token) error {
		a, err := o.deps.TTS.Synthesize(ctx, text, tok)
		voiced = a
		return err
	})
	o.observeStage(types.StageSynthesizing, stageStart)
	o.remote.release()
	remoteHeld = false
	if err != nil {
		o.stageError(ctx, r, err)
		return
	}

	// Encoding
	if err := o.wait(ctx, o.codec); err != nil {
		o.abort(ctx, r, err)
		return
	}
	codecHeld = true
	if !o.advance(ctx, r, types.StageEncoding) {
		return
	}
	stageStart = time.Now()
	out, err := o.deps.Codec.Encode(ctx, ws, voiced, o.cfg.OutputFormat)
	o.observeStage(types.StageEncoding, stageStart)
	if err != nil {
		o.stageError(ctx, r, err)
		return
	}

	if !o.advance(ctx, r, types.StageCompleted) {
		return
	}
	r.outcome.Audio = out
	r.outcome.Format = o.cfg.OutputFormat
}

// advance checks the deadline, then moves to next
func (o *Orchestrator) advance(ctx context.Context, r *run, next types.Stage) bool {
	if err := ctx.Err(); err != nil {
		o.abort(ctx, r, err)
		return false
	}
	r.moveTo(next)
	return true
}

// abort ends the job because its context finished
func (o *Orchestrator) abort(ctx context.Context, r *run, err error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, errRetryPastDeadline) {
		r.cancel(KindTimeout, err)
		return
	}
	r.cancel(KindCancelled, err)
}

// stageError classifies a failure of the current stage
func (o *Orchestrator) stageError(ctx context.Context, r *run, err error) {
	if ctx.Err() != nil || errors.Is(err, errRetryPastDeadline) {
		o.abort(ctx, r, err)
		return
	}

	var je *JobError
	if errors.As(err, &je) {
		r.fail(je.Kind, je.Transient, je.Err)
		return
	}
	r.fail(failureKind(r.stage()), speech.IsRetryable(err), err)
}

// remoteCall runs one vendor operation with the retry policy: transient
// failures retry up to MaxAttempts with backoff; an auth rejection forces
// one token refresh and one extra attempt outside that budget.
func (o *Orchestrator) remoteCall(ctx context.Context, op string, attempts *int, logger *slog.Logger, call func(context.Context, *oauth2.Token) error) error {
	forced := false

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cred, err := o.deps.Tokens.GetValidToken(ctx)
		if err != nil {
			return tokenError(err)
		}

		*attempts++
		o.metrics.RemoteAttempts.WithLabelValues(op).Inc()
		_, err = callAsync(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, call(ctx, cred.Token())
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch speech.KindOf(err) {
		case speech.KindAuthRejected:
			if forced {
				return &JobError{Kind: KindAuthenticationRejected, Err: fmt.Errorf("%s rejected token after forced refresh: %w", op, err)}
			}
			forced = true
			o.metrics.ForcedRefreshes.Inc()
			logger.Warn("vendor rejected token, forcing refresh", "op", op, "error", err)
			if _, err := o.deps.Tokens.ForceRefresh(ctx); err != nil {
				return tokenError(err)
			}
			// The forced retry does not consume the general budget
			attempt--

		case speech.KindTransient:
			if attempt >= o.cfg.MaxAttempts {
				return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
			}
			wait := o.backoff.delay(attempt)
			if !fitsDeadline(ctx, wait) {
				return fmt.Errorf("%w: %s backoff %s: %w", errRetryPastDeadline, op, wait, err)
			}
			o.metrics.RemoteRetries.WithLabelValues(op).Inc()
			logger.Warn("transient vendor failure, retrying", "op", op, "attempt", attempt, "backoff", wait, "error", err)
			if err := sleep(ctx, wait); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

// tokenError maps broker failures onto job failures
func tokenError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, auth.ErrReconsentRequired):
		return &JobError{Kind: KindAuthenticationRejected, Err: err}
	default:
		// Transient refresh failure; fails the current stage
		return &stageFailure{transient: true, err: err}
	}
}

// stageFailure is a non-vendor error attributed to the current stage
type stageFailure struct {
	transient bool
	err       error
}

func (e *stageFailure) Error() string { return e.err.Error() }
func (e *stageFailure) Unwrap() error { return e.err }

func (o *Orchestrator) observeStage(stage types.Stage, start time.Time) {
	o.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

// finish records metrics, the journal entry and the auth alert
func (o *Orchestrator) finish(ctx context.Context, r *run, logger *slog.Logger) *Outcome {
	out := r.outcome
	out.Duration = time.Since(r.started)

	label := "ok"
	if out.Err != nil {
		label = string(out.Err.Kind)
	}
	o.metrics.JobsTotal.WithLabelValues(label).Inc()
	o.metrics.JobDuration.Observe(out.Duration.Seconds())

	if out.OK() {
		logger.Info("voice job completed", "duration", out.Duration, "stt_attempts", out.STTAttempts, "tts_attempts", out.TTSAttempts, "bytes_out", len(out.Audio))
	} else {
		logger.Warn("voice job failed", "kind", out.Err.Kind, "stage", out.Err.Stage, "transient", out.Err.Transient, "error", out.Err.Err, "duration", out.Duration)
	}

	if out.Err != nil && out.Err.Kind == KindAuthenticationRejected {
		if n, fire := o.alert.record(); fire {
			o.metrics.AuthAlerts.Inc()
			o.logger.Error("credential lifecycle broken: repeated authentication rejections",
				"rejections", n, "window", o.cfg.AuthAlertWindow)
		}
	}

	if o.deps.Journal != nil {
		rec := types.TurnResult{
			JobID:        out.JobID,
			UserID:       r.job.UserID,
			Source:       r.job.Source,
			Stage:        out.Stage,
			OutcomeKind:  label,
			Transcript:   out.Transcript,
			Reply:        out.Reply,
			STTAttempts:  out.STTAttempts,
			TTSAttempts:  out.TTSAttempts,
			Duration:     out.Duration,
			AudioSeconds: out.AudioSeconds,
			ProcessedAt:  time.Now(),
		}
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := o.deps.Journal.Record(jctx, rec); err != nil {
			logger.Error("journal write failed", "error", err)
		}
		cancel()
	}
	return out
}

// fail ends the run in Failed
func (r *run) fail(kind Kind, transient bool, err error) {
	var sf *stageFailure
	if errors.As(err, &sf) {
		transient = transient || sf.transient
	}
	r.outcome.Err = &JobError{Kind: kind, Stage: r.stage(), Transient: transient, Err: err}
	r.moveTo(types.StageFailed)
}

// cancel ends the run in Cancelled
func (r *run) cancel(kind Kind, err error) {
	r.outcome.Err = &JobError{Kind: kind, Stage: r.stage(), Err: err}
	r.moveTo(types.StageCancelled)
}

// Package codec wraps the external ffmpeg transcoder. It normalizes inbound
// voice messages to the canonical PCM format the speech vendor expects and
// packs synthesized PCM back into the chat transport's container.
package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

// Canonical audio parameters shared by every pipeline stage
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	CanonicalBitDepth   = 16
)

var (
	// ErrDecodeFailed wraps any failure turning inbound audio into canonical PCM
	ErrDecodeFailed = errors.New("codec: decode failed")

	// ErrEncodeFailed wraps any failure packing canonical PCM for the transport
	ErrEncodeFailed = errors.New("codec: encode failed")

	// ErrUnsupportedTarget is returned for an unknown output container
	ErrUnsupportedTarget = errors.New("codec: unsupported target format")
)

// Audio is a WAV-wrapped PCM buffer with its stream parameters
type Audio struct {
	WAV        []byte
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Canonical reports whether a matches the pipeline's fixed PCM format
func (a *Audio) Canonical() bool {
	return a.SampleRate == CanonicalSampleRate &&
		a.Channels == CanonicalChannels &&
		a.BitDepth == CanonicalBitDepth
}

// PCM returns the raw sample bytes without the RIFF header
func (a *Audio) PCM() []byte {
	info, err := ParseWAV(a.WAV)
	if err != nil {
		return nil
	}
	return a.WAV[info.DataOffset : info.DataOffset+info.DataSize]
}

// AudioFromWAV inspects a WAV buffer
func AudioFromWAV(data []byte) (*Audio, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return nil, err
	}
	return &Audio{
		WAV:        data,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		BitDepth:   info.BitDepth,
		Duration:   info.Duration(),
	}, nil
}

// Scratch is the slice of a job workspace the adapter needs
type Scratch interface {
	WriteFile(name string, data []byte) (string, error)
	ReadFile(name string) ([]byte, error)
	Path(name string) string
}

// Adapter runs ffmpeg with a hard per-invocation timeout
type Adapter struct {
	ffmpegPath string
	timeout    time.Duration
	runner     Runner
	logger     *slog.Logger
}

// NewAdapter creates an adapter. A nil runner uses ExecRunner.
func NewAdapter(ffmpegPath string, timeout time.Duration, runner Runner, logger *slog.Logger) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		runner:     runner,
		logger:     logger.With("component", "codec"),
	}
}

// Decode converts input of any container/codec into canonical audio.
// hint is an optional container name or file extension ("ogg", ".oga",
// "audio/ogg") used to name the input file.
func (a *Adapter) Decode(ctx context.Context, ws Scratch, input []byte, hint string) (*Audio, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecodeFailed)
	}

	inName := "input." + extensionFor(hint)
	inPath, err := ws.WriteFile(inName, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	outPath := ws.Path("decoded.wav")

	// Same normalization the transcription worker has always used: 16kHz mono s16le
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", inPath,
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-ac", strconv.Itoa(CanonicalChannels),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		"-y",
		outPath,
	}
	if err := a.run(ctx, "decode", ErrDecodeFailed, args); err != nil {
		return nil, err
	}

	data, err := ws.ReadFile("decoded.wav")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg completed but output is missing: %w", ErrDecodeFailed, err)
	}
	audio, err := AudioFromWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	if !audio.Canonical() {
		return nil, fmt.Errorf("%w: unexpected output format %dHz/%dch/%dbit",
			ErrDecodeFailed, audio.SampleRate, audio.Channels, audio.BitDepth)
	}

	a.logger.Debug("decoded audio", "bytes_in", len(input), "duration", audio.Duration)
	return audio, nil
}

// Encode packs audio into the target container ("ogg", "mp3" or "wav")
func (a *Adapter) Encode(ctx context.Context, ws Scratch, audio *Audio, target string) ([]byte, error) {
	if audio == nil || len(audio.WAV) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrEncodeFailed)
	}

	var codecArgs []string
	switch target {
	case types.FormatOGG:
		// Telegram-style voice note: Opus in Ogg, 48kHz mono
		codecArgs = []string{"-c:a", "libopus", "-b:a", "64k", "-ar", "48000", "-ac", "1", "-f", "ogg"}
	case types.FormatMP3:
		codecArgs = []string{"-c:a", "libmp3lame", "-b:a", "64k", "-ar", "44100", "-ac", "1", "-f", "mp3"}
	case types.FormatWAV:
		if audio.Canonical() {
			out := make([]byte, len(audio.WAV))
			copy(out, audio.WAV)
			return out, nil
		}
		codecArgs = []string{
			"-ar", strconv.Itoa(CanonicalSampleRate),
			"-ac", strconv.Itoa(CanonicalChannels),
			"-c:a", "pcm_s16le", "-f", "wav",
		}
	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrEncodeFailed, ErrUnsupportedTarget, target)
	}

	inPath, err := ws.WriteFile("synth.wav", audio.WAV)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	outName := "output." + target
	outPath := ws.Path(outName)

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-i", inPath}
	args = append(args, codecArgs...)
	args = append(args, "-y", outPath)

	if err := a.run(ctx, "encode", ErrEncodeFailed, args); err != nil {
		return nil, err
	}

	data, err := ws.ReadFile(outName)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg completed but output is missing: %w", ErrEncodeFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrEncodeFailed)
	}

	a.logger.Debug("encoded audio", "target", target, "bytes_out", len(data))
	return data, nil
}

// run invokes ffmpeg under the adapter timeout. A failure caused by the
// caller's own context is returned as that context error, not as a codec
// failure.
func (a *Adapter) run(ctx context.Context, op string, sentinel error, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	res, err := a.runner.Run(runCtx, a.ffmpegPath, args...)
	if err == nil {
		a.logger.Debug("ffmpeg finished", "op", op, "elapsed", time.Since(start))
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	cmdErr := &CommandError{
		Op:       op,
		Command:  a.ffmpegPath,
		ExitCode: res.ExitCode,
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Stderr:   tail(strings.TrimSpace(res.Stderr), 512),
		Err:      err,
	}
	a.logger.Warn("ffmpeg failed", "op", op, "exit_code", cmdErr.ExitCode, "timed_out", cmdErr.TimedOut, "stderr", cmdErr.Stderr)
	return fmt.Errorf("%w: %w", sentinel, cmdErr)
}

// extensionFor turns a format hint into a safe file extension
func extensionFor(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.LastIndex(h, "/"); i >= 0 {
		h = h[i+1:]
	}
	h = strings.TrimPrefix(h, ".")
	if i := strings.Index(h, ";"); i >= 0 {
		h = h[:i]
	}
	switch h {
	case "ogg", "oga", "opus", "mp3", "mpeg", "wav", "x-wav", "m4a", "mp4", "webm", "flac", "aac", "amr":
		switch h {
		case "mpeg":
			return "mp3"
		case "x-wav":
			return "wav"
		}
		return h
	default:
		return "bin"
	}
}

// SupportedInput reports whether a file name carries an inbound audio
// extension the decoder knows
func SupportedInput(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return false
	}
	return extensionFor(name[i+1:]) != "bin"
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/voice-bot/internal/pipeline"
	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

type fakeSubmitter struct {
	SubmitFunc func(ctx context.Context, job *pipeline.Job) *pipeline.Outcome
	calls      atomic.Int64
	last       atomic.Pointer[pipeline.Job]
}

func (f *fakeSubmitter) Submit(ctx context.Context, job *pipeline.Job) *pipeline.Outcome {
	f.calls.Add(1)
	f.last.Store(job)
	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, job)
	}
	return &pipeline.Outcome{JobID: job.ID, Stage: types.StageCompleted, Audio: []byte("OggS"), Format: types.FormatOGG}
}

func failWith(kind pipeline.Kind, transient bool) func(context.Context, *pipeline.Job) *pipeline.Outcome {
	return func(_ context.Context, job *pipeline.Job) *pipeline.Outcome {
		return &pipeline.Outcome{
			JobID: job.ID,
			Stage: types.StageFailed,
			Err:   &pipeline.JobError{Kind: kind, Transient: transient, Err: io.ErrUnexpectedEOF},
		}
	}
}

func voiceRequest(t *testing.T, userID, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if userID != "" {
		w.WriteField("user_id", userID)
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/voice", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func newVoiceApp(sub Submitter, gate *OwnerGate) *fiber.App {
	app := fiber.New()
	app.Post("/voice", NewVoiceHandler(sub, gate, 1, nil).Handle)
	return app
}

func TestVoiceHandlerReturnsAudio(t *testing.T) {
	sub := &fakeSubmitter{}
	app := newVoiceApp(sub, NewOwnerGate(nil))

	resp, err := app.Test(voiceRequest(t, "42", "voice.oga", []byte("opus")))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OggS" {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/ogg" {
		t.Errorf("content type = %q", ct)
	}

	job := sub.last.Load()
	if job == nil || job.UserID != "42" || job.FormatHint != "oga" || job.Source != types.SourceUpload || string(job.Input) != "opus" {
		t.Errorf("job = %+v", job)
	}
	if resp.Header.Get("X-Job-ID") != job.ID {
		t.Errorf("job id header = %q", resp.Header.Get("X-Job-ID"))
	}
}

func TestVoiceHandlerRejects(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode int
		wantErr  string
	}{
		{"missing user", func(t *testing.T) *http.Request { return voiceRequest(t, "", "a.ogg", []byte("x")) }, 400, "ERR_NO_USER"},
		{"not the owner", func(t *testing.T) *http.Request { return voiceRequest(t, "7", "a.ogg", []byte("x")) }, 403, "forbidden"},
		{"missing file", func(t *testing.T) *http.Request { return voiceRequest(t, "42", "", nil) }, 400, "ERR_NO_FILE"},
		{"bad extension", func(t *testing.T) *http.Request { return voiceRequest(t, "42", "a.txt", []byte("x")) }, 400, "ERR_INVALID_FORMAT"},
		{"too large", func(t *testing.T) *http.Request {
			return voiceRequest(t, "42", "a.ogg", make([]byte, 1024*1024+1))
		}, 413, "ERR_FILE_TOO_LARGE"},
		{"empty file", func(t *testing.T) *http.Request { return voiceRequest(t, "42", "a.ogg", nil) }, 400, "ERR_READ_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			app := newVoiceApp(sub, NewOwnerGate([]string{"42"}))

			resp, err := app.Test(tt.req(t))
			if err != nil {
				t.Fatal(err)
			}
			var body map[string]string
			json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != tt.wantCode || body["code"] != tt.wantErr {
				t.Fatalf("status %d body %v", resp.StatusCode, body)
			}
			if sub.calls.Load() != 0 {
				t.Error("rejected request reached the pipeline")
			}
		})
	}
}

func TestVoiceHandlerFailures(t *testing.T) {
	tests := []struct {
		kind       pipeline.Kind
		transient  bool
		wantStatus int
		retryAfter bool
	}{
		{pipeline.KindCapacityExceeded, true, 503, true},
		{pipeline.KindAuthenticationRejected, false, 503, false},
		{pipeline.KindDecodeFailed, false, 422, false},
		{pipeline.KindTimeout, false, 504, false},
		{pipeline.KindTranscriptionFailed, true, 502, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			app := newVoiceApp(&fakeSubmitter{SubmitFunc: failWith(tt.kind, tt.transient)}, nil)

			resp, err := app.Test(voiceRequest(t, "42", "a.ogg", []byte("x")))
			if err != nil {
				t.Fatal(err)
			}
			raw, _ := io.ReadAll(resp.Body)
			var body map[string]string
			json.Unmarshal(raw, &body)

			if resp.StatusCode != tt.wantStatus || body["code"] != string(tt.kind) {
				t.Fatalf("status %d body %s", resp.StatusCode, raw)
			}
			if bytes.Contains(raw, []byte("unexpected EOF")) {
				t.Errorf("internal error leaked: %s", raw)
			}
			if body["error"] == "" || body["job_id"] == "" {
				t.Errorf("body = %v", body)
			}
			if got := resp.Header.Get("Retry-After") != ""; got != tt.retryAfter {
				t.Errorf("retry-after present = %v", got)
			}
		})
	}
}

func failedAfterReply(kind pipeline.Kind) func(context.Context, *pipeline.Job) *pipeline.Outcome {
	return func(_ context.Context, job *pipeline.Job) *pipeline.Outcome {
		return &pipeline.Outcome{
			JobID:      job.ID,
			Stage:      types.StageFailed,
			Transcript: "привет",
			Reply:      "здравствуй",
			Err:        &pipeline.JobError{Kind: kind, Stage: types.StageSynthesizing, Err: io.ErrUnexpectedEOF},
		}
	}
}

func TestVoiceHandlerTextFallback(t *testing.T) {
	tests := []struct {
		kind      pipeline.Kind
		wantReply string
	}{
		{pipeline.KindSynthesisFailed, "здравствуй"},
		{pipeline.KindEncodeFailed, "здравствуй"},
		{pipeline.KindTimeout, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			app := newVoiceApp(&fakeSubmitter{SubmitFunc: failedAfterReply(tt.kind)}, nil)

			resp, err := app.Test(voiceRequest(t, "42", "a.ogg", []byte("x")))
			if err != nil {
				t.Fatal(err)
			}
			var body map[string]string
			json.NewDecoder(resp.Body).Decode(&body)
			if body["code"] != string(tt.kind) || body["reply"] != tt.wantReply {
				t.Fatalf("status %d body %v", resp.StatusCode, body)
			}
		})
	}
}

func TestOwnerGate(t *testing.T) {
	if !NewOwnerGate(nil).Allows("anyone") {
		t.Error("empty gate should admit everyone")
	}
	g := NewOwnerGate([]string{" 42 ", ""})
	if !g.Allows("42") || g.Allows("43") {
		t.Error("gate admits the wrong users")
	}
	var nilGate *OwnerGate
	if !nilGate.Allows("x") {
		t.Error("nil gate should admit everyone")
	}
}

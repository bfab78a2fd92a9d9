package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

var testToken = &oauth2.Token{AccessToken: "ya29.test", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}

func oneSecond() *codec.Audio {
	a, _ := codec.AudioFromWAV(codec.EncodeWAV(make([]byte, 32000), 16000, 1, 16))
	return a
}

func apiError(code int, reason, status string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":"test failure","status":%q,"errors":[{"reason":%q,"message":"test failure"}]}}`,
		code, status, reason)
}

func newVendor(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestTranscribe(t *testing.T) {
	var got struct {
		Config struct {
			Encoding        string `json:"encoding"`
			SampleRateHertz int    `json:"sampleRateHertz"`
			LanguageCode    string `json:"languageCode"`
		} `json:"config"`
		Audio struct {
			Content string `json:"content"`
		} `json:"audio"`
	}

	url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "speech:recognize") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer ya29.test" {
			t.Errorf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[
			{"alternatives":[{"transcript":"привет","confidence":0.93},{"transcript":"привед"}]},
			{"alternatives":[{"transcript":" как дела "}]}
		]}`)
	})

	stt := NewGoogleSTT(Config{Endpoint: url, LanguageCode: "ru-RU"}, nil)
	text, err := stt.Transcribe(context.Background(), oneSecond(), testToken)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "привет как дела" {
		t.Errorf("text = %q", text)
	}

	if got.Config.Encoding != "LINEAR16" || got.Config.SampleRateHertz != 16000 || got.Config.LanguageCode != "ru-RU" {
		t.Errorf("config = %+v", got.Config)
	}
	pcm, _ := base64.StdEncoding.DecodeString(got.Audio.Content)
	if len(pcm) != 32000 {
		t.Errorf("sent %d bytes of pcm, want 32000 without header", len(pcm))
	}
}

func TestTranscribeNoSpeech(t *testing.T) {
	url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	})

	_, err := NewGoogleSTT(Config{Endpoint: url}, nil).Transcribe(context.Background(), oneSecond(), testToken)
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
	if KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %s, want invalid_input", KindOf(err))
	}
}

func TestVendorErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
		want   Kind
	}{
		{"expired token", 401, "authError", KindAuthRejected},
		{"permission denied", 403, "forbidden", KindAuthRejected},
		{"quota exhausted", 403, "quotaExceeded", KindQuotaExceeded},
		{"billing disabled", 403, "billingNotEnabled", KindQuotaExceeded},
		{"rate limited", 429, "rateLimitExceeded", KindTransient},
		{"daily limit", 429, "dailyLimitExceeded", KindQuotaExceeded},
		{"bad audio", 400, "badRequest", KindInvalidInput},
		{"backend error", 503, "backendError", KindTransient},
		{"internal", 500, "", KindTransient},
		{"not found", 404, "notFound", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, apiError(tt.status, tt.reason, "FAILED"))
			})

			_, err := NewGoogleSTT(Config{Endpoint: url}, nil).Transcribe(context.Background(), oneSecond(), testToken)
			if got := KindOf(err); got != tt.want {
				t.Fatalf("stt kind = %s, want %s (err %v)", got, tt.want, err)
			}
			_, err = NewGoogleTTS(Config{Endpoint: url}, nil).Synthesize(context.Background(), "привет", testToken)
			if got := KindOf(err); got != tt.want {
				t.Fatalf("tts kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func errorInfoBody(code int, status, detailType, reason string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":"test failure","status":%q,"details":[{"@type":"type.googleapis.com/%s","reason":%q,"domain":"googleapis.com"}]}}`,
		code, status, detailType, reason)
}

func TestVendorErrorDetailsClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want Kind
	}{
		{"billing disabled", 403, errorInfoBody(403, "PERMISSION_DENIED", "google.rpc.ErrorInfo", "BILLING_DISABLED"), KindQuotaExceeded},
		{"service disabled", 403, errorInfoBody(403, "PERMISSION_DENIED", "google.rpc.ErrorInfo", "SERVICE_DISABLED"), KindQuotaExceeded},
		{"quota metric exhausted", 429, errorInfoBody(429, "RESOURCE_EXHAUSTED", "google.rpc.ErrorInfo", "RATE_LIMIT_EXCEEDED"), KindQuotaExceeded},
		{"quota failure detail", 429, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[{"subject":"project:1","description":"daily"}]}]}}`, KindQuotaExceeded},
		{"scope insufficient", 403, errorInfoBody(403, "PERMISSION_DENIED", "google.rpc.ErrorInfo", "ACCESS_TOKEN_SCOPE_INSUFFICIENT"), KindAuthRejected},
		{"expired token", 401, errorInfoBody(401, "UNAUTHENTICATED", "google.rpc.ErrorInfo", "ACCESS_TOKEN_EXPIRED"), KindAuthRejected},
		{"bare resource exhausted", 429, `{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			})

			_, err := NewGoogleSTT(Config{Endpoint: url}, nil).Transcribe(context.Background(), oneSecond(), testToken)
			if got := KindOf(err); got != tt.want {
				t.Fatalf("stt kind = %s, want %s (err %v)", got, tt.want, err)
			}
			_, err = NewGoogleTTS(Config{Endpoint: url}, nil).Synthesize(context.Background(), "привет", testToken)
			if got := KindOf(err); got != tt.want {
				t.Fatalf("tts kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewGoogleSTT(Config{Endpoint: url}, nil).Transcribe(context.Background(), oneSecond(), testToken)
	if KindOf(err) != KindTransient {
		t.Fatalf("kind = %s, want transient (err %v)", KindOf(err), err)
	}
}

func TestContextErrorsPassThrough(t *testing.T) {
	release := make(chan struct{})
	url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewGoogleSTT(Config{Endpoint: url}, nil).Transcribe(ctx, oneSecond(), testToken)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	var ve *VendorError
	if errors.As(err, &ve) {
		t.Fatal("context error was wrapped as a vendor error")
	}
}

func TestSynthesize(t *testing.T) {
	wav := codec.EncodeWAV(make([]byte, 16000), 16000, 1, 16)

	tests := []struct {
		name    string
		content []byte
	}{
		{"wav response", wav},
		{"bare pcm response", make([]byte, 16000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req struct {
				Input struct {
					Text string `json:"text"`
				} `json:"input"`
				Voice struct {
					Name string `json:"name"`
				} `json:"voice"`
				AudioConfig struct {
					AudioEncoding   string `json:"audioEncoding"`
					SampleRateHertz int    `json:"sampleRateHertz"`
				} `json:"audioConfig"`
			}
			url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "text:synthesize") {
					t.Errorf("path = %s", r.URL.Path)
				}
				json.NewDecoder(r.Body).Decode(&req)
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"audioContent":%q}`, base64.StdEncoding.EncodeToString(tt.content))
			})

			tts := NewGoogleTTS(Config{Endpoint: url, Voice: "ru-RU-Wavenet-A"}, nil)
			audio, err := tts.Synthesize(context.Background(), "  привет  ", testToken)
			if err != nil {
				t.Fatalf("synthesize: %v", err)
			}
			if !audio.Canonical() || audio.Duration != 500*time.Millisecond {
				t.Errorf("audio = %+v", audio)
			}
			if req.Input.Text != "привет" || req.Voice.Name != "ru-RU-Wavenet-A" {
				t.Errorf("request = %+v", req)
			}
			if req.AudioConfig.AudioEncoding != "LINEAR16" || req.AudioConfig.SampleRateHertz != 16000 {
				t.Errorf("audio config = %+v", req.AudioConfig)
			}
		})
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	_, err := NewGoogleTTS(Config{}, nil).Synthesize(context.Background(), "   ", testToken)
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("kind = %s, want invalid_input", KindOf(err))
	}
}

func TestCallTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	tts := NewGoogleTTS(Config{Endpoint: url, CallTimeout: 50 * time.Millisecond}, nil)
	_, err := tts.Synthesize(context.Background(), "привет", testToken)
	if KindOf(err) != KindTransient {
		t.Fatalf("kind = %s, want transient (err %v)", KindOf(err), err)
	}
}

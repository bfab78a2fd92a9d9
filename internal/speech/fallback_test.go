package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

type synthFunc func(ctx context.Context, text string, tok *oauth2.Token) (*codec.Audio, error)

func (f synthFunc) Synthesize(ctx context.Context, text string, tok *oauth2.Token) (*codec.Audio, error) {
	return f(ctx, text, tok)
}

func failing(kind Kind, calls *int) synthFunc {
	return func(context.Context, string, *oauth2.Token) (*codec.Audio, error) {
		*calls++
		return nil, &VendorError{Op: "synthesize", Kind: kind, Err: fmt.Errorf("%s", kind)}
	}
}

func succeeding(calls *int) synthFunc {
	return func(context.Context, string, *oauth2.Token) (*codec.Audio, error) {
		*calls++
		return oneSecond(), nil
	}
}

func TestFallback(t *testing.T) {
	t.Run("primary succeeds", func(t *testing.T) {
		var p, s int
		audio, err := NewFallback(succeeding(&p), succeeding(&s), nil).Synthesize(context.Background(), "привет", testToken)
		if err != nil || audio == nil {
			t.Fatalf("err = %v", err)
		}
		if p != 1 || s != 0 {
			t.Errorf("calls primary=%d secondary=%d", p, s)
		}
	})

	t.Run("secondary covers primary failure", func(t *testing.T) {
		var p, s int
		audio, err := NewFallback(failing(KindQuotaExceeded, &p), succeeding(&s), nil).Synthesize(context.Background(), "привет", testToken)
		if err != nil || audio == nil {
			t.Fatalf("err = %v", err)
		}
		if p != 1 || s != 1 {
			t.Errorf("calls primary=%d secondary=%d", p, s)
		}
	})

	t.Run("token rejection skips secondary", func(t *testing.T) {
		var p, s int
		_, err := NewFallback(failing(KindAuthRejected, &p), succeeding(&s), nil).Synthesize(context.Background(), "привет", testToken)
		if KindOf(err) != KindAuthRejected {
			t.Fatalf("kind = %s", KindOf(err))
		}
		if s != 0 {
			t.Error("secondary called for a token rejection")
		}
	})

	t.Run("both fail keeps primary kind", func(t *testing.T) {
		var p, s int
		_, err := NewFallback(failing(KindTransient, &p), failing(KindUnknown, &s), nil).Synthesize(context.Background(), "привет", testToken)
		if KindOf(err) != KindTransient || !IsRetryable(err) {
			t.Fatalf("kind = %s", KindOf(err))
		}
		if s != 1 {
			t.Errorf("secondary calls = %d", s)
		}
	})
}

func TestOpenAITTS(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		Input          string `json:"input"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}
	url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(make([]byte, 2*openAIPCMRate))
	})

	tts := NewOpenAITTS("sk-test", url+"/v1", "", "nova", time.Second, nil)
	audio, err := tts.Synthesize(context.Background(), " привет ", testToken)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio.Duration != time.Second || audio.SampleRate != openAIPCMRate {
		t.Errorf("audio = %v at %d Hz", audio.Duration, audio.SampleRate)
	}
	if got.Model != "tts-1" || got.Voice != "nova" || got.Input != "привет" || got.ResponseFormat != "pcm" {
		t.Errorf("request = %+v", got)
	}
}

func TestOpenAITTSErrors(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnknown},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadRequest, KindInvalidInput},
		{http.StatusBadGateway, KindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			url := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"test failure","type":"test"}}`)
			})

			_, err := NewOpenAITTS("sk-test", url+"/v1", "", "", time.Second, nil).Synthesize(context.Background(), "привет", testToken)
			if got := KindOf(err); got != tt.want {
				t.Fatalf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
			var ve *VendorError
			if !errors.As(err, &ve) || ve.Status != tt.status {
				t.Errorf("err = %v", err)
			}
		})
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/voice-bot/internal/pipeline"
)

// startStreamServer serves the websocket route on a loopback port
func startStreamServer(t *testing.T, sub Submitter, gate *OwnerGate) string {
	t.Helper()
	h := NewStreamHandler(context.Background(), sub, gate, 1, nil)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", h.Upgrade)
	app.Get("/ws/voice", websocket.New(h.Handle))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "ws://" + ln.Addr().String() + "/ws/voice"
}

func dial(t *testing.T, url string) *fws.Conn {
	t.Helper()
	conn, _, err := fws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStreamRoundTrips(t *testing.T) {
	sub := &fakeSubmitter{}
	conn := dial(t, startStreamServer(t, sub, nil))

	conn.WriteMessage(fws.TextMessage, []byte("42"))
	for i := 0; i < 2; i++ {
		conn.WriteMessage(fws.BinaryMessage, []byte("chunk-one"))
		conn.WriteMessage(fws.BinaryMessage, []byte("chunk-two"))
		conn.WriteMessage(fws.TextMessage, []byte("END"))

		mt, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read reply %d: %v", i, err)
		}
		if mt != fws.BinaryMessage || string(msg) != "OggS" {
			t.Fatalf("reply %d = %d %q", i, mt, msg)
		}
		job := sub.last.Load()
		if string(job.Input) != "chunk-onechunk-two" || job.UserID != "42" || job.FormatHint != "webm" {
			t.Errorf("job %d = %+v", i, job)
		}
	}
	if sub.calls.Load() != 2 {
		t.Errorf("submitted %d jobs", sub.calls.Load())
	}
}

func TestStreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		sub      *fakeSubmitter
		frames   []string
		wantCode string
	}{
		{"no user", &fakeSubmitter{}, []string{"bin:x", "END"}, "ERR_NO_USER"},
		{"not owner", &fakeSubmitter{}, []string{"7", "bin:x", "END"}, "forbidden"},
		{"no audio", &fakeSubmitter{}, []string{"42", "END"}, "ERR_NO_AUDIO"},
		{"pipeline failure", &fakeSubmitter{SubmitFunc: failWith(pipeline.KindTimeout, false)}, []string{"42", "bin:x", "END"}, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, startStreamServer(t, tt.sub, NewOwnerGate([]string{"42"})))
			for _, f := range tt.frames {
				if data, ok := strings.CutPrefix(f, "bin:"); ok {
					conn.WriteMessage(fws.BinaryMessage, []byte(data))
				} else {
					conn.WriteMessage(fws.TextMessage, []byte(f))
				}
			}

			mt, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var body map[string]string
			json.Unmarshal(msg, &body)
			if mt != fws.TextMessage || body["code"] != tt.wantCode || body["error"] == "" {
				t.Errorf("reply = %d %s", mt, msg)
			}
		})
	}
}

func TestStreamTooLarge(t *testing.T) {
	sub := &fakeSubmitter{}
	conn := dial(t, startStreamServer(t, sub, nil))

	conn.WriteMessage(fws.TextMessage, []byte("42"))
	conn.WriteMessage(fws.BinaryMessage, make([]byte, 1024*1024+1))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "ERR_FILE_TOO_LARGE") {
		t.Errorf("reply = %s", msg)
	}
	if sub.calls.Load() != 0 {
		t.Error("oversized stream reached the pipeline")
	}
}

func TestStreamTextFallback(t *testing.T) {
	sub := &fakeSubmitter{SubmitFunc: failedAfterReply(pipeline.KindSynthesisFailed)}
	conn := dial(t, startStreamServer(t, sub, nil))

	conn.WriteMessage(fws.TextMessage, []byte("42"))
	conn.WriteMessage(fws.BinaryMessage, []byte("chunk"))
	conn.WriteMessage(fws.TextMessage, []byte("END"))

	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var body map[string]string
	json.Unmarshal(msg, &body)
	if mt != fws.TextMessage || body["code"] != string(pipeline.KindSynthesisFailed) || body["reply"] != "здравствуй" {
		t.Errorf("reply = %d %s", mt, msg)
	}
}

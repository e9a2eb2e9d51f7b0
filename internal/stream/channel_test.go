package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/face-kiosk/internal/normalize"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type backend struct {
	mu       sync.Mutex
	frames   []FramePayload
	conns    atomic.Int32
	reply    func(FramePayload) RecognizedPayload
	dropOnce atomic.Bool
}

func (b *backend) received() []FramePayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]FramePayload(nil), b.frames...)
}

func (b *backend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		b.conns.Add(1)

		if b.dropOnce.CompareAndSwap(true, false) {
			return
		}

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Event != EventFrame {
				continue
			}
			var frame FramePayload
			if err := json.Unmarshal(env.Data, &frame); err != nil {
				t.Errorf("bad frame payload: %v", err)
				continue
			}
			b.mu.Lock()
			b.frames = append(b.frames, frame)
			b.mu.Unlock()

			if b.reply == nil {
				continue
			}
			out, _ := EncodeRecognized(b.reply(frame))
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	ch, err := NewChannel(Config{
		URL:     url,
		Backoff: shared.BackoffConfig{Initial: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	t.Cleanup(ch.Disconnect)
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testFrame() OutgoingFrame {
	return OutgoingFrame{
		Image: normalize.FaceCrop{Data: []byte{0xff, 0xd8, 0xff}, Width: 200, Height: 200},
		Meta:  Meta{Location: "Main Gate"},
	}
}

func TestNewChannel_InvalidURL(t *testing.T) {
	for _, u := range []string{"http://example.com", "://bad", ""} {
		if _, err := NewChannel(Config{URL: u}); !shared.IsValidation(err) {
			t.Errorf("%q: expected validation error, got %v", u, err)
		}
	}
}

func TestChannel_SendBeforeConnect(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/stream")
	err := ch.Send(testFrame())
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, shared.ErrTransport) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannel_SendAndReceive(t *testing.T) {
	conf := 0.93
	b := &backend{reply: func(FramePayload) RecognizedPayload {
		return RecognizedPayload{MatchedUserID: "user_1", Confidence: &conf}
	}}
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	events := make(chan RecognitionEvent, 4)
	ch.OnRecognized(func(ev RecognitionEvent) { events <- ev })

	ch.Connect()
	waitFor(t, "connection", ch.Connected)

	if err := ch.Send(testFrame()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != KindMatched || ev.Identity != "user_1" || ev.Confidence != 0.93 {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.ReceivedAt.IsZero() {
			t.Error("event should carry a receive time")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition event delivered")
	}

	frames := b.received()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame at backend, got %d", len(frames))
	}
	if frames[0].Meta.Location != "Main Gate" {
		t.Errorf("expected location Main Gate, got %q", frames[0].Meta.Location)
	}
	if !strings.HasPrefix(frames[0].Image, "data:image/jpeg;base64,") {
		t.Errorf("image should be a jpeg data url, got %q", frames[0].Image)
	}
}

func TestChannel_EventsInArrivalOrder(t *testing.T) {
	var n atomic.Int32
	b := &backend{reply: func(FramePayload) RecognizedPayload {
		if n.Add(1)%2 == 0 {
			return RecognizedPayload{Error: "lookup failed"}
		}
		return RecognizedPayload{}
	}}
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	var mu sync.Mutex
	var kinds []EventKind
	ch.OnRecognized(func(ev RecognitionEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	ch.Connect()
	waitFor(t, "connection", ch.Connected)

	for i := 0; i < 4; i++ {
		if err := ch.Send(testFrame()); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		waitFor(t, "reply", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(kinds) == i+1
		})
	}

	want := []EventKind{KindNoMatch, KindFailed, KindNoMatch, KindFailed}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], kinds[i])
		}
	}
}

func TestChannel_Reconnects(t *testing.T) {
	b := &backend{}
	b.dropOnce.Store(true)
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	ch.Connect()

	waitFor(t, "second connection", func() bool { return b.conns.Load() >= 2 })
	waitFor(t, "connected state", ch.Connected)

	if err := ch.Send(testFrame()); err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	waitFor(t, "frame after reconnect", func() bool { return len(b.received()) == 1 })
}

func TestChannel_WaitsForBackend(t *testing.T) {
	b := &backend{}
	server := httptest.NewUnstartedServer(b.handler(t))
	defer server.Close()

	addr := server.Listener.Addr().String()
	ch := newTestChannel(t, "ws://"+addr)
	ch.Connect()

	time.Sleep(40 * time.Millisecond)
	if ch.Connected() {
		t.Fatal("should not be connected before the backend starts")
	}

	server.Start()
	waitFor(t, "connection", ch.Connected)
}

func TestChannel_DisconnectStopsHandlers(t *testing.T) {
	b := &backend{reply: func(FramePayload) RecognizedPayload { return RecognizedPayload{} }}
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	var calls atomic.Int32
	ch.OnRecognized(func(RecognitionEvent) { calls.Add(1) })
	ch.Connect()
	waitFor(t, "connection", ch.Connected)

	ch.Disconnect()
	ch.Disconnect()

	if ch.Connected() {
		t.Error("channel should report disconnected")
	}
	if err := ch.Send(testFrame()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}

	before := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != before {
		t.Error("no handler should run after Disconnect returns")
	}
}

func TestChannel_ConnectTwiceIsNoop(t *testing.T) {
	b := &backend{}
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	ch.Connect()
	ch.Connect()
	waitFor(t, "connection", ch.Connected)
	time.Sleep(30 * time.Millisecond)

	if got := b.conns.Load(); got != 1 {
		t.Errorf("expected a single connection, got %d", got)
	}
}

func TestChannel_ReconnectAfterDisconnect(t *testing.T) {
	b := &backend{}
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	ch.Connect()
	waitFor(t, "first connection", ch.Connected)
	ch.Disconnect()

	ch.Connect()
	waitFor(t, "second connection", ch.Connected)
	if err := ch.Send(testFrame()); err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestChannel_ConnectDuringDisconnect(t *testing.T) {
	b := &backend{reply: func(FramePayload) RecognizedPayload { return RecognizedPayload{} }}
	server := httptest.NewServer(b.handler(t))
	defer server.Close()

	ch := newTestChannel(t, wsURL(server))
	var calls atomic.Int32
	ch.OnRecognized(func(RecognitionEvent) { calls.Add(1) })
	ch.Connect()
	waitFor(t, "first connection", ch.Connected)

	disconnected := make(chan struct{})
	go func() {
		ch.Disconnect()
		close(disconnected)
	}()
	waitFor(t, "disconnect to begin", func() bool {
		ch.mu.RLock()
		defer ch.mu.RUnlock()
		return ch.cancel == nil
	})
	ch.Connect()
	<-disconnected

	waitFor(t, "second connection", func() bool { return b.conns.Load() == 2 && ch.Connected() })
	time.Sleep(30 * time.Millisecond)
	if !ch.Connected() {
		t.Fatal("the old run must not mark the new connection as down")
	}
	if err := ch.Send(testFrame()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, "reply on the new connection", func() bool { return calls.Load() == 1 })
}

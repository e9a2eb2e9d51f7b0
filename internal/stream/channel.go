package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultSendBuffer  = 4
	defaultEventBuffer = 16
)

var (
	ErrNotConnected = fmt.Errorf("%w: stream not connected", shared.ErrTransport)
	ErrSendBuffer   = fmt.Errorf("%w: send buffer full", shared.ErrTransport)
)

type Config struct {
	URL        string
	Header     http.Header
	Backoff    shared.BackoffConfig
	SendBuffer int
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Channel is a persistent bidirectional connection to the recognition
// backend. Frames are sent fire-and-forget; recognition replies are delivered
// to the registered handlers in arrival order.
type Channel struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	backoff shared.BackoffConfig
	logger  *slog.Logger
	bufSize int
	now     func() time.Time

	mu        sync.RWMutex
	send      chan []byte
	handlers  []func(RecognitionEvent)
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewChannel(cfg Config) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &shared.ValidationError{Field: "stream_url", Reason: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &shared.ValidationError{Field: "stream_url", Reason: "scheme must be ws or wss"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	size := cfg.SendBuffer
	if size <= 0 {
		size = defaultSendBuffer
	}

	return &Channel{
		url:     cfg.URL,
		header:  cfg.Header,
		dialer:  dialer,
		backoff: shared.NormalizeBackoff(cfg.Backoff),
		logger:  logger.With("component", "stream", "url", cfg.URL),
		bufSize: size,
		now:     time.Now,
	}, nil
}

// OnRecognized registers a handler for recognition events. Handlers run on a
// single dispatch goroutine and must not block for long.
func (c *Channel) OnRecognized(fn func(RecognitionEvent)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Connect starts the connection loop. It returns immediately; the first dial
// and every reconnect happen in the background. Calling Connect on a running
// channel is a no-op.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.send = make(chan []byte, c.bufSize)
	events := make(chan RecognitionEvent, defaultEventBuffer)

	dispatchDone := make(chan struct{})
	go c.dispatch(events, dispatchDone)
	go func(done chan struct{}, send chan []byte, events chan RecognitionEvent) {
		c.run(ctx, send, events)
		close(events)
		<-dispatchDone
		close(done)
	}(c.done, c.send, events)
}

// Disconnect closes the connection and stops reconnecting. No handler is
// invoked after it returns.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send queues a frame for the current connection. It never blocks: when the
// channel is down or the buffer is full the frame is dropped and an error is
// returned.
func (c *Channel) Send(frame OutgoingFrame) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return ErrSendBuffer
	}
}

// setConnected updates the state for the run owning send. A run that has
// been replaced by a newer Connect only drains its own buffer.
func (c *Channel) setConnected(send chan []byte, v bool) {
	c.mu.Lock()
	if c.send == send {
		c.connected = v
	}
	if !v {
		for len(send) > 0 {
			<-send
		}
	}
	c.mu.Unlock()
}

func (c *Channel) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff.Initial
	b.MaxInterval = c.backoff.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	if c.backoff.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(c.backoff.MaxAttempts))
	}
	return b
}

func (c *Channel) run(ctx context.Context, send chan []byte, events chan<- RecognitionEvent) {
	bo := c.newBackOff()

	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err == nil {
			bo.Reset()
			c.logger.Info("stream connected")
			c.serve(ctx, ws, send, events)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream connection lost")
		} else {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream dial failed", "error", err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("stream reconnect attempts exhausted")
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) serve(ctx context.Context, ws *websocket.Conn, send chan []byte, events chan<- RecognitionEvent) {
	c.setConnected(send, true)
	defer c.setConnected(send, false)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump(ws, events)
	}()

	c.writePump(ctx, ws, send, readDone)
	_ = ws.Close()
	<-readDone
}

func (c *Channel) readPump(ws *websocket.Conn, events chan<- RecognitionEvent) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("failed to unmarshal message", "error", err)
			continue
		}
		if env.Event != EventRecognized {
			c.logger.Debug("ignoring event", "event", env.Event)
			continue
		}

		var payload RecognizedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("malformed recognition reply", "error", err)
			continue
		}

		ev := payload.ToEvent()
		ev.ReceivedAt = c.now()

		select {
		case events <- ev:
		default:
			c.logger.Warn("event buffer full, dropping recognition event")
		}
	}
}

func (c *Channel) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-readDone:
			return

		case data := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Error("websocket write error", "error", err)
				}
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) dispatch(events <-chan RecognitionEvent, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		c.mu.RLock()
		handlers := append([]func(RecognitionEvent){}, c.handlers...)
		c.mu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}

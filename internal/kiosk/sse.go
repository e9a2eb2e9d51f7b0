package kiosk

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/eleven-am/face-kiosk/internal/status"
)

const sseKeepAliveInterval = 30 * time.Second

type statusConn struct {
	writer    http.ResponseWriter
	flusher   http.Flusher
	keepAlive time.Duration
}

func newStatusConn(w http.ResponseWriter) (*statusConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, http.ErrNotSupported
	}
	return &statusConn{writer: w, flusher: flusher, keepAlive: sseKeepAliveInterval}, nil
}

// Run writes every update as a "status" event until the subscription closes
// or ctx is done.
func (c *statusConn) Run(ctx context.Context, updates <-chan status.Update) error {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := c.writeUpdate(u); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.writeKeepAlive(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *statusConn) writeUpdate(u status.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}

	if _, err := c.writer.Write([]byte("event: status\ndata: ")); err != nil {
		return err
	}
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if _, err := c.writer.Write([]byte("\n\n")); err != nil {
		return err
	}

	c.flusher.Flush()
	return nil
}

func (c *statusConn) writeKeepAlive() error {
	if _, err := c.writer.Write([]byte(":keepalive\n\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/google/uuid"
)

// MediaSession is the active acquisition between a successful Start and
// the next Stop.
type MediaSession struct {
	ID          string
	Constraints Constraints

	stream Stream
	sink   Sink
	logger *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	first     chan struct{}
	firstOnce sync.Once

	mu    sync.RWMutex
	frame image.Image
	err   error
}

func (s *MediaSession) play(ctx context.Context) {
	defer close(s.done)

	for {
		frame, err := s.stream.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("camera read failed", "error", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.frame = frame
		s.mu.Unlock()

		s.sink.Present(s.ID, frame)
		s.firstOnce.Do(func() { close(s.first) })
	}
}

func (s *MediaSession) current() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCameraError, s.err)
	}
	if s.frame == nil {
		return nil, fmt.Errorf("%w: no frame yet", shared.ErrCameraError)
	}
	return s.frame, nil
}

func (s *MediaSession) healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err == nil
}

func (s *MediaSession) close() error {
	s.cancel()
	err := s.stream.Close()
	<-s.done
	s.sink.Detach(s.ID)
	return err
}

type Manager struct {
	device Device
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	session *MediaSession
	pending *pendingStart
}

// pendingStart reserves the manager while a Start waits for its first
// frame, without holding the lock.
type pendingStart struct {
	cancel  context.CancelFunc
	stopped bool
}

func NewManager(device Device, sink Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		device: device,
		sink:   sink,
		logger: logger.With("component", "camera"),
	}
}

// Start acquires the device, binds it to the sink and returns once the
// first frame has been played. A Stop issued meanwhile aborts it with
// shared.ErrCameraStopped.
func (m *Manager) Start(ctx context.Context, c Constraints) error {
	m.mu.Lock()
	if m.session != nil || m.pending != nil {
		m.mu.Unlock()
		return shared.ErrSessionActive
	}
	startCtx, cancel := context.WithCancel(ctx)
	p := &pendingStart{cancel: cancel}
	m.pending = p
	m.mu.Unlock()
	defer cancel()

	s, err := m.open(startCtx, c)

	m.mu.Lock()
	m.pending = nil
	stopped := p.stopped
	if err == nil && !stopped {
		m.session = s
	}
	m.mu.Unlock()

	switch {
	case stopped:
		if s != nil {
			_ = s.close()
		}
		return fmt.Errorf("start camera: %w", shared.ErrCameraStopped)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("start camera: %w", err)
	}

	m.logger.Info("camera started", "session_id", s.ID, "width", c.Width, "height", c.Height)
	return nil
}

func (m *Manager) open(ctx context.Context, c Constraints) (*MediaSession, error) {
	stream, err := m.device.Open(ctx, c)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	playCtx, cancel := context.WithCancel(context.Background())
	s := &MediaSession{
		ID:          id,
		Constraints: c,
		stream:      stream,
		sink:        m.sink,
		logger:      m.logger.With("session_id", id),
		cancel:      cancel,
		done:        make(chan struct{}),
		first:       make(chan struct{}),
	}

	m.sink.Attach(s.ID, c)
	go s.play(playCtx)

	select {
	case <-s.first:
		return s, nil
	case <-s.done:
		_, readErr := s.current()
		_ = s.close()
		if readErr == nil {
			readErr = fmt.Errorf("%w: stream ended before first frame", shared.ErrCameraError)
		}
		return nil, readErr
	case <-ctx.Done():
		_ = s.close()
		return nil, ctx.Err()
	}
}

// Stop releases the current session and aborts a Start still waiting for
// its first frame. Without either it does nothing.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.pending != nil {
		m.pending.stopped = true
		m.pending.cancel()
	}
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	err := s.close()
	m.logger.Info("camera stopped", "session_id", s.ID)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop camera: %w", err)
	}
	return nil
}

// Frame returns the frame currently being played.
func (m *Manager) Frame() (image.Image, error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s == nil {
		return nil, shared.ErrCameraNotRunning
	}
	return s.current()
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	return s != nil && s.healthy()
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

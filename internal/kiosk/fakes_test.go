package kiosk

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/register"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/eleven-am/face-kiosk/internal/status"
	"github.com/eleven-am/face-kiosk/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCamera struct {
	mu          sync.Mutex
	running     bool
	startErr    error
	frameErr    error
	constraints camera.Constraints
	starts      int
	stops       int
	hang        bool
	pending     chan struct{}
}

func (c *fakeCamera) Start(_ context.Context, cons camera.Constraints) error {
	c.mu.Lock()
	c.starts++
	if c.hang {
		abort := make(chan struct{})
		c.pending = abort
		c.mu.Unlock()
		<-abort
		return shared.ErrCameraStopped
	}
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	c.constraints = cons
	return nil
}

func (c *fakeCamera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	if c.pending != nil {
		close(c.pending)
		c.pending = nil
	}
	return nil
}

func (c *fakeCamera) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeCamera) Frame() (image.Image, error) {
	c.mu.Lock()
	err := c.frameErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img, nil
}

func (c *fakeCamera) setFrameErr(err error) {
	c.mu.Lock()
	c.frameErr = err
	c.mu.Unlock()
}

type fakeDetector struct {
	mu      sync.Mutex
	ready   bool
	loadErr error
	loads   int
	faces   bool
}

func (d *fakeDetector) LoadModels(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	if d.loadErr != nil {
		return d.loadErr
	}
	d.ready = true
	return nil
}

func (d *fakeDetector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *fakeDetector) face() detect.Result {
	return detect.Result{Box: detect.BoundingBox{X: 100, Y: 100, Width: 150, Height: 150}, Score: 1}
}

func (d *fakeDetector) DetectAll(context.Context, image.Image) ([]detect.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.faces {
		return nil, nil
	}
	return []detect.Result{d.face()}, nil
}

func (d *fakeDetector) DetectSingle(context.Context, image.Image) (*detect.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.faces {
		return nil, nil
	}
	r := d.face()
	return &r, nil
}

type fakeStream struct {
	mu        sync.Mutex
	handlers  []func(stream.RecognitionEvent)
	frames    []stream.OutgoingFrame
	connected bool
}

func (s *fakeStream) Send(f stream.OutgoingFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeStream) OnRecognized(fn func(stream.RecognitionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *fakeStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) emit(ev stream.RecognitionEvent) {
	s.mu.Lock()
	handlers := append([]func(stream.RecognitionEvent){}, s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *fakeStream) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeRegistrar struct {
	mu    sync.Mutex
	err   error
	calls []register.Request
}

func (r *fakeRegistrar) Register(_ context.Context, req register.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return r.err
}

type kioskFixture struct {
	camera    *fakeCamera
	detector  *fakeDetector
	stream    *fakeStream
	registrar *fakeRegistrar
	board     *status.Board
	clock     *clock.Mock
	live      *LiveView
	reg       *RegisterView
}

func newKioskFixture(t *testing.T) *kioskFixture {
	t.Helper()
	f := &kioskFixture{
		camera:    &fakeCamera{},
		detector:  &fakeDetector{ready: true, faces: true},
		stream:    &fakeStream{connected: true},
		registrar: &fakeRegistrar{},
		board:     status.NewBoard(),
		clock:     clock.NewMock(),
	}
	f.live = NewLiveView(f.camera, f.detector, f.stream, f.board, LiveConfig{
		Interval: 800 * time.Millisecond,
		Location: "Main Gate",
		Clock:    f.clock,
	}, testLogger())
	f.reg = NewRegisterView(f.camera, f.detector, f.registrar, f.board, testLogger())
	t.Cleanup(func() { _ = f.live.Stop() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

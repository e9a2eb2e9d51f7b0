package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/sampler"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/eleven-am/face-kiosk/internal/status"
	"github.com/eleven-am/face-kiosk/internal/stream"
)

type Camera interface {
	Start(ctx context.Context, c camera.Constraints) error
	Stop() error
	Running() bool
	Frame() (image.Image, error)
}

type Detector interface {
	LoadModels(ctx context.Context) error
	Ready() bool
	DetectAll(ctx context.Context, frame image.Image) ([]detect.Result, error)
	DetectSingle(ctx context.Context, frame image.Image) (*detect.Result, error)
}

type Stream interface {
	Send(frame stream.OutgoingFrame) error
	OnRecognized(fn func(stream.RecognitionEvent))
	Connected() bool
}

type LiveConfig struct {
	Interval time.Duration
	Location string
	Clock    clock.Clock
}

// LiveView is the live recognition page: camera, sampling loop and the
// recognition status line.
type LiveView struct {
	camera Camera
	engine Detector
	stream Stream
	board  *status.Board
	loop   *sampler.Loop
	logger *slog.Logger

	// mu guards active and last; status writes from callbacks happen while
	// holding it so they cannot land after Stop.
	mu     sync.Mutex
	active bool
	last   *stream.RecognitionEvent
}

func NewLiveView(cam Camera, engine Detector, ch Stream, board *status.Board, cfg LiveConfig, logger *slog.Logger) *LiveView {
	v := &LiveView{
		camera: cam,
		engine: engine,
		stream: ch,
		board:  board,
		logger: logger.With("component", "live_view"),
	}
	v.loop = sampler.New(cam, engine, ch, sampler.Config{
		Interval: cfg.Interval,
		Location: cfg.Location,
		Clock:    cfg.Clock,
		Logger:   logger,
		OnError:  v.onLoopError,
	})
	ch.OnRecognized(v.onRecognized)
	return v
}

// Mount loads the detection models and reports readiness on the status line.
func (v *LiveView) Mount(ctx context.Context) error {
	if v.engine.Ready() {
		v.board.Set(shared.ViewLive, status.LevelSuccess, "Models loaded, ready to start camera")
		return nil
	}

	v.board.Set(shared.ViewLive, status.LevelPending, "Loading models...")
	if err := v.engine.LoadModels(ctx); err != nil {
		v.logger.Error("failed to load models", "error", err)
		v.board.Set(shared.ViewLive, status.LevelError, "Failed to load models: "+err.Error())
		return err
	}
	v.board.Set(shared.ViewLive, status.LevelSuccess, "Models loaded, ready to start camera")
	return nil
}

func (v *LiveView) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.engine.Ready() {
		v.board.Set(shared.ViewLive, status.LevelInfo, "Models still loading...")
		return shared.ErrModelsNotReady
	}
	if v.loop.Running() {
		return nil
	}

	if err := v.camera.Start(ctx, camera.LiveConstraints); err != nil {
		v.logger.Warn("camera start failed", "error", err)
		v.board.Set(shared.ViewLive, status.LevelError, cameraErrorText(err))
		return err
	}

	if err := v.loop.Start(); err != nil {
		_ = v.camera.Stop()
		v.board.Set(shared.ViewLive, status.LevelError, cameraErrorText(err))
		return err
	}

	v.active = true
	v.last = nil
	v.board.Set(shared.ViewLive, status.LevelPending, "Camera started, detecting faces...")
	return nil
}

func (v *LiveView) Stop() error {
	// halt sampling before closing the camera, which also aborts a start
	// still holding mu
	v.loop.Stop()
	_ = v.camera.Stop()

	v.mu.Lock()
	defer v.mu.Unlock()

	v.active = false
	v.loop.Stop()
	err := v.camera.Stop()
	v.board.Set(shared.ViewLive, status.LevelInfo, "Camera stopped")
	return err
}

func (v *LiveView) Running() bool {
	return v.loop.Running()
}

func (v *LiveView) Interval() time.Duration {
	return v.loop.Interval()
}

func (v *LiveView) Stats() sampler.Stats {
	return v.loop.Stats()
}

func (v *LiveView) LastEvent() *stream.RecognitionEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return nil
	}
	ev := *v.last
	return &ev
}

func (v *LiveView) onLoopError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return
	}
	if errors.Is(err, shared.ErrCameraError) {
		v.active = false
		_ = v.camera.Stop()
		v.board.Set(shared.ViewLive, status.LevelError, cameraErrorText(err))
		return
	}
	v.board.Set(shared.ViewLive, status.LevelError, "Detection error: "+err.Error())
}

// onRecognized applies a backend reply to the status line. Replies arriving
// while the loop is stopped are dropped so a stale result never shows.
func (v *LiveView) onRecognized(ev stream.RecognitionEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return
	}
	v.last = &ev

	switch ev.Kind {
	case stream.KindMatched:
		v.board.Set(shared.ViewLive, status.LevelSuccess, fmt.Sprintf("Recognized user: %s (conf: %.2f)", ev.Identity, ev.Confidence))
	case stream.KindFailed:
		v.board.Set(shared.ViewLive, status.LevelError, "Backend error: "+ev.Message)
	default:
		v.board.Set(shared.ViewLive, status.LevelInfo, "No match found for this frame")
	}
}

func cameraErrorText(err error) string {
	switch {
	case errors.Is(err, shared.ErrPermissionDenied):
		return "Camera error: permission denied"
	case errors.Is(err, shared.ErrDeviceUnavailable):
		return "Camera error: device unavailable"
	case errors.Is(err, shared.ErrSessionActive):
		return "Camera is in use, stop it first"
	case errors.Is(err, shared.ErrCameraStopped):
		return "Camera stopped"
	case errors.Is(err, shared.ErrCameraNotRunning):
		return "Camera is not running"
	case errors.Is(err, shared.ErrModelsNotReady):
		return "Models still loading..."
	default:
		return "Camera error: " + err.Error()
	}
}

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/normalize"
	"github.com/eleven-am/face-kiosk/internal/register"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/eleven-am/face-kiosk/internal/status"
)

// RegisterView is the enrollment page: camera control, captures and the
// final submission.
type RegisterView struct {
	camera Camera
	engine Detector
	wf     *register.Workflow
	board  *status.Board
	logger *slog.Logger
}

func NewRegisterView(cam Camera, engine Detector, registrar register.Registrar, board *status.Board, logger *slog.Logger) *RegisterView {
	return &RegisterView{
		camera: cam,
		engine: engine,
		wf:     register.NewWorkflow(cam, engine, registrar, logger),
		board:  board,
		logger: logger.With("component", "register_view"),
	}
}

// Begin starts a new empty draft, as when the page is opened.
func (v *RegisterView) Begin() error {
	if err := v.wf.Begin(); err != nil {
		v.board.Set(shared.ViewRegister, status.LevelError, "Registration already in progress")
		return err
	}
	v.board.Set(shared.ViewRegister, status.LevelInfo, "Ready to capture")
	return nil
}

// StartCamera waits for the models and then acquires the camera at the
// registration resolution.
func (v *RegisterView) StartCamera(ctx context.Context) error {
	if !v.engine.Ready() {
		v.board.Set(shared.ViewRegister, status.LevelPending, "Loading models...")
		if err := v.engine.LoadModels(ctx); err != nil {
			v.board.Set(shared.ViewRegister, status.LevelError, "Failed to load models: "+err.Error())
			return err
		}
	}

	if err := v.camera.Start(ctx, camera.RegistrationConstraints); err != nil {
		v.logger.Warn("camera start failed", "error", err)
		v.board.Set(shared.ViewRegister, status.LevelError, cameraErrorText(err))
		return err
	}

	v.board.Set(shared.ViewRegister, status.LevelInfo,
		fmt.Sprintf("Camera started, capture %d to %d images", register.MinCaptures, register.MaxCaptures))
	return nil
}

func (v *RegisterView) StopCamera() error {
	err := v.camera.Stop()
	v.board.Set(shared.ViewRegister, status.LevelInfo, "Camera stopped")
	return err
}

func (v *RegisterView) Capture(ctx context.Context) (int, error) {
	n, err := v.wf.Capture(ctx)
	switch {
	case err == nil:
		v.board.Set(shared.ViewRegister, status.LevelInfo, fmt.Sprintf("Captured %d images", n))
	case errors.Is(err, shared.ErrNoFaceDetected):
		v.board.Set(shared.ViewRegister, status.LevelError, "No face detected, try again")
	case errors.Is(err, shared.ErrSubmissionInProgress):
		v.board.Set(shared.ViewRegister, status.LevelError, "Registration already in progress")
	case errors.Is(err, shared.ErrModelsNotReady), errors.Is(err, shared.ErrCameraError):
		v.board.Set(shared.ViewRegister, status.LevelError, cameraErrorText(err))
	default:
		v.board.Set(shared.ViewRegister, status.LevelError, "Detection error: "+err.Error())
	}
	return n, err
}

func (v *RegisterView) Remove(index int) (int, error) {
	n, err := v.wf.Remove(index)
	if err != nil {
		v.board.Set(shared.ViewRegister, status.LevelError, "Registration already in progress")
		return n, err
	}
	v.board.Set(shared.ViewRegister, status.LevelInfo, fmt.Sprintf("Captured %d images", n))
	return n, nil
}

func (v *RegisterView) Submit(ctx context.Context, fullName, email string) error {
	v.board.Set(shared.ViewRegister, status.LevelPending, "Registering user...")

	err := v.wf.Submit(ctx, fullName, email)

	var valErr *shared.ValidationError
	var backendErr *shared.BackendError
	switch {
	case err == nil:
		v.board.Set(shared.ViewRegister, status.LevelSuccess, "User registered successfully")
	case errors.As(err, &valErr):
		v.board.Set(shared.ViewRegister, status.LevelError,
			fmt.Sprintf("Provide name, email and capture %d to %d images (%s)", register.MinCaptures, register.MaxCaptures, valErr.Reason))
	case errors.As(err, &backendErr):
		v.board.Set(shared.ViewRegister, status.LevelError, backendErr.Message)
	case errors.Is(err, shared.ErrSubmissionInProgress):
		v.board.Set(shared.ViewRegister, status.LevelError, "Registration already in progress")
	default:
		v.board.Set(shared.ViewRegister, status.LevelError, "Registration failed: "+err.Error())
	}
	return err
}

func (v *RegisterView) State() register.State {
	return v.wf.State()
}

func (v *RegisterView) Captures() []normalize.FaceCrop {
	return v.wf.Captures()
}

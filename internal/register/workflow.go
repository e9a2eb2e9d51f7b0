package register

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/normalize"
	"github.com/eleven-am/face-kiosk/internal/shared"
)

type State string

const (
	StateCollecting State = "collecting"
	StateSubmitting State = "submitting"
	StateDone       State = "done"
)

type Camera interface {
	Running() bool
	Frame() (image.Image, error)
	Stop() error
}

type Detector interface {
	Ready() bool
	DetectSingle(ctx context.Context, frame image.Image) (*detect.Result, error)
}

type Registrar interface {
	Register(ctx context.Context, req Request) error
}

// Workflow drives one registration draft from collecting captures to a
// single enrollment submission.
type Workflow struct {
	camera     Camera
	detector   Detector
	registrar  Registrar
	normalizer *normalize.Normalizer
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	draft Draft
}

func NewWorkflow(camera Camera, detector Detector, registrar Registrar, logger *slog.Logger) *Workflow {
	return &Workflow{
		camera:     camera,
		detector:   detector,
		registrar:  registrar,
		normalizer: normalize.New(normalize.RegisterQuality),
		logger:     logger.With("component", "register"),
		state:      StateCollecting,
	}
}

// Begin discards the current draft and starts an empty one.
func (w *Workflow) Begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateSubmitting {
		return shared.ErrSubmissionInProgress
	}
	w.draft = Draft{}
	w.state = StateCollecting
	return nil
}

// Capture detects a single face in the current frame and appends its crop.
// It returns the new capture count.
func (w *Workflow) Capture(ctx context.Context) (int, error) {
	if w.State() == StateSubmitting {
		return w.Count(), shared.ErrSubmissionInProgress
	}
	if !w.camera.Running() {
		return w.Count(), shared.ErrCameraNotRunning
	}
	if !w.detector.Ready() {
		return w.Count(), shared.ErrModelsNotReady
	}

	frame, err := w.camera.Frame()
	if err != nil {
		return w.Count(), err
	}

	res, err := w.detector.DetectSingle(ctx, frame)
	if err != nil {
		return w.Count(), err
	}
	if res == nil {
		return w.Count(), shared.ErrNoFaceDetected
	}

	crop, err := w.normalizer.Normalize(frame, res.Box)
	if err != nil {
		return w.Count(), fmt.Errorf("normalize capture: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateSubmitting {
		return w.draft.Captures.Len(), shared.ErrSubmissionInProgress
	}
	w.state = StateCollecting
	n := w.draft.Captures.Append(crop)
	w.logger.Debug("face captured", "count", n, "box", res.Box)
	return n, nil
}

// Remove deletes the capture at index and returns the new count. An index
// out of range is a no-op.
func (w *Workflow) Remove(index int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateSubmitting {
		return w.draft.Captures.Len(), shared.ErrSubmissionInProgress
	}
	w.draft.Captures.Remove(index)
	return w.draft.Captures.Len(), nil
}

// Submit validates the draft and sends it as one enrollment. On success the
// captures are discarded and the camera stopped; on failure the draft is
// left intact for a retry.
func (w *Workflow) Submit(ctx context.Context, fullName, email string) error {
	fullName = strings.TrimSpace(fullName)
	email = strings.TrimSpace(email)

	w.mu.Lock()
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return shared.ErrSubmissionInProgress
	}
	if err := validate(fullName, email, w.draft.Captures.Len()); err != nil {
		w.mu.Unlock()
		if shared.IsValidation(err) {
			w.logger.Debug("registration draft incomplete", "error", err)
		}
		return err
	}

	w.draft.FullName = fullName
	w.draft.Email = email
	req := Request{
		Name:   fullName,
		Email:  email,
		Images: w.draft.Captures.DataURLs(),
	}
	w.state = StateSubmitting
	w.mu.Unlock()

	w.logger.Info("submitting registration", "email", email, "images", len(req.Images))

	if err := w.registrar.Register(ctx, req); err != nil {
		w.mu.Lock()
		w.state = StateCollecting
		w.mu.Unlock()
		if shared.IsBackend(err) {
			w.logger.Warn("registration rejected by backend", "error", err)
		} else {
			w.logger.Error("registration request failed", "error", err)
		}
		return err
	}

	w.mu.Lock()
	w.draft = Draft{}
	w.state = StateDone
	w.mu.Unlock()

	if err := w.camera.Stop(); err != nil {
		w.logger.Warn("failed to stop camera after registration", "error", err)
	}
	w.logger.Info("registration complete", "email", email)
	return nil
}

func validate(fullName, email string, count int) error {
	switch {
	case fullName == "":
		return &shared.ValidationError{Field: "name", Reason: "full name is required"}
	case email == "":
		return &shared.ValidationError{Field: "email", Reason: "email is required"}
	case count < MinCaptures || count > MaxCaptures:
		return &shared.ValidationError{
			Field:  "captures",
			Reason: fmt.Sprintf("capture between %d and %d images, have %d", MinCaptures, MaxCaptures, count),
		}
	}
	return nil
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft.Captures.Len()
}

func (w *Workflow) Captures() []normalize.FaceCrop {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft.Captures.Crops()
}

package shared

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrPermissionDenied     = errors.New("camera permission denied")
	ErrDeviceUnavailable    = errors.New("camera device unavailable")
	ErrModelsNotReady       = errors.New("detection models not ready")
	ErrNoFaceDetected       = errors.New("no face detected")
	ErrCameraError          = errors.New("camera error")
	ErrTransport            = errors.New("transport error")
	ErrSessionActive        = errors.New("camera already in use, stop it first")
	ErrSubmissionInProgress = errors.New("submission in progress")

	ErrCameraNotRunning = fmt.Errorf("%w: camera not running", ErrCameraError)
	ErrCameraStopped    = fmt.Errorf("%w: camera stopped during start", ErrCameraError)
)

// ValidationError is a local input failure; nothing was sent to the backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// BackendError carries the backend's message verbatim.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsBackend(err error) bool {
	var b *BackendError
	return errors.As(err, &b)
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func Forbidden(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusForbidden)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func Conflict(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusConflict)
}

func Unprocessable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusUnprocessableEntity)
}

func Unavailable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusServiceUnavailable)
}

func BadGateway(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadGateway)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}

// ToHTTP maps the capture pipeline error taxonomy onto HTTP errors.
func ToHTTP(err error) *echo.HTTPError {
	var v *ValidationError
	var b *BackendError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &v):
		return NewAPIError("validation_error", v.Error()).
			WithDetails(map[string]string{"field": v.Field}).
			ToHTTP(http.StatusUnprocessableEntity)
	case errors.As(err, &b):
		return BadGateway("backend_error", b.Message)
	case errors.Is(err, ErrPermissionDenied):
		return Forbidden("permission_denied", err.Error())
	case errors.Is(err, ErrDeviceUnavailable):
		return Unavailable("device_unavailable", err.Error())
	case errors.Is(err, ErrModelsNotReady):
		return Unavailable("models_not_ready", err.Error())
	case errors.Is(err, ErrNoFaceDetected):
		return Unprocessable("no_face_detected", err.Error())
	case errors.Is(err, ErrCameraError):
		return Conflict("camera_error", err.Error())
	case errors.Is(err, ErrSessionActive):
		return Conflict("session_active", err.Error())
	case errors.Is(err, ErrSubmissionInProgress):
		return Conflict("submission_in_progress", err.Error())
	case errors.Is(err, ErrTransport):
		return BadGateway("transport_error", err.Error())
	default:
		return InternalError("internal_error", err.Error())
	}
}

package kiosk

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/sampler"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/eleven-am/face-kiosk/internal/status"
	"github.com/labstack/echo/v4"
)

const previewQuality = 80

type Previewer interface {
	Snapshot(quality int) ([]byte, bool, error)
}

// RemotePreview reads the latest frame published to a shared store.
type RemotePreview interface {
	LatestFrame(ctx context.Context) (*camera.PreviewFrame, error)
}

type Handler struct {
	live    *LiveView
	reg     *RegisterView
	board   *status.Board
	preview Previewer
	remote  RemotePreview
	logger  *slog.Logger
}

func NewHandler(live *LiveView, reg *RegisterView, board *status.Board, preview Previewer, remote RemotePreview, logger *slog.Logger) *Handler {
	return &Handler{
		live:    live,
		reg:     reg,
		board:   board,
		preview: preview,
		remote:  remote,
		logger:  logger.With("component", "kiosk_handler"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/status/:view", h.GetStatus)
	g.GET("/status/:view/events", h.StreamStatus)
	g.GET("/preview", h.Preview)

	g.GET("/live", h.LiveState)
	g.POST("/live/start", h.StartLive)
	g.POST("/live/stop", h.StopLive)

	g.POST("/register/session", h.BeginRegistration)
	g.POST("/register/camera/start", h.StartRegistrationCamera)
	g.POST("/register/camera/stop", h.StopRegistrationCamera)
	g.GET("/register/captures", h.ListCaptures)
	g.POST("/register/captures", h.Capture)
	g.DELETE("/register/captures/:index", h.RemoveCapture)
	g.POST("/register/submit", h.Submit)
}

type ActionResponse struct {
	Status status.Update `json:"status"`
	Count  *int          `json:"count,omitempty"`
}

type LiveStateResponse struct {
	Running    bool          `json:"running"`
	Connected  bool          `json:"connected"`
	IntervalMs int64         `json:"interval_ms"`
	Status     status.Update `json:"status"`
	Stats      sampler.Stats `json:"stats"`
	Last       *EventView    `json:"last_event,omitempty"`
}

type EventView struct {
	Kind       string    `json:"kind"`
	Identity   string    `json:"identity,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type CapturesResponse struct {
	State  string   `json:"state"`
	Count  int      `json:"count"`
	Images []string `json:"images"`
}

type SubmitRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func parseView(c echo.Context) (shared.View, error) {
	v := shared.View(strings.ToLower(c.Param("view")))
	if !v.Valid() {
		return "", shared.NotFound("unknown_view", "unknown view "+c.Param("view"))
	}
	return v, nil
}

func (h *Handler) action(c echo.Context, view shared.View, err error, count *int) error {
	if err != nil {
		return shared.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ActionResponse{Status: h.board.Get(view), Count: count})
}

func (h *Handler) GetStatus(c echo.Context) error {
	view, err := parseView(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.board.Get(view))
}

func (h *Handler) StreamStatus(c echo.Context) error {
	view, err := parseView(c)
	if err != nil {
		return err
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	conn, err := newStatusConn(c.Response())
	if err != nil {
		return shared.InternalError("sse_unsupported", "failed to create SSE connection")
	}

	updates, cancel := h.board.Subscribe(view)
	defer cancel()

	h.logger.Debug("status subscriber connected", "view", view, "subscribers", h.board.Subscribers())
	_ = conn.Run(c.Request().Context(), updates)
	h.logger.Debug("status subscriber disconnected", "view", view)
	return nil
}

func (h *Handler) Preview(c echo.Context) error {
	if h.preview != nil {
		data, ok, err := h.preview.Snapshot(previewQuality)
		if err != nil {
			return shared.InternalError("preview_failed", err.Error())
		}
		if ok {
			c.Response().Header().Set("Cache-Control", "no-store")
			return c.Blob(http.StatusOK, "image/jpeg", data)
		}
	}

	if h.remote != nil {
		frame, err := h.remote.LatestFrame(c.Request().Context())
		if err != nil {
			h.logger.Warn("remote preview lookup failed", "error", err)
		} else if frame != nil {
			c.Response().Header().Set("Cache-Control", "no-store")
			c.Response().Header().Set("X-Session-Id", frame.SessionID)
			return c.Blob(http.StatusOK, "image/jpeg", frame.Data)
		}
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LiveState(c echo.Context) error {
	resp := LiveStateResponse{
		Running:    h.live.Running(),
		Connected:  h.live.stream.Connected(),
		IntervalMs: h.live.Interval().Milliseconds(),
		Status:     h.board.Get(shared.ViewLive),
		Stats:      h.live.Stats(),
	}
	if ev := h.live.LastEvent(); ev != nil {
		resp.Last = &EventView{
			Kind:       ev.Kind.String(),
			Identity:   ev.Identity,
			Confidence: ev.Confidence,
			Message:    ev.Message,
			ReceivedAt: ev.ReceivedAt,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) StartLive(c echo.Context) error {
	return h.action(c, shared.ViewLive, h.live.Start(c.Request().Context()), nil)
}

func (h *Handler) StopLive(c echo.Context) error {
	return h.action(c, shared.ViewLive, h.live.Stop(), nil)
}

func (h *Handler) BeginRegistration(c echo.Context) error {
	return h.action(c, shared.ViewRegister, h.reg.Begin(), nil)
}

func (h *Handler) StartRegistrationCamera(c echo.Context) error {
	return h.action(c, shared.ViewRegister, h.reg.StartCamera(c.Request().Context()), nil)
}

func (h *Handler) StopRegistrationCamera(c echo.Context) error {
	return h.action(c, shared.ViewRegister, h.reg.StopCamera(), nil)
}

func (h *Handler) Capture(c echo.Context) error {
	n, err := h.reg.Capture(c.Request().Context())
	return h.action(c, shared.ViewRegister, err, &n)
}

func (h *Handler) ListCaptures(c echo.Context) error {
	crops := h.reg.Captures()
	images := make([]string, len(crops))
	for i, crop := range crops {
		images[i] = crop.DataURL()
	}
	return c.JSON(http.StatusOK, CapturesResponse{
		State:  string(h.reg.State()),
		Count:  len(crops),
		Images: images,
	})
}

func (h *Handler) RemoveCapture(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return shared.BadRequest("invalid_index", "index must be an integer")
	}
	n, err := h.reg.Remove(index)
	return h.action(c, shared.ViewRegister, err, &n)
}

func (h *Handler) Submit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	return h.action(c, shared.ViewRegister, h.reg.Submit(c.Request().Context(), req.Name, req.Email), nil)
}

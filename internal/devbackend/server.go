package devbackend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/face-kiosk/internal/normalize"
	"github.com/eleven-am/face-kiosk/internal/register"
	"github.com/eleven-am/face-kiosk/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Config struct {
	MinImages  int
	MaxImages  int
	Confidence float64
	Logger     *slog.Logger
}

type Enrollment struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Images    int       `json:"images"`
	CreatedAt time.Time `json:"created_at"`
}

// Server stands in for the recognition backend during local development.
// It accepts enrollments and answers every frame with the most recently
// enrolled identity; it does no actual matching.
type Server struct {
	minImages  int
	maxImages  int
	confidence float64
	logger     *slog.Logger

	mu    sync.RWMutex
	users []Enrollment
}

func NewServer(cfg Config) *Server {
	if cfg.MinImages <= 0 {
		cfg.MinImages = register.MinCaptures
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = register.MaxCaptures
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.87
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		minImages:  cfg.MinImages,
		maxImages:  cfg.MaxImages,
		confidence: cfg.Confidence,
		logger:     cfg.Logger.With("component", "devbackend"),
	}
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleSocket)
	e.POST("/register", s.Register)
	e.GET("/users", s.ListUsers)
}

func (s *Server) Register(c echo.Context) error {
	var req register.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, register.Response{Error: "invalid request body"})
	}

	if msg := s.validate(req); msg != "" {
		return c.JSON(http.StatusBadRequest, register.Response{Error: msg})
	}

	s.mu.Lock()
	s.users = append(s.users, Enrollment{
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Images:    len(req.Images),
		CreatedAt: time.Now().UTC(),
	})
	s.mu.Unlock()

	s.logger.Info("user registered", "email", req.Email, "images", len(req.Images))
	return c.JSON(http.StatusOK, register.Response{OK: true})
}

func (s *Server) validate(req register.Request) string {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" {
		return "name and email are required"
	}
	if len(req.Images) < s.minImages || len(req.Images) > s.maxImages {
		return fmt.Sprintf("between %d and %d images are required", s.minImages, s.maxImages)
	}
	for _, img := range req.Images {
		if err := checkImage(img); err != nil {
			return "invalid image: " + err.Error()
		}
	}
	return ""
}

func (s *Server) ListUsers(c echo.Context) error {
	s.mu.RLock()
	users := make([]Enrollment, len(s.users))
	copy(users, s.users)
	s.mu.RUnlock()
	return c.JSON(http.StatusOK, users)
}

func (s *Server) HandleSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	send := make(chan []byte, 16)
	done := make(chan struct{})
	go s.writePump(ws, send, done)
	s.readPump(ws, send)
	close(done)
	return nil
}

func (s *Server) readPump(ws *websocket.Conn, send chan<- []byte) {
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("socket read error", "error", err)
			}
			return
		}

		var env stream.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != stream.EventFrame {
			continue
		}

		reply, err := stream.EncodeRecognized(s.recognize(env.Data))
		if err != nil {
			continue
		}

		select {
		case send <- reply:
		default:
			s.logger.Warn("reply dropped, client too slow")
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (s *Server) recognize(data json.RawMessage) stream.RecognizedPayload {
	var frame stream.FramePayload
	if err := json.Unmarshal(data, &frame); err != nil {
		return stream.RecognizedPayload{Error: "invalid frame payload"}
	}
	if err := checkImage(frame.Image); err != nil {
		return stream.RecognizedPayload{Error: "invalid image"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.users) == 0 {
		return stream.RecognizedPayload{}
	}

	conf := s.confidence
	return stream.RecognizedPayload{
		MatchedUserID: s.users[len(s.users)-1].Email,
		Confidence:    &conf,
	}
}

func checkImage(dataURL string) error {
	raw, err := normalize.ParseDataURL(dataURL)
	if err != nil {
		return err
	}
	_, err = jpeg.DecodeConfig(bytes.NewReader(raw))
	return err
}

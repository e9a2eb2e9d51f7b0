package bootstrap

import (
	"context"
	"log/slog"
	"os"

	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/kiosk"
	"github.com/eleven-am/face-kiosk/internal/register"
	"github.com/eleven-am/face-kiosk/internal/status"
	"github.com/eleven-am/face-kiosk/internal/stream"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideStatusBoard() *status.Board {
	return status.NewBoard()
}

func ProvideLiveView(mgr *camera.Manager, engine *detect.Engine, ch *stream.Channel, board *status.Board, cfg *Config, logger *slog.Logger) *kiosk.LiveView {
	return kiosk.NewLiveView(mgr, engine, ch, board, kiosk.LiveConfig{
		Interval: cfg.SampleInterval,
		Location: cfg.Location,
	}, logger)
}

func ProvideRegisterView(mgr *camera.Manager, engine *detect.Engine, client *register.Client, board *status.Board, logger *slog.Logger) *kiosk.RegisterView {
	return kiosk.NewRegisterView(mgr, engine, client, board, logger)
}

func ProvideKioskHandler(
	live *kiosk.LiveView,
	reg *kiosk.RegisterView,
	board *status.Board,
	preview *camera.PreviewSink,
	remote *camera.RedisSink,
	logger *slog.Logger,
) *kiosk.Handler {
	var remotePreview kiosk.RemotePreview
	if remote != nil {
		remotePreview = remote
	}
	return kiosk.NewHandler(live, reg, board, preview, remotePreview, logger.With("handler", "kiosk"))
}

func RegisterRoutes(e *echo.Echo, h *kiosk.Handler) {
	h.RegisterRoutes(e.Group("/v1"))
}

// MountViews starts loading the detection models in the background as soon
// as the app is up and stops the live loop on shutdown.
func MountViews(lc fx.Lifecycle, live *kiosk.LiveView, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := live.Mount(ctx); err != nil {
					logger.Warn("model preload failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			if live.Running() {
				return live.Stop()
			}
			return nil
		},
	})
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideStatusBoard,
		ProvideLiveView,
		ProvideRegisterView,
		ProvideKioskHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(MountViews),
)

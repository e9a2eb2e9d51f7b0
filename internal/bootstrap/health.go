package bootstrap

import (
	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/health"
	"github.com/eleven-am/face-kiosk/internal/stream"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(
	engine *detect.Engine,
	mgr *camera.Manager,
	ch *stream.Channel,
	redis *redis.Client,
) *health.Handler {
	return health.NewHandler(engine, mgr, ch, redis, version)
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)

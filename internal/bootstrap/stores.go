package bootstrap

import (
	"log/slog"

	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvidePreviewSink() *camera.PreviewSink {
	return camera.NewPreviewSink()
}

// ProvideRedisSink returns nil when Redis is not configured.
func ProvideRedisSink(redisClient *redis.Client, cfg *Config, logger *slog.Logger) *camera.RedisSink {
	if redisClient == nil {
		return nil
	}
	return camera.NewRedisSink(redisClient, camera.RedisSinkConfig{
		Surface:  cfg.Location,
		FrameTTL: cfg.PreviewTTL,
		Rate:     cfg.PreviewRate,
		Logger:   logger,
	})
}

// ProvideSink binds camera sessions to the in-process preview and, when
// configured, the shared Redis store.
func ProvideSink(preview *camera.PreviewSink, remote *camera.RedisSink) camera.Sink {
	if remote == nil {
		return preview
	}
	return camera.MultiSink{preview, remote}
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvidePreviewSink,
		ProvideRedisSink,
		ProvideSink,
	),
)

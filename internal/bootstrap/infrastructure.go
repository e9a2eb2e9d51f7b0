package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/face-kiosk/internal/camera"
	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/detect/dlib"
	"github.com/eleven-am/face-kiosk/internal/register"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/eleven-am/face-kiosk/internal/stream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// ProvideRedisClient returns nil when no REDIS_ADDR is configured; the
// shared preview store is optional.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideCameraDevice(cfg *Config, logger *slog.Logger) (camera.Device, error) {
	switch cfg.CameraSource {
	case CameraSourceMJPEG:
		return camera.NewMJPEGDevice(cfg.CameraURL, nil), nil
	case CameraSourceRTP:
		return camera.NewRTPDevice(cfg.CameraRTPAddr, camera.NewVP8Decoder(), logger), nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.CameraSource)
	}
}

func ProvideCameraManager(lc fx.Lifecycle, device camera.Device, sink camera.Sink, logger *slog.Logger) *camera.Manager {
	mgr := camera.NewManager(device, sink, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Stop()
		},
	})
	return mgr
}

func ProvideDetectEngine(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *detect.Engine {
	engine := detect.NewEngine(dlib.NewLoader(dlib.Config{
		ModelsDir: cfg.ModelsDir,
		UseCNN:    cfg.UseCNN,
	}), logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return engine.Close()
		},
	})
	return engine
}

func ProvideStreamChannel(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) (*stream.Channel, error) {
	ch, err := stream.NewChannel(stream.Config{
		URL: cfg.StreamURL,
		Backoff: shared.BackoffConfig{
			Initial:  cfg.StreamBackoffMin,
			MaxDelay: cfg.StreamBackoffMax,
		},
		SendBuffer: cfg.StreamBuffer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ch.Connect()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ch.Disconnect()
			return nil
		},
	})
	return ch, nil
}

func ProvideRegisterClient(cfg *Config) *register.Client {
	return register.NewClient(register.ClientConfig{
		URL:     cfg.RegisterURL,
		Timeout: cfg.RegisterTimeout,
	})
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideCameraDevice,
		ProvideCameraManager,
		ProvideDetectEngine,
		ProvideStreamChannel,
		ProvideRegisterClient,
	),
)

package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisSinkConfig struct {
	Surface  string
	FrameTTL time.Duration
	Rate     time.Duration
	Keep     int64
	Logger   *slog.Logger
}

// RedisSink publishes throttled preview frames of the attached session
// into a sorted set keyed by capture surface, scored by unix millis.
type RedisSink struct {
	redis    *redis.Client
	surface  string
	frameTTL time.Duration
	rate     time.Duration
	keep     int64
	logger   *slog.Logger

	mu          sync.Mutex
	sessionID   string
	lastPublish time.Time
}

type PreviewFrame struct {
	SessionID string
	Timestamp int64
	Data      []byte
}

func NewRedisSink(redisClient *redis.Client, cfg RedisSinkConfig) *RedisSink {
	if cfg.Surface == "" {
		cfg.Surface = "default"
	}
	if cfg.FrameTTL == 0 {
		cfg.FrameTTL = 60 * time.Second
	}
	if cfg.Rate == 0 {
		cfg.Rate = 2 * time.Second
	}
	if cfg.Keep == 0 {
		cfg.Keep = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisSink{
		redis:    redisClient,
		surface:  cfg.Surface,
		frameTTL: cfg.FrameTTL,
		rate:     cfg.Rate,
		keep:     cfg.Keep,
		logger:   cfg.Logger.With("component", "redis-sink", "surface", cfg.Surface),
	}
}

func (s *RedisSink) key() string {
	return fmt.Sprintf("surface:%s:frames", s.surface)
}

func (s *RedisSink) Attach(sessionID string, _ Constraints) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.lastPublish = time.Time{}
	s.mu.Unlock()
}

func (s *RedisSink) Present(sessionID string, frame image.Image) {
	s.mu.Lock()
	if s.sessionID != sessionID {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(s.lastPublish) < s.rate {
		s.mu.Unlock()
		return
	}
	s.lastPublish = now
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := s.publish(ctx, sessionID, frame, now.UnixMilli()); err != nil {
			s.logger.Error("publish preview frame failed", "error", err)
		}
	}()
}

func (s *RedisSink) Detach(sessionID string) {
	s.mu.Lock()
	if s.sessionID != sessionID {
		s.mu.Unlock()
		return
	}
	s.sessionID = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.redis.Del(ctx, s.key(), s.key()+":session").Err(); err != nil {
		s.logger.Error("clear preview frames failed", "error", err)
	}
}

func (s *RedisSink) publish(ctx context.Context, sessionID string, frame image.Image, timestamp int64) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}

	key := s.key()
	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(timestamp),
		Member: buf.Bytes(),
	})
	pipe.ZRemRangeByRank(ctx, key, 0, -(s.keep + 1))
	pipe.Expire(ctx, key, s.frameTTL)
	pipe.Set(ctx, key+":session", sessionID, s.frameTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) LatestFrame(ctx context.Context) (*PreviewFrame, error) {
	results, err := s.redis.ZRevRangeWithScores(ctx, s.key(), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	data, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("invalid frame data type")
	}

	sessionID, err := s.redis.Get(ctx, s.key()+":session").Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	return &PreviewFrame{
		SessionID: sessionID,
		Timestamp: int64(results[0].Score),
		Data:      []byte(data),
	}, nil
}

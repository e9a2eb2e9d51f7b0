package shared

import "time"

// BackoffConfig describes exponential reconnection delays. MaxAttempts of
// zero means retry until stopped.
type BackoffConfig struct {
	Initial     time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func NormalizeBackoff(cfg BackoffConfig) BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.MaxDelay < cfg.Initial {
		cfg.MaxDelay = cfg.Initial
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return cfg
}

type View string

const (
	ViewLive     View = "live"
	ViewRegister View = "register"
)

func (v View) String() string {
	return string(v)
}

func (v View) Valid() bool {
	return v == ViewLive || v == ViewRegister
}

package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/face-kiosk/internal/detect"
	"github.com/eleven-am/face-kiosk/internal/normalize"
	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/eleven-am/face-kiosk/internal/stream"
)

const (
	DefaultInterval = 800 * time.Millisecond
	MaxInterval     = 1000 * time.Millisecond
	DefaultLocation = "Main Gate"
)

type FrameSource interface {
	Frame() (image.Image, error)
	Running() bool
}

type Detector interface {
	Ready() bool
	DetectAll(ctx context.Context, frame image.Image) ([]detect.Result, error)
}

type Sender interface {
	Send(frame stream.OutgoingFrame) error
}

type Config struct {
	Interval time.Duration
	Location string
	Quality  float64
	Clock    clock.Clock
	Logger   *slog.Logger
	// OnError receives camera failures (the loop has already stopped) and
	// per-tick detection failures (the loop keeps going).
	OnError func(error)
}

type Stats struct {
	Ticks   int64 `json:"ticks"`
	Skipped int64 `json:"skipped"`
	Empty   int64 `json:"empty"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Loop samples the camera on a fixed interval and streams the first detected
// face of each frame. A tick is skipped entirely while the previous tick's
// detection is still in flight.
type Loop struct {
	source     FrameSource
	detector   Detector
	sender     Sender
	normalizer *normalize.Normalizer
	interval   time.Duration
	location   string
	clock      clock.Clock
	logger     *slog.Logger
	onError    func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	gen      atomic.Uint64
	inflight atomic.Bool

	ticks   atomic.Int64
	skipped atomic.Int64
	empty   atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
}

func New(source FrameSource, detector Detector, sender Sender, cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	location := cfg.Location
	if location == "" {
		location = DefaultLocation
	}
	quality := cfg.Quality
	if quality <= 0 {
		quality = normalize.LiveQuality
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}

	return &Loop{
		source:     source,
		detector:   detector,
		sender:     sender,
		normalizer: normalize.New(quality),
		interval:   ClampInterval(cfg.Interval),
		location:   location,
		clock:      clk,
		logger:     logger.With("component", "sampler"),
		onError:    onError,
	}
}

func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d < DefaultInterval:
		return DefaultInterval
	case d > MaxInterval:
		return MaxInterval
	default:
		return d
	}
}

func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Start moves the loop from idle to running. The camera must already be
// playing and the models loaded. Starting a running loop is a no-op.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return nil
	}
	if !l.source.Running() {
		return shared.ErrCameraNotRunning
	}
	if !l.detector.Ready() {
		return shared.ErrModelsNotReady
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := l.gen.Add(1)
	ticker := l.clock.Ticker(l.interval)
	done := make(chan struct{})

	l.cancel = cancel
	l.done = done

	go l.run(ctx, ticker, gen, done)

	l.logger.Info("sampling started", "interval", l.interval, "location", l.location)
	return nil
}

// Stop returns the loop to idle. A tick already in flight is allowed to
// finish but its result is discarded. Safe to call when idle.
func (l *Loop) Stop() {
	done := l.halt(0)
	if done != nil {
		<-done
		l.logger.Info("sampling stopped")
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Busy reports whether a tick is currently in flight.
func (l *Loop) Busy() bool {
	return l.inflight.Load()
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:   l.ticks.Load(),
		Skipped: l.skipped.Load(),
		Empty:   l.empty.Load(),
		Sent:    l.sent.Load(),
		Dropped: l.dropped.Load(),
	}
}

// halt stops the run identified by gen, or the current run when gen is 0.
func (l *Loop) halt(gen uint64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel == nil {
		return nil
	}
	if gen != 0 && l.gen.Load() != gen {
		return nil
	}

	l.cancel()
	l.cancel = nil
	l.gen.Add(1)
	return l.done
}

func (l *Loop) current(gen uint64) bool {
	return l.gen.Load() == gen
}

func (l *Loop) run(ctx context.Context, ticker *clock.Ticker, gen uint64, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.ticks.Add(1)
			if !l.inflight.CompareAndSwap(false, true) {
				l.skipped.Add(1)
				continue
			}
			go l.tick(ctx, gen)
		}
	}
}

func (l *Loop) tick(ctx context.Context, gen uint64) {
	defer l.inflight.Store(false)

	frame, err := l.source.Frame()
	if err != nil {
		if l.halt(gen) != nil {
			l.logger.Error("camera read failed, sampling stopped", "error", err)
			if !errors.Is(err, shared.ErrCameraError) {
				err = fmt.Errorf("%w: %v", shared.ErrCameraError, err)
			}
			l.onError(err)
		}
		return
	}

	results, err := l.detector.DetectAll(ctx, frame)
	if !l.current(gen) {
		return
	}
	if err != nil {
		l.logger.Warn("detection failed", "error", err)
		l.onError(err)
		return
	}
	if len(results) == 0 {
		l.empty.Add(1)
		return
	}

	crop, err := l.normalizer.Normalize(frame, results[0].Box)
	if err != nil {
		l.logger.Warn("normalize failed", "error", err, "box", results[0].Box)
		l.onError(err)
		return
	}
	if !l.current(gen) {
		return
	}

	err = l.sender.Send(stream.OutgoingFrame{
		Image: crop,
		Meta:  stream.Meta{Location: l.location},
	})
	if err != nil {
		l.dropped.Add(1)
		l.logger.Debug("frame dropped", "error", err)
		return
	}
	l.sent.Add(1)
}

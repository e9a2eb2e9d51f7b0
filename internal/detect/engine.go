package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/face-kiosk/internal/shared"
)

var ErrNoLoader = errors.New("no model loader configured")

type loadCall struct {
	done chan struct{}
	err  error
}

// Engine loads the models once per process and serializes detection
// calls against the loaded backend.
type Engine struct {
	loader Loader
	logger *slog.Logger

	mu       sync.Mutex
	backend  Backend
	inflight *loadCall

	detectMu sync.Mutex
}

func NewEngine(loader Loader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		loader: loader,
		logger: logger.With("component", "detect-engine"),
	}
}

// LoadModels resolves once the models are ready. Concurrent callers share
// the in-flight load; a failed load is retried by the next call.
func (e *Engine) LoadModels(ctx context.Context) error {
	e.mu.Lock()
	if e.backend != nil {
		e.mu.Unlock()
		return nil
	}
	if e.loader == nil {
		e.mu.Unlock()
		return ErrNoLoader
	}

	call := e.inflight
	if call == nil {
		call = &loadCall{done: make(chan struct{})}
		e.inflight = call
		go e.load(call)
	}
	e.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) load(call *loadCall) {
	start := time.Now()
	backend, err := e.loader(context.Background())

	e.mu.Lock()
	if err != nil {
		call.err = fmt.Errorf("load models: %w", err)
	} else {
		e.backend = backend
	}
	e.inflight = nil
	e.mu.Unlock()
	close(call.done)

	if err != nil {
		e.logger.Error("model load failed", "error", err)
		return
	}
	e.logger.Info("models loaded", "duration", time.Since(start))
}

func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend != nil
}

func (e *Engine) ready() (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return nil, shared.ErrModelsNotReady
	}
	return e.backend, nil
}

// DetectAll returns every face found, in backend order.
func (e *Engine) DetectAll(ctx context.Context, frame image.Image) ([]Result, error) {
	e.detectMu.Lock()
	defer e.detectMu.Unlock()

	// read under detectMu so Close cannot free the backend mid-call
	backend, err := e.ready()
	if err != nil {
		return nil, err
	}

	results, err := backend.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	return results, nil
}

// DetectSingle returns the highest scoring face, or nil when there is none.
func (e *Engine) DetectSingle(ctx context.Context, frame image.Image) (*Result, error) {
	results, err := e.DetectAll(ctx, frame)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.Score > best.Score {
			best = r
		}
	}
	return &best, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	backend := e.backend
	e.backend = nil
	e.mu.Unlock()

	if backend == nil {
		return nil
	}

	e.detectMu.Lock()
	defer e.detectMu.Unlock()
	return backend.Close()
}

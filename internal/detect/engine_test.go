package detect

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/face-kiosk/internal/shared"
)

type mockBackend struct {
	detectFunc func(ctx context.Context, frame image.Image) ([]Result, error)
	closed     atomic.Bool
	active     atomic.Int32
	maxActive  atomic.Int32
}

func (m *mockBackend) Detect(ctx context.Context, frame image.Image) ([]Result, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.detectFunc != nil {
		return m.detectFunc(ctx, frame)
	}
	return nil, nil
}

func (m *mockBackend) Close() error {
	m.closed.Store(true)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyEngine(t *testing.T, backend *mockBackend) *Engine {
	t.Helper()
	e := NewEngine(func(context.Context) (Backend, error) { return backend, nil }, testLogger())
	if err := e.LoadModels(context.Background()); err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	return e
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 640, 480))
}

func TestEngine_NotReady(t *testing.T) {
	e := NewEngine(func(context.Context) (Backend, error) { return &mockBackend{}, nil }, testLogger())

	if e.Ready() {
		t.Error("engine should not be ready before LoadModels")
	}
	if _, err := e.DetectAll(context.Background(), frame()); !errors.Is(err, shared.ErrModelsNotReady) {
		t.Errorf("DetectAll: expected ErrModelsNotReady, got %v", err)
	}
	if _, err := e.DetectSingle(context.Background(), frame()); !errors.Is(err, shared.ErrModelsNotReady) {
		t.Errorf("DetectSingle: expected ErrModelsNotReady, got %v", err)
	}
}

func TestEngine_LoadModels_NoLoader(t *testing.T) {
	e := NewEngine(nil, nil)
	if err := e.LoadModels(context.Background()); !errors.Is(err, ErrNoLoader) {
		t.Errorf("expected ErrNoLoader, got %v", err)
	}
}

func TestEngine_LoadModels_ConcurrentCallersShareLoad(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	e := NewEngine(func(context.Context) (Backend, error) {
		loads.Add(1)
		<-release
		return &mockBackend{}, nil
	}, testLogger())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.LoadModels(context.Background())
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("LoadModels failed: %v", err)
		}
	}
	if loads.Load() != 1 {
		t.Errorf("expected exactly one load, got %d", loads.Load())
	}
	if !e.Ready() {
		t.Error("engine should be ready")
	}

	if err := e.LoadModels(context.Background()); err != nil {
		t.Errorf("LoadModels after ready should succeed, got %v", err)
	}
	if loads.Load() != 1 {
		t.Errorf("models must not be reloaded, got %d loads", loads.Load())
	}
}

func TestEngine_LoadModels_FailureIsRetried(t *testing.T) {
	var loads atomic.Int32
	e := NewEngine(func(context.Context) (Backend, error) {
		if loads.Add(1) == 1 {
			return nil, errors.New("model file missing")
		}
		return &mockBackend{}, nil
	}, testLogger())

	if err := e.LoadModels(context.Background()); err == nil {
		t.Fatal("expected first load to fail")
	}
	if e.Ready() {
		t.Error("engine should not be ready after a failed load")
	}
	if err := e.LoadModels(context.Background()); err != nil {
		t.Fatalf("second load should succeed, got %v", err)
	}
	if loads.Load() != 2 {
		t.Errorf("expected 2 loads, got %d", loads.Load())
	}
}

func TestEngine_LoadModels_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := NewEngine(func(context.Context) (Backend, error) {
		<-release
		return &mockBackend{}, nil
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := e.LoadModels(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEngine_DetectAll(t *testing.T) {
	backend := &mockBackend{detectFunc: func(context.Context, image.Image) ([]Result, error) {
		return []Result{
			{Box: BoundingBox{X: 10, Y: 10, Width: 50, Height: 60}, Score: 0.4},
			{Box: BoundingBox{X: 200, Y: 40, Width: 80, Height: 80}, Score: 0.9},
		}, nil
	}}
	e := readyEngine(t, backend)

	results, err := e.DetectAll(context.Background(), frame())
	if err != nil {
		t.Fatalf("DetectAll failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Box.X != 10 {
		t.Error("results should keep backend order")
	}
}

func TestEngine_DetectSingle_PicksHighestScore(t *testing.T) {
	backend := &mockBackend{detectFunc: func(context.Context, image.Image) ([]Result, error) {
		return []Result{
			{Box: BoundingBox{X: 1}, Score: 0.4},
			{Box: BoundingBox{X: 2}, Score: 0.9},
			{Box: BoundingBox{X: 3}, Score: 0.9},
		}, nil
	}}
	e := readyEngine(t, backend)

	r, err := e.DetectSingle(context.Background(), frame())
	if err != nil {
		t.Fatalf("DetectSingle failed: %v", err)
	}
	if r == nil || r.Box.X != 2 {
		t.Errorf("expected first highest scoring face, got %+v", r)
	}
}

func TestEngine_DetectSingle_None(t *testing.T) {
	e := readyEngine(t, &mockBackend{})

	r, err := e.DetectSingle(context.Background(), frame())
	if err != nil {
		t.Fatalf("DetectSingle failed: %v", err)
	}
	if r != nil {
		t.Errorf("expected nil result, got %+v", r)
	}
}

func TestEngine_DetectAll_BackendError(t *testing.T) {
	boom := errors.New("inference failed")
	e := readyEngine(t, &mockBackend{detectFunc: func(context.Context, image.Image) ([]Result, error) {
		return nil, boom
	}})

	if _, err := e.DetectAll(context.Background(), frame()); !errors.Is(err, boom) {
		t.Errorf("expected wrapped backend error, got %v", err)
	}
}

func TestEngine_SerializesDetection(t *testing.T) {
	backend := &mockBackend{detectFunc: func(context.Context, image.Image) ([]Result, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}}
	e := readyEngine(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.DetectAll(context.Background(), frame())
		}()
	}
	wg.Wait()

	if backend.maxActive.Load() != 1 {
		t.Errorf("expected at most one concurrent detection, got %d", backend.maxActive.Load())
	}
}

func TestEngine_Close(t *testing.T) {
	backend := &mockBackend{}
	e := readyEngine(t, backend)

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !backend.closed.Load() {
		t.Error("backend should be closed")
	}
	if e.Ready() {
		t.Error("engine should not be ready after Close")
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestEngine_CloseWaitsForInFlightDetection(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var afterClose atomic.Int32

	backend := &mockBackend{}
	backend.detectFunc = func(ctx context.Context, frame image.Image) ([]Result, error) {
		if backend.closed.Load() {
			afterClose.Add(1)
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}
	e := readyEngine(t, backend)

	firstDone := make(chan error, 1)
	go func() {
		_, err := e.DetectAll(context.Background(), frame())
		firstDone <- err
	}()
	<-entered

	closeDone := make(chan struct{})
	go func() {
		_ = e.Close()
		close(closeDone)
	}()

	deadline := time.Now().Add(time.Second)
	for e.Ready() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := e.DetectAll(context.Background(), frame())
		secondDone <- err
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a detection was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	if err := <-firstDone; err != nil {
		t.Errorf("in-flight detection failed: %v", err)
	}
	<-closeDone
	if err := <-secondDone; !errors.Is(err, shared.ErrModelsNotReady) {
		t.Errorf("expected ErrModelsNotReady after Close, got %v", err)
	}
	if afterClose.Load() != 0 {
		t.Errorf("backend used %d times after Close", afterClose.Load())
	}
}

func TestBoxFromRect(t *testing.T) {
	box := BoxFromRect(image.Rect(10, 20, 110, 150))
	want := BoundingBox{X: 10, Y: 20, Width: 100, Height: 130}
	if box != want {
		t.Errorf("BoxFromRect = %+v, want %+v", box, want)
	}
}

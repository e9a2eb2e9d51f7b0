package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eleven-am/face-kiosk/internal/shared"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func mjpegServer(t *testing.T, frames int, hold bool) *httptest.Server {
	t.Helper()
	data := encodeTestJPEG(t, 32, 24)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("width") != "640" || r.URL.Query().Get("height") != "480" {
			t.Errorf("expected 640x480 query, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for i := 0; i < frames; i++ {
			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
			w.Write(data)
			fmt.Fprint(w, "\r\n")
		}
		if hold {
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, "--frame--\r\n")
	}))
}

func TestMJPEGDevice_ReadsFrames(t *testing.T) {
	server := mjpegServer(t, 2, false)
	defer server.Close()

	stream, err := NewMJPEGDevice(server.URL, nil).Open(context.Background(), LiveConstraints)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 2; i++ {
		img, err := stream.ReadFrame(context.Background())
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 24 {
			t.Errorf("expected 32x24, got %v", img.Bounds())
		}
	}

	if _, err := stream.ReadFrame(context.Background()); err == nil {
		t.Error("expected error at end of stream")
	}
}

func TestMJPEGDevice_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, shared.ErrPermissionDenied},
		{"forbidden", http.StatusForbidden, shared.ErrPermissionDenied},
		{"not found", http.StatusNotFound, shared.ErrDeviceUnavailable},
		{"busy", http.StatusServiceUnavailable, shared.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewMJPEGDevice(server.URL, nil).Open(context.Background(), LiveConstraints)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMJPEGDevice_NotMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8})
	}))
	defer server.Close()

	_, err := NewMJPEGDevice(server.URL, nil).Open(context.Background(), LiveConstraints)
	if !errors.Is(err, shared.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestMJPEGDevice_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewMJPEGDevice(url, nil).Open(context.Background(), LiveConstraints)
	if !errors.Is(err, shared.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestMJPEGDevice_WithManager(t *testing.T) {
	server := mjpegServer(t, 3, true)
	defer server.Close()

	m := NewManager(NewMJPEGDevice(server.URL, nil), nil, testLogger())
	if err := m.Start(context.Background(), LiveConstraints); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Frame(); err != nil {
		t.Errorf("Frame failed: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// Package dlib runs face detection through dlib via go-face. It needs the
// dlib models (shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and, for the CNN detector,
// mmod_human_face_detector.dat) in the models directory, and cgo with
// libdlib available at build time.
package dlib

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/Kagami/go-face"
	"github.com/eleven-am/face-kiosk/internal/detect"
)

type Config struct {
	ModelsDir string
	UseCNN    bool
}

type Backend struct {
	recognizer *face.Recognizer
	useCNN     bool
}

func NewLoader(cfg Config) detect.Loader {
	return func(ctx context.Context) (detect.Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := face.NewRecognizer(cfg.ModelsDir)
		if err != nil {
			return nil, fmt.Errorf("init recognizer from %s: %w", cfg.ModelsDir, err)
		}
		return &Backend{recognizer: rec, useCNN: cfg.UseCNN}, nil
	}
}

// Detect encodes the frame as JPEG for dlib. go-face reports no detector
// confidence, so faces are scored by area relative to the largest one.
func (b *Backend) Detect(ctx context.Context, frame image.Image) ([]detect.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var faces []face.Face
	var err error
	if b.useCNN {
		faces, err = b.recognizer.RecognizeCNN(buf.Bytes())
	} else {
		faces, err = b.recognizer.Recognize(buf.Bytes())
	}
	if err != nil {
		return nil, err
	}

	return toResults(faces, frame.Bounds().Min), nil
}

func (b *Backend) Close() error {
	b.recognizer.Close()
	return nil
}

func toResults(faces []face.Face, origin image.Point) []detect.Result {
	maxArea := 0
	for _, f := range faces {
		if a := f.Rectangle.Dx() * f.Rectangle.Dy(); a > maxArea {
			maxArea = a
		}
	}

	results := make([]detect.Result, 0, len(faces))
	for _, f := range faces {
		r := detect.Result{Box: detect.BoxFromRect(f.Rectangle.Add(origin))}
		if maxArea > 0 {
			r.Score = float64(f.Rectangle.Dx()*f.Rectangle.Dy()) / float64(maxArea)
		}
		for _, p := range f.Shapes {
			p = p.Add(origin)
			r.Landmarks = append(r.Landmarks, detect.Point{X: float64(p.X), Y: float64(p.Y)})
		}
		results = append(results, r)
	}
	return results
}

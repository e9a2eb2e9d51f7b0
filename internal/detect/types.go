package detect

import (
	"context"
	"image"
)

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{
		X:      float64(r.Min.X),
		Y:      float64(r.Min.Y),
		Width:  float64(r.Dx()),
		Height: float64(r.Dy()),
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Result struct {
	Box       BoundingBox `json:"box"`
	Score     float64     `json:"score"`
	Landmarks []Point     `json:"landmarks,omitempty"`
}

// Backend runs the loaded detector and landmark models on one frame.
type Backend interface {
	Detect(ctx context.Context, frame image.Image) ([]Result, error)
	Close() error
}

type Loader func(ctx context.Context) (Backend, error)

package normalize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"strings"

	"github.com/eleven-am/face-kiosk/internal/detect"
	xdraw "golang.org/x/image/draw"
)

const (
	DefaultSize      = 200
	LiveQuality      = 0.8
	RegisterQuality  = 0.9
	dataURLPrefix    = "data:image/jpeg;base64,"
	defaultQuality   = LiveQuality
	minQualityFactor = 0.01
)

var (
	ErrInvalidBox     = errors.New("bounding box has no area")
	ErrInvalidDataURL = errors.New("not a base64 jpeg data url")
)

// FaceCrop is a fixed-size JPEG face image.
type FaceCrop struct {
	Data   []byte
	Width  int
	Height int
}

func (c FaceCrop) DataURL() string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(c.Data)
}

func ParseDataURL(s string) ([]byte, error) {
	if !strings.HasPrefix(s, dataURLPrefix) {
		return nil, ErrInvalidDataURL
	}
	data, err := base64.StdEncoding.DecodeString(s[len(dataURLPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return data, nil
}

type Normalizer struct {
	Size    int
	Quality float64
}

func New(quality float64) *Normalizer {
	return &Normalizer{Size: DefaultSize, Quality: quality}
}

func (n *Normalizer) size() int {
	if n.Size <= 0 {
		return DefaultSize
	}
	return n.Size
}

func (n *Normalizer) jpegQuality() int {
	q := n.Quality
	if q <= 0 {
		q = defaultQuality
	}
	q = math.Max(minQualityFactor, math.Min(1, q))
	return int(math.Round(q * 100))
}

// Normalize draws the square [x, y, max(w,h), max(w,h)] of frame into a
// Size x Size canvas and JPEG encodes it. Parts of the square outside the
// frame stay black.
func (n *Normalizer) Normalize(frame image.Image, box detect.BoundingBox) (FaceCrop, error) {
	side := math.Max(box.Width, box.Height)
	if side <= 0 || math.IsNaN(side) || math.IsInf(side, 0) {
		return FaceCrop{}, ErrInvalidBox
	}

	size := n.size()
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, xdraw.Src)

	fb := frame.Bounds()
	x0, y0 := box.X, box.Y

	src := image.Rect(
		int(math.Floor(x0)),
		int(math.Floor(y0)),
		int(math.Ceil(x0+side)),
		int(math.Ceil(y0+side)),
	)
	clipped := src.Intersect(fb)

	if !clipped.Empty() {
		scale := float64(size) / side
		dr := image.Rect(
			int(math.Round((float64(clipped.Min.X)-x0)*scale)),
			int(math.Round((float64(clipped.Min.Y)-y0)*scale)),
			int(math.Round((float64(clipped.Max.X)-x0)*scale)),
			int(math.Round((float64(clipped.Max.Y)-y0)*scale)),
		).Intersect(dst.Bounds())

		if !dr.Empty() {
			xdraw.CatmullRom.Scale(dst, dr, frame, clipped, xdraw.Src, nil)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: n.jpegQuality()}); err != nil {
		return FaceCrop{}, fmt.Errorf("encode face crop: %w", err)
	}

	return FaceCrop{Data: buf.Bytes(), Width: size, Height: size}, nil
}

package camera

import (
	"context"
	"image"
)

type Constraints struct {
	Width  int
	Height int
}

var (
	LiveConstraints         = Constraints{Width: 640, Height: 480}
	RegistrationConstraints = Constraints{Width: 400, Height: 300}
)

// Device acquires a video-only stream. Implementations report platform
// refusals as shared.ErrPermissionDenied or shared.ErrDeviceUnavailable.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live video input. Close stops every track and unblocks a
// pending ReadFrame.
type Stream interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// Sink is the display target a session is bound to while it plays.
type Sink interface {
	Attach(sessionID string, c Constraints)
	Present(sessionID string, frame image.Image)
	Detach(sessionID string)
}

type nopSink struct{}

func (nopSink) Attach(string, Constraints)  {}
func (nopSink) Present(string, image.Image) {}
func (nopSink) Detach(string)               {}

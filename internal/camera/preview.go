package camera

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
)

// PreviewSink keeps the latest played frame of the attached session and
// encodes it on demand.
type PreviewSink struct {
	mu        sync.RWMutex
	sessionID string
	frame     image.Image
}

func NewPreviewSink() *PreviewSink {
	return &PreviewSink{}
}

func (p *PreviewSink) Attach(sessionID string, _ Constraints) {
	p.mu.Lock()
	p.sessionID = sessionID
	p.frame = nil
	p.mu.Unlock()
}

func (p *PreviewSink) Present(sessionID string, frame image.Image) {
	p.mu.Lock()
	if p.sessionID == sessionID {
		p.frame = frame
	}
	p.mu.Unlock()
}

func (p *PreviewSink) Detach(sessionID string) {
	p.mu.Lock()
	if p.sessionID == sessionID {
		p.sessionID = ""
		p.frame = nil
	}
	p.mu.Unlock()
}

// Snapshot returns the latest frame as JPEG, or false when nothing plays.
func (p *PreviewSink) Snapshot(quality int) ([]byte, bool, error) {
	p.mu.RLock()
	frame := p.frame
	p.mu.RUnlock()

	if frame == nil {
		return nil, false, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

type MultiSink []Sink

func (m MultiSink) Attach(sessionID string, c Constraints) {
	for _, s := range m {
		s.Attach(sessionID, c)
	}
}

func (m MultiSink) Present(sessionID string, frame image.Image) {
	for _, s := range m {
		s.Present(sessionID, frame)
	}
}

func (m MultiSink) Detach(sessionID string) {
	for _, s := range m {
		s.Detach(sessionID)
	}
}

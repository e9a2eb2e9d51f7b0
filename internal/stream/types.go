package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eleven-am/face-kiosk/internal/normalize"
)

const (
	EventFrame      = "frame"
	EventRecognized = "recognized"
)

type Meta struct {
	Location string `json:"location"`
}

type OutgoingFrame struct {
	Image normalize.FaceCrop
	Meta  Meta
}

// Envelope is the event frame exchanged over the websocket in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type FramePayload struct {
	Image string `json:"image"`
	Meta  Meta   `json:"meta"`
}

type RecognizedPayload struct {
	MatchedUserID string   `json:"matched_user_id,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func EncodeFrame(f OutgoingFrame) ([]byte, error) {
	return encodeEnvelope(EventFrame, FramePayload{
		Image: f.Image.DataURL(),
		Meta:  f.Meta,
	})
}

func EncodeRecognized(p RecognizedPayload) ([]byte, error) {
	return encodeEnvelope(EventRecognized, p)
}

type EventKind int

const (
	KindNoMatch EventKind = iota
	KindMatched
	KindFailed
)

func (k EventKind) String() string {
	switch k {
	case KindMatched:
		return "matched"
	case KindFailed:
		return "error"
	default:
		return "no_match"
	}
}

// RecognitionEvent is the latest available recognition status. Replies are
// not correlated to a specific sent frame.
type RecognitionEvent struct {
	Kind       EventKind
	Identity   string
	Confidence float64
	Message    string
	ReceivedAt time.Time
}

func Matched(identity string, confidence float64) RecognitionEvent {
	return RecognitionEvent{Kind: KindMatched, Identity: identity, Confidence: clamp01(confidence)}
}

func NoMatch() RecognitionEvent {
	return RecognitionEvent{Kind: KindNoMatch}
}

func Failed(message string) RecognitionEvent {
	return RecognitionEvent{Kind: KindFailed, Message: message}
}

func (e RecognitionEvent) String() string {
	switch e.Kind {
	case KindMatched:
		return fmt.Sprintf("matched %s (%.2f)", e.Identity, e.Confidence)
	case KindFailed:
		return "error: " + e.Message
	default:
		return "no match"
	}
}

// ToEvent translates the wire reply: an error wins over a match, and the
// absence of both means no match.
func (p RecognizedPayload) ToEvent() RecognitionEvent {
	switch {
	case p.Error != "":
		return Failed(p.Error)
	case p.MatchedUserID != "":
		var conf float64
		if p.Confidence != nil {
			conf = *p.Confidence
		}
		return Matched(p.MatchedUserID, conf)
	default:
		return NoMatch()
	}
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

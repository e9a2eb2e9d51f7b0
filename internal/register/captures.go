package register

import (
	"github.com/eleven-am/face-kiosk/internal/normalize"
)

const (
	MinCaptures = 6
	MaxCaptures = 8
)

// CaptureSet is the ordered list of face crops taken during one
// registration.
type CaptureSet struct {
	crops []normalize.FaceCrop
}

func (s *CaptureSet) Append(c normalize.FaceCrop) int {
	s.crops = append(s.crops, c)
	return len(s.crops)
}

// Remove deletes the crop at index. An out of range index leaves the set
// unchanged and reports false.
func (s *CaptureSet) Remove(index int) bool {
	if index < 0 || index >= len(s.crops) {
		return false
	}
	s.crops = append(s.crops[:index], s.crops[index+1:]...)
	return true
}

func (s *CaptureSet) Len() int {
	return len(s.crops)
}

func (s *CaptureSet) Clear() {
	s.crops = nil
}

func (s *CaptureSet) Crops() []normalize.FaceCrop {
	return append([]normalize.FaceCrop(nil), s.crops...)
}

func (s *CaptureSet) DataURLs() []string {
	urls := make([]string, len(s.crops))
	for i, c := range s.crops {
		urls[i] = c.DataURL()
	}
	return urls
}

type Draft struct {
	FullName string
	Email    string
	Captures CaptureSet
}

package status

import (
	"sync"
	"time"

	"github.com/eleven-am/face-kiosk/internal/shared"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelPending Level = "pending"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

const subscriberBuffer = 16

// Update is the single user-visible status line of a view.
type Update struct {
	View  shared.View `json:"view"`
	Level Level       `json:"level"`
	Text  string      `json:"text"`
	At    time.Time   `json:"at"`
}

type subscriber struct {
	view shared.View
	ch   chan Update
}

// Board holds the current status of each view and fans changes out to
// subscribers. Slow subscribers miss intermediate updates.
type Board struct {
	mu     sync.RWMutex
	now    func() time.Time
	status map[shared.View]Update
	subs   map[*subscriber]struct{}
}

func NewBoard() *Board {
	b := &Board{
		now:    time.Now,
		status: make(map[shared.View]Update),
		subs:   make(map[*subscriber]struct{}),
	}
	b.Set(shared.ViewLive, LevelInfo, "Click Start to begin")
	b.Set(shared.ViewRegister, LevelInfo, "Ready to capture")
	return b
}

func (b *Board) Set(view shared.View, level Level, text string) Update {
	u := Update{View: view, Level: level, Text: text, At: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.status[view] = u
	for s := range b.subs {
		if s.view != view {
			continue
		}
		select {
		case s.ch <- u:
		default:
		}
	}
	return u
}

func (b *Board) Get(view shared.View) Update {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status[view]
}

// Subscribe returns a channel that first receives the current status of view
// and then every change. The returned func unsubscribes and closes the
// channel.
func (b *Board) Subscribe(view shared.View) (<-chan Update, func()) {
	s := &subscriber{view: view, ch: make(chan Update, subscriberBuffer)}

	b.mu.Lock()
	if u, ok := b.status[view]; ok {
		s.ch <- u
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *Board) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

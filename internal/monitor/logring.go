package monitor

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Line is one log entry as published on the log channel.
type Line struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Ring is a logrus hook keeping the most recent lines in memory and fanning
// new ones out to subscribers. Fire never blocks: a subscriber whose buffer
// is full misses the line.
type Ring struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
	seq   uint64
	subs  map[chan Line]struct{}
}

// NewRing keeps the last size lines. A non-positive size keeps 500.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 500
	}
	return &Ring{
		lines: make([]Line, size),
		subs:  map[chan Line]struct{}{},
	}
}

func (r *Ring) Levels() []log.Level { return log.AllLevels }

func (r *Ring) Fire(e *log.Entry) error {
	line := Line{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
	}
	if len(e.Data) > 0 {
		line.Fields = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			switch v := v.(type) {
			case error:
				line.Fields[k] = v.Error()
			case fmt.Stringer:
				line.Fields[k] = v.String()
			default:
				line.Fields[k] = v
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	line.Seq = r.seq
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	for ch := range r.subs {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

// Snapshot returns the retained lines, oldest first.
func (r *Ring) Snapshot() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Line(nil), r.lines[:r.next]...)
	}
	out := make([]Line, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// Subscribe returns a channel of lines fired after the call, and a cancel
// func which must be called to release it.
func (r *Ring) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Line, buffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
		})
	}
}

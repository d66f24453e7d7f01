// Package control carries the coarse signals shared between the sync loop
// and whatever drives it: pause and resume requests, and the loop's last
// reported state. Stop is context cancellation.
package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the scheduler's steady state.
type State string

const (
	Starting State = "STARTING"
	Active   State = "ACTIVE"
	Idle     State = "IDLE"
	Paused   State = "PAUSED"
	Backoff  State = "BACKOFF"
)

// Status is a snapshot of the loop, as last reported by the scheduler.
type Status struct {
	State     State     `json:"state"`
	LastCycle time.Time `json:"lastCycle,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Rows      int64     `json:"rowsDelivered"`
	Deletes   int64     `json:"deletesDelivered"`
}

// Signals is safe for concurrent use. The zero value is ready.
type Signals struct {
	manual   atomic.Bool
	external atomic.Bool

	mu     sync.Mutex
	status Status
}

func New() *Signals {
	s := &Signals{}
	s.status.State = Starting
	return s
}

func (s *Signals) Pause()  { s.manual.Store(true) }
func (s *Signals) Resume() { s.manual.Store(false) }

// Paused reports whether either a manual pause or the pause file is active.
func (s *Signals) Paused() bool {
	return s.manual.Load() || s.external.Load()
}

func (s *Signals) setExternal(v bool) { s.external.Store(v) }

// Report records the outcome of one cycle.
func (s *Signals) Report(state State, at time.Time, rows, deletes int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	if !at.IsZero() {
		s.status.LastCycle = at
	}
	s.status.Rows += rows
	s.status.Deletes += deletes
	if err != nil {
		s.status.LastError = err.Error()
	} else if state != Paused {
		s.status.LastError = ""
	}
}

// Status returns the last reported status. A pause requested since the last
// report is reflected immediately.
func (s *Signals) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st.State == "" {
		st.State = Starting
	}
	if s.Paused() {
		st.State = Paused
	}
	return st
}

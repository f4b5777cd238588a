package service

import (
	"sync/atomic"
	"time"
)

// State tracks process liveness signals: readiness, feed staleness and the
// persistence queue. Everything is atomic, writers sit on hot paths.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	lastTickUnix atomic.Int64
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) TouchTick(t time.Time) { s.lastTickUnix.Store(t.Unix()) }

func (s *State) LastTick() time.Time {
	u := s.lastTickUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

// FeedAlive reports whether a tick arrived within the window.
func (s *State) FeedAlive(window time.Duration) bool {
	t := s.LastTick()
	return !t.IsZero() && time.Since(t) < window
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

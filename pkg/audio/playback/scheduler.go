package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/tutorcall/pkg/audio"
)

// Scheduler places decoded chunks back to back on a [Timeline].
//
// It owns the schedule cursor (the clock position where the next chunk will
// begin) and the set of sources that are still playing. Chunks play in the
// order Schedule is called. A chunk that arrives after the cursor has fallen
// behind the clock starts immediately; a chunk that arrives early is queued
// exactly at the end of its predecessor.
//
// Lock order: Scheduler.mu may be held while calling into the Timeline, never
// the reverse.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	tl Timeline

	mu     sync.Mutex
	cursor time.Duration
	active map[uint64]Source
	nextID uint64
}

// NewScheduler returns a Scheduler driving tl.
func NewScheduler(tl Timeline) *Scheduler {
	return &Scheduler{tl: tl, active: make(map[uint64]Source)}
}

// Schedule starts buf at max(cursor, now), advances the cursor by the buffer's
// duration and returns the chosen start position.
func (s *Scheduler) Schedule(buf *audio.Buffer) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.tl.CurrentTime(); s.cursor < now {
		s.cursor = now
	}
	start := s.cursor

	id := s.nextID
	s.nextID++
	src := s.tl.Start(buf, start, func() { s.remove(id) })
	s.active[id] = src
	s.cursor += buf.Duration()
	return start
}

// Interrupt stops every active source, empties the active set and moves the
// cursor to the current clock. It returns the number of sources stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stopLocked()
	s.cursor = s.tl.CurrentTime()
	return n
}

// StopAll stops every active source and resets the cursor to zero. Use it on
// session teardown, when the next session starts on a fresh timeline.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stopLocked()
	s.cursor = 0
	return n
}

// Cursor returns the position where the next chunk would start if the clock
// has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of scheduled sources that have not ended.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending returns how much scheduled audio remains ahead of the clock.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.cursor-s.tl.CurrentTime(), 0)
}

func (s *Scheduler) stopLocked() int {
	n := len(s.active)
	for _, src := range s.active {
		src.Stop()
	}
	clear(s.active)
	return n
}

// remove runs from the Timeline's onEnded callback. A source already cleared
// by Interrupt or StopAll is a no-op.
func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

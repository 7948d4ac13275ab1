package call

import (
	"sync"
	"time"
)

// defaultLinger is how long a finished call's state stays resolvable after
// DONE. Transcription callbacks routinely arrive after socket teardown and
// still need the state.
const defaultLinger = 60 * time.Second

// Store maps call ids to live call state. Safe for concurrent use.
type Store struct {
	linger time.Duration

	mu     sync.Mutex
	calls  map[string]*State
	timers map[string]*time.Timer
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithLinger sets how long finished calls stay in the store after release.
func WithLinger(d time.Duration) StoreOption {
	return func(s *Store) {
		if d >= 0 {
			s.linger = d
		}
	}
}

// NewStore creates an empty call store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		linger: defaultLinger,
		calls:  make(map[string]*State),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the state for callSID, creating it in [PhaseNew] when
// absent. A pending delayed removal for the id is cancelled, which keeps a
// fast redial from losing its fresh state to the old call's cleanup.
func (s *Store) GetOrCreate(callSID string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[callSID]; ok {
		t.Stop()
		delete(s.timers, callSID)
	}
	if st, ok := s.calls[callSID]; ok {
		return st
	}
	st := NewState(callSID)
	s.calls[callSID] = st
	return st
}

// Get returns the state for callSID if present.
func (s *Store) Get(callSID string) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.calls[callSID]
	return st, ok
}

// Release schedules removal of a finished call after the linger window, so
// late transcription callbacks still resolve the state. Releasing an unknown
// id is a no-op.
func (s *Store) Release(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[callSID]; !ok {
		return
	}
	if t, ok := s.timers[callSID]; ok {
		t.Stop()
	}
	s.timers[callSID] = time.AfterFunc(s.linger, func() {
		s.Remove(callSID)
	})
}

// Remove deletes the state immediately.
func (s *Store) Remove(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callSID]; ok {
		t.Stop()
		delete(s.timers, callSID)
	}
	delete(s.calls, callSID)
}


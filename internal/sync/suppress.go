package sync

import (
	"sync"
	"time"
)

// echoWindow bounds how long a just-published key suppresses its own echo.
// Narrow on purpose: a genuine follow-up edit to the same key from another
// device must not be masked for long.
const echoWindow = 500 * time.Millisecond

// suppressor is the per-key echo filter. When this device publishes a change,
// the key is marked; the transport reflecting that same write back within the
// window is recognized as an echo and skipped. Other keys are unaffected.
type suppressor struct {
	mu     sync.Mutex
	window time.Duration
	marks  map[string]time.Time
	now    func() time.Time
}

func newSuppressor(window time.Duration) *suppressor {
	return &suppressor{
		window: window,
		marks:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// mark opens the suppression window for one key.
func (s *suppressor) mark(key string) {
	s.mu.Lock()
	s.marks[key] = s.now()
	s.mu.Unlock()
}

// suppressed reports whether the key is inside its window. Expired marks are
// cleaned up as they are seen.
func (s *suppressor) suppressed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked, ok := s.marks[key]
	if !ok {
		return false
	}
	if s.now().Sub(marked) > s.window {
		delete(s.marks, key)
		return false
	}
	return true
}

// reset clears all marks, used on room teardown.
func (s *suppressor) reset() {
	s.mu.Lock()
	s.marks = make(map[string]time.Time)
	s.mu.Unlock()
}

package chunkupload

import (
	"sync"
	"time"
)

// Stats collects chunk upload timings, used for hung detection and the summary log.
type Stats struct {
	mu             sync.Mutex
	sum            time.Duration
	finished       int64
	failedAttempts int64
	maxQueueDepth  int
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

// Update records the duration of a successful upload attempt.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

// Failed records a failed upload attempt.
func (s *Stats) Failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts++
}

// ObserveQueueDepth keeps the highest number of pending uploads seen.
func (s *Stats) ObserveQueueDepth(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.maxQueueDepth {
		s.maxQueueDepth = n
	}
}

// Average returns the mean duration of successful attempts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of successful attempts.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// FailedAttempts returns the number of attempts that returned an error.
func (s *Stats) FailedAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttempts
}

// TotalDuration returns the summed duration of successful attempts.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// MaxQueueDepth returns the most uploads ever pending at once.
func (s *Stats) MaxQueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxQueueDepth
}

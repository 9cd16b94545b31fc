package rooms

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// idSource hands out lexicographically increasing ids, also within one
// millisecond. Each room owns one and only uses it under the room lock.
type idSource struct {
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(t time.Time) string {
	ms := ulid.Timestamp(t)
	if ms < s.lastMs {
		ms = s.lastMs
	}
	s.lastMs = ms
	id, err := ulid.New(ms, s.entropy)
	if err != nil {
		// Entropy exhausted within this millisecond; move to the next one.
		s.lastMs++
		id = ulid.MustNew(s.lastMs, s.entropy)
	}
	return id.String()
}

package location

import (
	"sync"
	"time"

	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/models"
)

// DefaultMinDistanceM matches the 10m skip threshold the mobile tracker uses.
const DefaultMinDistanceM = 10.0

// Throttle suppresses samples that are not materially different from the last
// accepted one. A sample is accepted when no reference exists yet, when it
// has moved at least MinDistance meters, or (if MaxInterval > 0) when that
// much time has passed since the last accepted sample.
type Throttle struct {
	MinDistance float64       // meters, default DefaultMinDistanceM
	MaxInterval time.Duration // 0 disables time-based forcing

	mu         sync.Mutex
	last       models.Position
	hasLast    bool
	acceptedAt time.Time
}

func NewThrottle(minDistance float64, maxInterval time.Duration) *Throttle {
	if minDistance <= 0 {
		minDistance = DefaultMinDistanceM
	}
	return &Throttle{MinDistance: minDistance, MaxInterval: maxInterval}
}

// ShouldAccept decides whether p should be forwarded, and on acceptance makes
// p the new reference point.
func (t *Throttle) ShouldAccept(p models.Position) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasLast {
		t.accept(p)
		return true
	}
	if geo.Haversine(t.last.Lat, t.last.Lng, p.Lat, p.Lng) >= t.MinDistance {
		t.accept(p)
		return true
	}
	if t.MaxInterval > 0 && time.Since(t.acceptedAt) >= t.MaxInterval {
		t.accept(p)
		return true
	}
	return false
}

func (t *Throttle) accept(p models.Position) {
	t.last = p
	t.hasLast = true
	t.acceptedAt = time.Now()
}

// Last returns the current reference point, if any.
func (t *Throttle) Last() (models.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Reset clears the reference so the next sample is always accepted.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasLast = false
}

package location

import (
	"context"
	"math/rand"
	"time"

	"github.com/example/ride-relay/internal/models"
)

// Profile is the sampling cadence requested from the platform source.
type Profile struct {
	Interval    time.Duration
	MinMovement float64 // meters
}

// Foreground and Background mirror the cadences the mobile tracker requests.
var (
	Foreground = Profile{Interval: 10 * time.Second, MinMovement: 20}
	Background = Profile{Interval: 30 * time.Second, MinMovement: 50}
)

// Sampler wraps a platform location source. Samples must produce a fresh,
// lazy stream each call; the stream ends when ctx is cancelled, so tracking
// is restartable. Current is a one-shot independent of any stream.
type Sampler interface {
	Samples(ctx context.Context, profile Profile) (<-chan models.Position, error)
	Current(ctx context.Context) (models.Position, error)
}

// SimSampler is a Sampler that random-walks from a start coordinate. It backs
// the demo agent; real deployments inject a platform-specific Sampler.
type SimSampler struct {
	Start models.Coord
	StepM float64 // per-tick displacement, default 25m
}

func (s *SimSampler) Samples(ctx context.Context, profile Profile) (<-chan models.Position, error) {
	step := s.StepM
	if step <= 0 {
		step = 25
	}
	out := make(chan models.Position)
	go func() {
		defer close(out)
		cur := s.Start
		ticker := time.NewTicker(profile.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// ~1e-5 deg per meter near the equator; close enough for a sim.
				cur.Lat += (rand.Float64() - 0.5) * 2 * step * 1e-5
				cur.Lng += (rand.Float64() - 0.5) * 2 * step * 1e-5
				select {
				case out <- models.Position{Coord: cur, CapturedAt: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SimSampler) Current(_ context.Context) (models.Position, error) {
	return models.Position{Coord: s.Start, CapturedAt: time.Now()}, nil
}

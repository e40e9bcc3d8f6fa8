package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-relay/internal/models"
)

// Presence is the relay-side store of agent positions and availability.
type Presence interface {
	Upsert(ctx context.Context, p models.AgentPresence) error
	Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.AgentPresence, error)
}

// Index is an in-memory Presence for single-node and test use.
type Index struct {
	mu     sync.RWMutex
	agents map[string]models.AgentPresence
}

func NewIndex() *Index {
	return &Index{agents: make(map[string]models.AgentPresence)}
}

func (g *Index) Upsert(_ context.Context, p models.AgentPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.agents[p.AgentID] = p
	return nil
}

// Nearby scans all available agents sorted by distance. Fine at this scale;
// the redis store handles anything bigger.
func (g *Index) Nearby(_ context.Context, lat, lng float64, limit int) ([]models.AgentPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type scored struct {
		p    models.AgentPresence
		dist float64
	}
	arr := make([]scored, 0, len(g.agents))
	for _, p := range g.agents {
		if !p.Available {
			continue
		}
		arr = append(arr, scored{p, Haversine(lat, lng, p.Loc.Lat, p.Loc.Lng)})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]models.AgentPresence, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, arr[i].p)
	}
	return out, nil
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

package geo

import (
	"context"
	"testing"

	"github.com/example/ride-relay/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistances(t *testing.T) {
	// 0.0001 deg of longitude at the equator is ~11.1m.
	d := Haversine(0, 0, 0, 0.0001)
	if d < 10 || d > 12.5 {
		t.Fatalf("expected ~11m, got %f", d)
	}
	// 0.00005 deg is ~5.5m.
	d = Haversine(0, 0, 0, 0.00005)
	if d < 5 || d > 6.5 {
		t.Fatalf("expected ~5.5m, got %f", d)
	}
}

func TestIndexNearbySkipsUnavailable(t *testing.T) {
	idx := NewIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, models.AgentPresence{AgentID: "a", Loc: models.Coord{Lat: 0, Lng: 0}, Available: true})
	_ = idx.Upsert(ctx, models.AgentPresence{AgentID: "b", Loc: models.Coord{Lat: 0, Lng: 0.001}, Available: false})
	_ = idx.Upsert(ctx, models.AgentPresence{AgentID: "c", Loc: models.Coord{Lat: 0, Lng: 0.002}, Available: true})

	got, err := idx.Nearby(ctx, 0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 available agents, got %d", len(got))
	}
	if got[0].AgentID != "a" || got[1].AgentID != "c" {
		t.Fatalf("expected distance order a,c; got %s,%s", got[0].AgentID, got[1].AgentID)
	}
}

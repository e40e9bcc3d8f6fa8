package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Position is a single geolocation sample. The tracker keeps only the most
// recently accepted one as its throttling reference; no history is retained.
type Position struct {
	Coord
	CapturedAt time.Time `json:"captured_at"`
}

// DriverInfo is the public driver summary carried on an acceptance echo.
type DriverInfo struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Rating float64 `json:"rating"` // 0..5
}

// AgentPresence is the relay-side view of a tracked agent: its last accepted
// position and whether it is currently offering itself for rides.
type AgentPresence struct {
	AgentID   string    `json:"agent_id"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Rating    float64   `json:"rating,omitempty"`
	Updated   time.Time `json:"updated"`
}

package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-relay/internal/models"
)

const defaultNearbyRadiusM = 5000

// RedisPresence implements Presence on Redis GEO commands, with availability
// and rating kept in a per-agent hash.
type RedisPresence struct {
	client *redis.Client
	key    string
}

func NewRedisPresence(addr, password, key string) *RedisPresence {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPresence{client: c, key: key}
}

// NewRedisPresenceFromClient wraps an existing client, sharing a connection
// pool with other relay components.
func NewRedisPresenceFromClient(c *redis.Client, key string) *RedisPresence {
	return &RedisPresence{client: c, key: key}
}

func (r *RedisPresence) Upsert(ctx context.Context, p models.AgentPresence) error {
	_, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lng,
		Latitude:  p.Loc.Lat,
		Name:      p.AgentID,
	}).Result()
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.AgentID), map[string]interface{}{
		"available": strconv.FormatBool(p.Available),
		"rating":    strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisPresence) Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.AgentPresence, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius:    defaultNearbyRadiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.AgentPresence, 0, len(res))
	for _, g := range res {
		p := models.AgentPresence{
			AgentID: g.Name,
			Loc:     models.Coord{Lat: g.Latitude, Lng: g.Longitude},
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["available"]; ok {
				p.Available = v == "true"
			}
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					p.Rating = f
				}
			}
		}
		if !p.Available {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func metaKey(id string) string { return "agent:meta:" + id }

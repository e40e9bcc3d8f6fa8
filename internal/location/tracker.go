package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-relay/internal/models"
)

// ErrPermissionDenied is returned by Start when the platform location
// permission is missing. The tracker stays stopped; the UI collaborator
// decides what to tell the user.
var ErrPermissionDenied = errors.New("location: permission not granted")

// Sender is the outbound slice of the relay client the tracker needs.
type Sender interface {
	Send(event string, payload any) error
}

// PositionCache keeps the agent's last known position across tracking
// sessions, the device-local store analog.
type PositionCache interface {
	Store(p models.Position)
	Last() (models.Position, bool)
}

// MemoryCache is the default PositionCache.
type MemoryCache struct {
	mu      sync.Mutex
	last    models.Position
	hasLast bool
}

func (c *MemoryCache) Store(p models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last, c.hasLast = p, true
}

func (c *MemoryCache) Last() (models.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// PermissionFunc reports whether the agent holds a foreground location grant.
type PermissionFunc func(ctx context.Context) error

// GrantedPermission is the PermissionFunc for hosts that have already
// obtained the grant out of band.
func GrantedPermission(context.Context) error { return nil }

// Tracker owns the on/off tracking lifecycle: it starts the sample stream
// when the agent goes available, throttles it, and forwards accepted samples.
type Tracker struct {
	agentID  string
	sampler  Sampler
	sender   Sender
	throttle *Throttle
	cache    PositionCache
	perm     PermissionFunc
	profile  Profile
	log      *slog.Logger

	mu       sync.Mutex
	tracking bool
	cancel   context.CancelFunc
	done     chan struct{}
}

type TrackerConfig struct {
	AgentID  string
	Sampler  Sampler
	Sender   Sender
	Throttle *Throttle      // default: NewThrottle(DefaultMinDistanceM, 0)
	Cache    PositionCache  // default: MemoryCache
	Perm     PermissionFunc // default: GrantedPermission
	Profile  Profile        // default: Foreground
	Logger   *slog.Logger
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Throttle == nil {
		cfg.Throttle = NewThrottle(DefaultMinDistanceM, 0)
	}
	if cfg.Cache == nil {
		cfg.Cache = &MemoryCache{}
	}
	if cfg.Perm == nil {
		cfg.Perm = GrantedPermission
	}
	if cfg.Profile.Interval == 0 {
		cfg.Profile = Foreground
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		agentID:  cfg.AgentID,
		sampler:  cfg.Sampler,
		sender:   cfg.Sender,
		throttle: cfg.Throttle,
		cache:    cfg.Cache,
		perm:     cfg.Perm,
		profile:  cfg.Profile,
		log:      cfg.Logger,
	}
}

// Start flips the agent available and begins the sample stream. Starting an
// already-tracking tracker is a no-op.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracking {
		return nil
	}
	if err := t.perm(ctx); err != nil {
		return ErrPermissionDenied
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	samples, err := t.sampler.Samples(streamCtx, t.profile)
	if err != nil {
		cancel()
		return err
	}

	t.tracking = true
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done

	go func() {
		defer close(done)
		for p := range samples {
			t.handleSample(p)
		}
	}()

	t.log.Info("location tracking started", "agent_id", t.agentID,
		"interval", t.profile.Interval, "min_distance_m", t.throttle.MinDistance)
	return nil
}

func (t *Tracker) handleSample(p models.Position) {
	if !t.throttle.ShouldAccept(p) {
		return
	}
	t.cache.Store(p)
	_ = t.sender.Send(models.EventLocationUpdate, models.LocationUpdatePayload{
		AgentID:   t.agentID,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Available: true,
		Timestamp: p.CapturedAt.UnixMilli(),
	})
}

// Stop cancels the stream and flips availability. If a last position is
// known, one final update carries available=false so downstream consumers
// learn immediately that the agent went offline, stale position and all.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	t.tracking = false
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	cancel()
	<-done

	if last, ok := t.cache.Last(); ok {
		_ = t.sender.Send(models.EventLocationUpdate, models.LocationUpdatePayload{
			AgentID:   t.agentID,
			Lat:       last.Lat,
			Lng:       last.Lng,
			Available: false,
			Timestamp: last.CapturedAt.UnixMilli(),
		})
	}
	t.log.Info("location tracking stopped", "agent_id", t.agentID)
}

// Tracking reports whether the agent is currently available.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// CurrentPosition takes a one-shot sample for things like initial map
// centering. It does not touch the throttle's reference point.
func (t *Tracker) CurrentPosition(ctx context.Context) (models.Position, error) {
	return t.sampler.Current(ctx)
}

// LastKnown returns the most recently accepted position, if any.
func (t *Tracker) LastKnown() (models.Position, bool) {
	return t.cache.Last()
}

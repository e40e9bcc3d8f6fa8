// Package relay implements the agent side of the relay channel: a persistent
// bidirectional connection with bounded reconnection, room membership that
// survives transport swaps, and per-event handler registration.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-relay/internal/models"
)

// State is the client's view of the transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrConnectionExhausted is surfaced through the state callback once the
// reconnect budget is used up. The client stops retrying; a caller may start
// a fresh attempt with Connect.
var ErrConnectionExhausted = errors.New("relay: reconnect attempts exhausted")

// Handler receives the payload of a single inbound event. Handlers for a
// given event run one at a time in arrival order and must not block.
type Handler func(data json.RawMessage)

// Conn is one established transport. The production implementation wraps a
// websocket; tests substitute scripted fakes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type Config struct {
	URL           string
	MaxAttempts   int           // consecutive dial failures before giving up, default 5
	BaseDelay     time.Duration // first retry delay, default 1s, doubles per attempt
	MaxDelay      time.Duration // retry delay cap, default 5s
	Dialer        Dialer        // default: websocket dialer
	Logger        *slog.Logger
	OnStateChange func(State, error) // err is non-nil only for ErrConnectionExhausted
}

type registration struct {
	handler Handler
}

// Client owns the transport handle and the joined-room set exclusively.
// All sends and subscriptions go through its public surface.
type Client struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	rooms     map[string]struct{}
	handlers  map[string]*registration
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool

	wmu     sync.Mutex // serializes writes to the current conn
	dropped atomic.Uint64
}

func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebSocketDialer{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]*registration),
	}
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through the state callback. Calling Connect while the loop is
// already running is a no-op, so it doubles as the manual-retry entry point
// after exhaustion.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

func (c *Client) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			c.finish(nil)
			return
		}
		c.setState(StateConnecting, nil)

		conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			attempts++
			c.log.Warn("relay dial failed", "attempt", attempts, "error", err)
			if attempts >= c.cfg.MaxAttempts {
				c.finish(ErrConnectionExhausted)
				return
			}
			if !c.sleep(ctx, backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempts)) {
				c.finish(nil)
				return
			}
			continue
		}
		attempts = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected, nil)
		c.log.Info("relay connected", "url", c.cfg.URL)

		// Membership does not survive a transport swap; re-assert it on
		// every successful connection.
		c.rejoinRooms()

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.finish(nil)
			return
		}
		c.log.Warn("relay disconnected, reconnecting")
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.setState(StateDisconnected, err)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Client) readLoop(conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			c.log.Warn("relay: dropping malformed frame", "error", err)
			continue
		}
		c.mu.Lock()
		reg := c.handlers[env.Event]
		c.mu.Unlock()
		if reg == nil {
			c.log.Debug("relay: no handler for event", "event", env.Event)
			continue
		}
		reg.handler(env.Data)
	}
}

// Subscribe registers the handler for an event name, replacing any previous
// handler so re-registration can never double-invoke. The returned func
// removes the registration; it is a no-op if a later Subscribe replaced it.
func (c *Client) Subscribe(event string, h Handler) func() {
	reg := &registration{handler: h}
	c.mu.Lock()
	c.handlers[event] = reg
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handlers[event] == reg {
			delete(c.handlers, event)
		}
	}
}

// JoinRoom records membership and, when connected, asserts it immediately.
// The room is rejoined automatically after every reconnect.
func (c *Client) JoinRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		_ = c.Send(models.EventJoinRoom, models.JoinRoomPayload{RoomID: roomID})
	}
}

func (c *Client) rejoinRooms() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	for _, r := range rooms {
		_ = c.Send(models.EventJoinRoom, models.JoinRoomPayload{RoomID: r})
	}
}

// Send emits one event. Sends while not connected are dropped, not queued:
// status traffic is re-derivable and a fresher location sample supersedes a
// lost one. Drops are counted for observability.
func (c *Client) Send(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.dropped.Add(1)
		c.log.Debug("relay: dropping send while not connected", "event", event)
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		c.dropped.Add(1)
		c.log.Warn("relay: send failed", "event", event, "error", err)
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DroppedSends reports how many outbound events were discarded.
func (c *Client) DroppedSends() uint64 { return c.dropped.Load() }

// Close tears the client down. Rooms and handlers are kept so a later
// Connect restores them.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.cfg.OnStateChange
	c.mu.Unlock()
	if cb != nil && (changed || err != nil) {
		cb(s, err)
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-relay/internal/models"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(env)
	c.inbound <- data
}

func (c *fakeConn) writtenEvents(t *testing.T) []models.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Envelope, 0, len(c.written))
	for _, raw := range c.written {
		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, env)
	}
	return out
}

// scriptDialer serves one outcome per dial: a non-nil error fails the
// attempt, a nil entry hands out a fresh fakeConn. An exhausted script keeps
// failing.
type scriptDialer struct {
	mu      sync.Mutex
	script  []error
	calls   int
	conns   []*fakeConn
}

func (d *scriptDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	if idx >= len(d.script) || d.script[idx] != nil {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *scriptDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		t.Fatalf("no connection %d established (have %d)", i, len(d.conns))
	}
	return d.conns[i]
}

type stateEvent struct {
	state State
	err   error
}

func newTestClient(d Dialer) (*Client, chan stateEvent) {
	states := make(chan stateEvent, 64)
	c := New(Config{
		URL:       "ws://relay.test/ws",
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Dialer:    d,
		OnStateChange: func(s State, err error) {
			states <- stateEvent{state: s, err: err}
		},
	})
	return c, states
}

func waitFor(t *testing.T, states chan stateEvent, want State) stateEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-states:
			if ev.state == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestReconnectExhaustionStopsRetrying(t *testing.T) {
	d := &scriptDialer{} // every dial fails
	c, states := newTestClient(d)
	defer c.Close()

	c.Connect(context.Background())

	ev := waitFor(t, states, StateDisconnected)
	if !errors.Is(ev.err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", ev.err)
	}
	if got := d.callCount(); got != 5 {
		t.Fatalf("expected 5 dial attempts, got %d", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.callCount(); got != 5 {
		t.Fatalf("client kept retrying after exhaustion: %d attempts", got)
	}
}

func TestSuccessfulConnectResetsAttemptCounter(t *testing.T) {
	// Three failures, a success, then four more failures and a success:
	// only possible if the counter resets on connect.
	d := &scriptDialer{script: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), nil,
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"), nil,
	}}
	c, states := newTestClient(d)
	defer c.Close()

	c.Connect(context.Background())
	waitFor(t, states, StateConnected)

	d.conn(t, 0).Close() // drop the transport
	waitFor(t, states, StateConnected)

	if got := d.callCount(); got != 9 {
		t.Fatalf("expected 9 dial attempts, got %d", got)
	}
}

func TestRoomsRejoinedAfterReconnect(t *testing.T) {
	d := &scriptDialer{script: []error{nil, nil}}
	c, states := newTestClient(d)
	defer c.Close()

	c.Connect(context.Background())
	waitFor(t, states, StateConnected)

	c.JoinRoom("user_a1")
	c.JoinRoom("drivers")

	d.conn(t, 0).Close()
	waitFor(t, states, StateConnected)

	// The rejoin happens right after the state flips; give the loop a beat.
	want := map[string]bool{"user_a1": false, "drivers": false}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, env := range d.conn(t, 1).writtenEvents(t) {
			if env.Event != models.EventJoinRoom {
				continue
			}
			var p models.JoinRoomPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				t.Fatal(err)
			}
			want[p.RoomID] = true
		}
		if want["user_a1"] && want["drivers"] {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("rooms not rejoined on new transport: %v", want)
}

func TestSubscribeReplacesPreviousHandler(t *testing.T) {
	d := &scriptDialer{script: []error{nil}}
	c, states := newTestClient(d)
	defer c.Close()

	first := make(chan struct{}, 1)
	second := make(chan json.RawMessage, 1)
	c.Subscribe(models.EventRideStatusUpdate, func(json.RawMessage) { first <- struct{}{} })
	c.Subscribe(models.EventRideStatusUpdate, func(data json.RawMessage) { second <- data })

	c.Connect(context.Background())
	waitFor(t, states, StateConnected)

	d.conn(t, 0).push(t, models.EventRideStatusUpdate, models.RideStatusPayload{RideID: "r1", Status: "arrived"})

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler never invoked")
	}
	select {
	case <-first:
		t.Fatal("replaced handler still invoked")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := &scriptDialer{script: []error{nil}}
	c, states := newTestClient(d)
	defer c.Close()

	got := make(chan struct{}, 2)
	unsub := c.Subscribe(models.EventNewMessage, func(json.RawMessage) { got <- struct{}{} })

	c.Connect(context.Background())
	waitFor(t, states, StateConnected)

	conn := d.conn(t, 0)
	conn.push(t, models.EventNewMessage, models.ChatMessagePayload{RideID: "r1", Sender: "rider", Message: "hi"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("subscribed handler never invoked")
	}

	unsub()
	conn.push(t, models.EventNewMessage, models.ChatMessagePayload{RideID: "r1", Sender: "rider", Message: "again"})
	select {
	case <-got:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	c := New(Config{URL: "ws://relay.test/ws", Dialer: &scriptDialer{}})
	if err := c.Send(models.EventLocationUpdate, models.LocationUpdatePayload{AgentID: "d1"}); err != nil {
		t.Fatalf("fire-and-forget send must not error, got %v", err)
	}
	if got := c.DroppedSends(); got != 1 {
		t.Fatalf("expected 1 dropped send, got %d", got)
	}
}

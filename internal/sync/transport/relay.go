package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/larder/internal/model"
	"github.com/dukerupert/larder/internal/relay/wire"
)

const (
	relayDialRetries = 3
	relayDialBackoff = 250 * time.Millisecond
	relayHTTPTimeout = 10 * time.Second
)

// RelayTransport talks to a larder-relay server over websocket. Every device
// in the household connects to the same relay, which stores the room state
// and reflects each pushed change back to all connections, the pusher
// included. The same client also serves mesh mode, where the relay happens
// to run inside the host device.
type RelayTransport struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewRelayTransport(baseURL string, logger *slog.Logger) *RelayTransport {
	return &RelayTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: relayHTTPTimeout},
		logger:  logger.With("component", "relay-transport"),
	}
}

func (t *RelayTransport) RoomExists(ctx context.Context, code string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/rooms/"+code, nil)
	if err != nil {
		return false, fmt.Errorf("room lookup: %w", err)
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: room lookup returned status %d", ErrUnavailable, resp.StatusCode)
	}
}

// CreateOrGetRoom dials the relay with a short backoff, then performs the
// hello handshake for the room. The subscription is live as soon as the
// welcome arrives.
func (t *RelayTransport) CreateOrGetRoom(ctx context.Context, code string) (Room, error) {
	wsURL := websocketURL(t.baseURL) + "/ws"

	var conn *ws.Conn
	backoff := retry.WithMaxRetries(relayDialRetries, retry.NewFibonacci(relayDialBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, _, err := ws.Dial(ctx, wsURL, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", ErrUnavailable, err)
	}

	if err := wsjson.Write(ctx, conn, wire.Frame{Type: wire.TypeHello, RoomCode: code}); err != nil {
		conn.Close(ws.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("%w: hello: %v", ErrUnavailable, err)
	}
	var resp wire.Frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		conn.Close(ws.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("%w: hello: %v", ErrUnavailable, err)
	}
	switch resp.Type {
	case wire.TypeWelcome:
	case wire.TypeError:
		conn.Close(ws.StatusNormalClosure, "")
		if resp.ErrCode == wire.ErrCodeRoomNotFound {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: relay rejected hello: %s", ErrUnavailable, resp.ErrMsg)
	default:
		conn.Close(ws.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("%w: unexpected hello reply %q", ErrUnavailable, resp.Type)
	}

	r := &relayRoom{
		code:    code,
		conn:    conn,
		logger:  t.logger,
		events:  make(chan Event, eventBufferSize),
		replies: make(chan wire.Frame, 1),
		dead:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

type relayRoom struct {
	code    string
	conn    *ws.Conn
	logger  *slog.Logger
	events  chan Event
	replies chan wire.Frame
	dead    chan struct{}

	reqMu     sync.Mutex // one request/response in flight at a time
	closeOnce sync.Once
	closing   bool
	closeMu   sync.Mutex
}

func (r *relayRoom) Code() string { return r.code }

// readLoop is the only reader after the handshake. Event frames go to the
// subscription channel, everything else is a reply to the pending request.
func (r *relayRoom) readLoop() {
	defer close(r.events)
	defer close(r.dead)

	for {
		var f wire.Frame
		if err := wsjson.Read(context.Background(), r.conn, &f); err != nil {
			r.closeMu.Lock()
			closing := r.closing
			r.closeMu.Unlock()
			if !closing {
				r.logger.Warn("relay connection lost", "room", r.code, "error", err)
			}
			return
		}

		if f.Type == wire.TypeEvent {
			ev := Event{
				Collection: f.Collection,
				Key:        f.Key,
				Value:      f.Value,
				Tombstone:  f.Tombstone,
				Origin:     f.Origin,
			}
			select {
			case r.events <- ev:
			default:
				r.logger.Warn("event buffer full, dropping change", "key", f.Key)
			}
			continue
		}

		select {
		case r.replies <- f:
		default:
			// Reply nobody is waiting for anymore.
		}
	}
}

func (r *relayRoom) request(ctx context.Context, req wire.Frame, wantType string) (wire.Frame, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	// Drop a stale reply left behind by an abandoned request.
	select {
	case <-r.replies:
	default:
	}

	if err := wsjson.Write(ctx, r.conn, req); err != nil {
		return wire.Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	select {
	case f := <-r.replies:
		if f.Type == wire.TypeError {
			return wire.Frame{}, fmt.Errorf("%w: %s", ErrUnavailable, f.ErrMsg)
		}
		if f.Type != wantType {
			return wire.Frame{}, fmt.Errorf("%w: unexpected reply %q", ErrUnavailable, f.Type)
		}
		return f, nil
	case <-r.dead:
		return wire.Frame{}, fmt.Errorf("%w: connection closed", ErrUnavailable)
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (r *relayRoom) Snapshot(ctx context.Context) (Snapshot, error) {
	f, err := r.request(ctx, wire.Frame{Type: wire.TypeSnapshotGet}, wire.TypeSnapshot)
	if err != nil {
		return Snapshot{}, err
	}
	snap := NewSnapshot()
	for k, v := range f.Transactions {
		snap.Transactions[k] = v
	}
	for k, v := range f.Pantry {
		snap.Pantry[k] = v
	}
	return snap, nil
}

func (r *relayRoom) PutSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := r.request(ctx, wire.Frame{
		Type:         wire.TypeSnapshotPut,
		Transactions: snap.Transactions,
		Pantry:       snap.Pantry,
	}, wire.TypeOK)
	return err
}

func (r *relayRoom) Push(ctx context.Context, ev Event) error {
	return wsjson.Write(ctx, r.conn, wire.Frame{
		Type:       wire.TypeEvent,
		Collection: ev.Collection,
		Key:        ev.Key,
		Value:      ev.Value,
		Tombstone:  ev.Tombstone,
		Origin:     ev.Origin,
	})
}

func (r *relayRoom) Events() <-chan Event { return r.events }

func (r *relayRoom) RegisterPresence(ctx context.Context, m model.DeviceMembership) error {
	_, err := r.request(ctx, wire.Frame{Type: wire.TypePresenceRegister, Device: &m}, wire.TypeOK)
	return err
}

func (r *relayRoom) Heartbeat(ctx context.Context, deviceID string) error {
	return wsjson.Write(ctx, r.conn, wire.Frame{Type: wire.TypeHeartbeat, DeviceID: deviceID})
}

func (r *relayRoom) Members(ctx context.Context) ([]model.DeviceMembership, error) {
	f, err := r.request(ctx, wire.Frame{Type: wire.TypeMembersGet}, wire.TypeMembers)
	if err != nil {
		return nil, err
	}
	return f.Members, nil
}

func (r *relayRoom) RemovePresence(ctx context.Context, deviceID string) error {
	return wsjson.Write(ctx, r.conn, wire.Frame{Type: wire.TypePresenceRemove, DeviceID: deviceID})
}

func (r *relayRoom) Close() error {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closing = true
		r.closeMu.Unlock()
		r.conn.Close(ws.StatusNormalClosure, "leaving room")
	})
	return nil
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

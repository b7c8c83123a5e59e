package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/larder/internal/model"
)

const eventBufferSize = 64

// MemoryNetwork is an in-process transport backend. Every device handle
// opened against the same network shares room state, which makes it the
// reference implementation of the contract and the backbone of the engine
// tests: two engines on one MemoryNetwork behave like two devices behind a
// hosted backend, including write reflection back to the publisher.
type MemoryNetwork struct {
	mu      sync.Mutex
	rooms   map[string]*memoryRoomState
	offline bool
	pushErr error
}

type memoryRoomState struct {
	code    string
	data    Snapshot
	members map[string]model.DeviceMembership
	subs    map[*memoryRoom]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{rooms: make(map[string]*memoryRoomState)}
}

// SetOffline makes subsequent room operations fail with ErrUnavailable,
// simulating an unreachable backend.
func (n *MemoryNetwork) SetOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

// SetPushError forces Push to fail with the given error until reset with nil.
func (n *MemoryNetwork) SetPushError(err error) {
	n.mu.Lock()
	n.pushErr = err
	n.mu.Unlock()
}

func (n *MemoryNetwork) CreateOrGetRoom(ctx context.Context, code string) (Room, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.offline {
		return nil, ErrUnavailable
	}

	state, ok := n.rooms[code]
	if !ok {
		state = &memoryRoomState{
			code:    code,
			data:    NewSnapshot(),
			members: make(map[string]model.DeviceMembership),
			subs:    make(map[*memoryRoom]struct{}),
		}
		n.rooms[code] = state
	}

	r := &memoryRoom{
		net:    n,
		state:  state,
		events: make(chan Event, eventBufferSize),
	}
	state.subs[r] = struct{}{}
	return r, nil
}

func (n *MemoryNetwork) RoomExists(ctx context.Context, code string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.offline {
		return false, ErrUnavailable
	}
	_, ok := n.rooms[code]
	return ok, nil
}

type memoryRoom struct {
	net    *MemoryNetwork
	state  *memoryRoomState
	events chan Event
	closed bool
}

func (r *memoryRoom) Code() string { return r.state.code }

func (r *memoryRoom) Snapshot(ctx context.Context) (Snapshot, error) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.offline {
		return Snapshot{}, ErrUnavailable
	}
	return copySnapshot(r.state.data), nil
}

func (r *memoryRoom) PutSnapshot(ctx context.Context, snap Snapshot) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.offline {
		return ErrUnavailable
	}
	r.state.data = copySnapshot(snap)
	return nil
}

func (r *memoryRoom) Push(ctx context.Context, ev Event) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.offline {
		return ErrUnavailable
	}
	if r.net.pushErr != nil {
		return r.net.pushErr
	}

	// Update stored room state so later snapshot downloads include the
	// change, then reflect to every subscriber including the pusher.
	switch ev.Collection {
	case CollectionTransactions:
		if ev.Tombstone {
			delete(r.state.data.Transactions, ev.Key)
		} else {
			r.state.data.Transactions[ev.Key] = ev.Value
		}
	case CollectionPantry:
		if ev.Tombstone {
			delete(r.state.data.Pantry, ev.Key)
		} else {
			r.state.data.Pantry[ev.Key] = ev.Value
		}
	}

	for sub := range r.state.subs {
		select {
		case sub.events <- ev:
		default:
			// Subscriber buffer full — drop rather than block the network.
		}
	}
	return nil
}

func (r *memoryRoom) Events() <-chan Event { return r.events }

func (r *memoryRoom) RegisterPresence(ctx context.Context, m model.DeviceMembership) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.offline {
		return ErrUnavailable
	}
	r.state.members[m.DeviceID] = m
	return nil
}

func (r *memoryRoom) Heartbeat(ctx context.Context, deviceID string) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.offline {
		return ErrUnavailable
	}
	m, ok := r.state.members[deviceID]
	if !ok {
		return nil
	}
	m.LastSeen = time.Now().UTC()
	r.state.members[deviceID] = m
	return nil
}

func (r *memoryRoom) Members(ctx context.Context) ([]model.DeviceMembership, error) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.offline {
		return nil, ErrUnavailable
	}
	members := make([]model.DeviceMembership, 0, len(r.state.members))
	for _, m := range r.state.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].DeviceID < members[j].DeviceID })
	return members, nil
}

func (r *memoryRoom) RemovePresence(ctx context.Context, deviceID string) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	delete(r.state.members, deviceID)
	return nil
}

func (r *memoryRoom) Close() error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	delete(r.state.subs, r)
	close(r.events)
	return nil
}

func copySnapshot(snap Snapshot) Snapshot {
	out := NewSnapshot()
	for k, v := range snap.Transactions {
		out.Transactions[k] = v
	}
	for k, v := range snap.Pantry {
		out.Pantry[k] = v
	}
	return out
}

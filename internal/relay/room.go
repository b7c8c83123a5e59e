package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/larder/internal/model"
	"github.com/dukerupert/larder/internal/relay/wire"
	"github.com/dukerupert/larder/internal/sync/transport"
)

// room holds one household's shared state: the stored collections that back
// snapshot downloads, the presence roster, and the set of live connections.
// Rooms are kept for the lifetime of the server so a household survives all
// of its devices disconnecting.
type room struct {
	code   string
	logger *slog.Logger

	mu      sync.Mutex
	data    transport.Snapshot
	members map[string]model.DeviceMembership
	clients map[*client]struct{}
}

func newRoom(code string, logger *slog.Logger) *room {
	return &room{
		code:    code,
		logger:  logger,
		data:    transport.NewSnapshot(),
		members: make(map[string]model.DeviceMembership),
		clients: make(map[*client]struct{}),
	}
}

func (r *room) register(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

func (r *room) unregister(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
	r.mu.Unlock()
}

// applyEvent folds a pushed change into the stored collections, then fans it
// out to every connection in the room, the pusher's included. Reflecting the
// write back is what lets devices share one suppression policy across
// backends.
func (r *room) applyEvent(f wire.Frame) {
	r.mu.Lock()
	switch f.Collection {
	case transport.CollectionTransactions:
		if f.Tombstone {
			delete(r.data.Transactions, f.Key)
		} else {
			r.data.Transactions[f.Key] = f.Value
		}
	case transport.CollectionPantry:
		if f.Tombstone {
			delete(r.data.Pantry, f.Key)
		} else {
			r.data.Pantry[f.Key] = f.Value
		}
	}
	r.mu.Unlock()

	r.broadcast(f)
}

// broadcast sends a frame to all connected clients.
func (r *room) broadcast(f wire.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		r.logger.Error("marshal broadcast", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full — drop message to avoid blocking
		}
	}
}

func (r *room) snapshot() transport.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := transport.NewSnapshot()
	for k, v := range r.data.Transactions {
		out.Transactions[k] = v
	}
	for k, v := range r.data.Pantry {
		out.Pantry[k] = v
	}
	return out
}

func (r *room) setSnapshot(transactions, pantry map[string]json.RawMessage) {
	snap := transport.NewSnapshot()
	for k, v := range transactions {
		snap.Transactions[k] = v
	}
	for k, v := range pantry {
		snap.Pantry[k] = v
	}

	r.mu.Lock()
	r.data = snap
	r.mu.Unlock()
}

func (r *room) setMember(m model.DeviceMembership) {
	r.mu.Lock()
	r.members[m.DeviceID] = m
	r.mu.Unlock()
}

func (r *room) heartbeat(deviceID string) {
	r.mu.Lock()
	if m, ok := r.members[deviceID]; ok {
		m.LastSeen = time.Now().UTC()
		r.members[deviceID] = m
	}
	r.mu.Unlock()
}

func (r *room) removeMember(deviceID string) {
	r.mu.Lock()
	delete(r.members, deviceID)
	r.mu.Unlock()
}

func (r *room) memberList() []model.DeviceMembership {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]model.DeviceMembership, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].DeviceID < members[j].DeviceID })
	return members
}

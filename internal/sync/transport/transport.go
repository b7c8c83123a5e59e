// Package transport abstracts how change events move between household
// devices. Three implementations satisfy the same contract: an in-process
// network (tests), a hosted relay (star topology over a shared room
// resource), and a peer mesh (the host device relays for joining peers).
// The merge and echo-suppression logic upstream is transport-agnostic.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dukerupert/larder/internal/model"
)

// Collection names shared across every transport and the local store.
const (
	CollectionTransactions = "transactions"
	CollectionPantry       = "pantry"
)

var (
	// ErrRoomNotFound is returned when a join code resolves to no room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrUnavailable is returned when the transport backend cannot be reached.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrPublishFailed is returned when a single change could not be
	// broadcast. Local state remains correct; sync is best-effort.
	ErrPublishFailed = errors.New("publish failed")
)

// Event is the wire payload for one change: an upsert carries a value, a
// delete carries a tombstone. Origin is the publishing device's id.
type Event struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Tombstone  bool            `json:"tombstone,omitempty"`
	Origin     string          `json:"origin,omitempty"`
}

// Snapshot is the full current collection state exchanged on room join and
// manual resync, keyed the same way incremental events are.
type Snapshot struct {
	Transactions map[string]json.RawMessage `json:"transactions"`
	Pantry       map[string]json.RawMessage `json:"pantry"`
}

// NewSnapshot returns an empty snapshot with both collections allocated.
func NewSnapshot() Snapshot {
	return Snapshot{
		Transactions: make(map[string]json.RawMessage),
		Pantry:       make(map[string]json.RawMessage),
	}
}

// Transport resolves room codes to rooms.
type Transport interface {
	// CreateOrGetRoom opens the room for the given code, creating it if the
	// backend has no state for it yet. The returned Room carries a live
	// subscription: events pushed by any member after this call are
	// delivered on Events.
	CreateOrGetRoom(ctx context.Context, code string) (Room, error)

	// RoomExists reports whether the code resolves to an existing room.
	RoomExists(ctx context.Context, code string) (bool, error)
}

// Room is one device's handle on a shared household room.
type Room interface {
	Code() string

	// Snapshot downloads the room's full current state.
	Snapshot(ctx context.Context) (Snapshot, error)

	// PutSnapshot replaces the room's stored state, used by the creating
	// device to seed the room and by manual resync to upload the merged set.
	PutSnapshot(ctx context.Context, snap Snapshot) error

	// Push broadcasts one change to all current members. Backends backed by
	// shared storage reflect the change back to the pushing device too.
	Push(ctx context.Context, ev Event) error

	// Events is the subscription stream. The channel is buffered; it is
	// closed when the room handle is closed.
	Events() <-chan Event

	RegisterPresence(ctx context.Context, m model.DeviceMembership) error
	Heartbeat(ctx context.Context, deviceID string) error
	Members(ctx context.Context) ([]model.DeviceMembership, error)
	RemovePresence(ctx context.Context, deviceID string) error

	// Close cancels the subscription and releases the handle. Safe to call
	// more than once.
	Close() error
}

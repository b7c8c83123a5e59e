// Package wire defines the JSON frames spoken between a device and a relay,
// whether that relay is the hosted larder-relay server or a household host
// device in mesh mode. One frame type carries every message; unused fields
// are omitted on the wire.
package wire

import (
	"encoding/json"

	"github.com/dukerupert/larder/internal/model"
)

// Frame types. The client opens with Hello and the relay answers Welcome or
// Error. After that, request frames are answered in order on the same
// connection, and Event frames arrive at any time.
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeError   = "error"

	TypeEvent = "event"

	TypeSnapshotGet = "snapshotGet"
	TypeSnapshotPut = "snapshotPut"
	TypeSnapshot    = "snapshot"

	TypePresenceRegister = "presenceRegister"
	TypePresenceRemove   = "presenceRemove"
	TypeHeartbeat        = "heartbeat"
	TypeMembersGet       = "membersGet"
	TypeMembers          = "members"

	TypeOK = "ok"
)

// Error codes carried on TypeError frames.
const (
	ErrCodeRoomNotFound = "room_not_found"
	ErrCodeBadFrame     = "bad_frame"
)

// Frame is the single message envelope.
type Frame struct {
	Type string `json:"type"`

	// Hello.
	RoomCode string `json:"roomCode,omitempty"`

	// Error.
	ErrCode string `json:"errCode,omitempty"`
	ErrMsg  string `json:"errMsg,omitempty"`

	// Event and push payloads.
	Collection string          `json:"collection,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Tombstone  bool            `json:"tombstone,omitempty"`
	Origin     string          `json:"origin,omitempty"`

	// Snapshot payloads.
	Transactions map[string]json.RawMessage `json:"transactions,omitempty"`
	Pantry       map[string]json.RawMessage `json:"pantry,omitempty"`

	// Presence payloads.
	Device   *model.DeviceMembership  `json:"device,omitempty"`
	DeviceID string                   `json:"deviceId,omitempty"`
	Members  []model.DeviceMembership `json:"members,omitempty"`
}

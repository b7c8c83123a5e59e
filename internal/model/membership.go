package model

import "time"

// DeviceMembership is one device's entry in a household room. LastSeen is
// advisory liveness only; stale members are flagged, never evicted.
type DeviceMembership struct {
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name"`
	IsHost   bool      `json:"is_host"`
	LastSeen time.Time `json:"last_seen"`
}

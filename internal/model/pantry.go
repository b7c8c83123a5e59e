package model

import "time"

// PantryRecord is the current on-hand state for one item, keyed by item name
// (unique per household). OnHand is kept non-negative by clamping.
type PantryRecord struct {
	Item         string     `json:"item"`
	Unit         string     `json:"unit"`
	OnHand       float64    `json:"on_hand"`
	Threshold    float64    `json:"threshold"`
	NextBuy      bool       `json:"next_buy"`
	OldestExpire *time.Time `json:"oldest_expire,omitempty"`
	WastedTotal  float64    `json:"wasted_total"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

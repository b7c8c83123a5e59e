package model

import "time"

// ActionType classifies what a logged transaction did to household stock.
type ActionType string

const (
	ActionBuy   ActionType = "Buy"
	ActionUse   ActionType = "Use"
	ActionWaste ActionType = "Waste"
)

// Valid reports whether the action type is one of the known values.
func (a ActionType) Valid() bool {
	switch a {
	case ActionBuy, ActionUse, ActionWaste:
		return true
	}
	return false
}

// TransactionRecord is one logged inventory action. Records are immutable
// once created; the only mutation is an explicit delete, which must also
// reverse the record's effect on the pantry.
type TransactionRecord struct {
	ID             int64      `json:"id"`
	ActionType     ActionType `json:"action_type"`
	Item           string     `json:"item"`
	Category       string     `json:"category"`
	Unit           string     `json:"unit"`
	PlannedQty     float64    `json:"planned_qty"`
	BoughtQty      float64    `json:"bought_qty"`
	UsedQty        float64    `json:"used_qty"`
	WastedQty      float64    `json:"wasted_qty"`
	PricePerUnit   float64    `json:"price_per_unit"`
	TotalPrice     float64    `json:"total_price"`
	Threshold      float64    `json:"threshold"`
	PurchaseDate   *time.Time `json:"purchase_date,omitempty"`
	UsedDate       *time.Time `json:"used_date,omitempty"`
	DisposedDate   *time.Time `json:"disposed_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	WasteReason    string     `json:"waste_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

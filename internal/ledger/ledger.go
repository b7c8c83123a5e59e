// Package ledger implements the pantry-update procedure. Every mutation of a
// pantry record — whether it originates from local input or from a merged
// remote transaction — must go through this package so the pantry stays equal
// to the net of all non-deleted transactions affecting the item.
package ledger

import (
	"math"
	"time"

	"github.com/dukerupert/larder/internal/model"
)

// Apply folds one transaction into a pantry record and returns the updated
// record. Pass nil for items seen for the first time; a fresh record is
// seeded from the transaction.
func Apply(p *model.PantryRecord, t model.TransactionRecord) model.PantryRecord {
	rec := seed(p, t)

	switch t.ActionType {
	case model.ActionBuy:
		rec.OnHand += t.BoughtQty
		if t.Unit != "" {
			rec.Unit = t.Unit
		}
		if t.Threshold != 0 {
			rec.Threshold = t.Threshold
		}
		if t.ExpirationDate != nil && (rec.OldestExpire == nil || t.ExpirationDate.Before(*rec.OldestExpire)) {
			exp := *t.ExpirationDate
			rec.OldestExpire = &exp
		}
	case model.ActionUse:
		rec.OnHand -= t.UsedQty
	case model.ActionWaste:
		rec.OnHand -= t.WastedQty
		rec.WastedTotal += t.WastedQty
	}

	return finalize(rec)
}

// Reverse undoes the effect of a deleted transaction on a pantry record.
// The cumulative waste total never goes negative.
func Reverse(p model.PantryRecord, t model.TransactionRecord) model.PantryRecord {
	switch t.ActionType {
	case model.ActionBuy:
		p.OnHand -= t.BoughtQty
	case model.ActionUse:
		p.OnHand += t.UsedQty
	case model.ActionWaste:
		p.OnHand += t.WastedQty
		p.WastedTotal = math.Max(0, p.WastedTotal-t.WastedQty)
	}
	return finalize(p)
}

// Adjust sets the on-hand quantity directly (manual correction).
func Adjust(p model.PantryRecord, quantity float64) model.PantryRecord {
	p.OnHand = quantity
	return finalize(p)
}

func seed(p *model.PantryRecord, t model.TransactionRecord) model.PantryRecord {
	if p != nil {
		return *p
	}
	return model.PantryRecord{
		Item:      t.Item,
		Unit:      t.Unit,
		Threshold: t.Threshold,
	}
}

// finalize enforces the record invariants: quantities rounded to 3 decimals,
// on-hand clamped at zero, next-buy derived from the threshold. The record is
// stamped here so merged remote records and restored archives keep their own
// timestamps.
func finalize(p model.PantryRecord) model.PantryRecord {
	p.OnHand = math.Max(0, round3(p.OnHand))
	p.WastedTotal = round3(p.WastedTotal)
	p.NextBuy = p.Threshold > 0 && p.OnHand <= p.Threshold
	p.UpdatedAt = time.Now().UTC()
	return p
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

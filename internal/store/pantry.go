package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/larder/internal/model"
)

type PantryStore struct {
	db *sql.DB
}

func NewPantryStore(db *sql.DB) *PantryStore {
	return &PantryStore{db: db}
}

func scanPantry(scanner interface{ Scan(...any) error }) (*model.PantryRecord, error) {
	var p model.PantryRecord
	var oldestExpire sql.NullTime
	var nextBuy int

	err := scanner.Scan(
		&p.Item, &p.Unit, &p.OnHand, &p.Threshold, &nextBuy,
		&oldestExpire, &p.WastedTotal, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.NextBuy = nextBuy != 0
	if oldestExpire.Valid {
		p.OldestExpire = &oldestExpire.Time
	}
	return &p, nil
}

const pantryCols = `item, unit, on_hand, threshold, next_buy, oldest_expire, wasted_total, updated_at`

func (s *PantryStore) Get(item string) (*model.PantryRecord, error) {
	row := s.db.QueryRow(`SELECT `+pantryCols+` FROM pantry WHERE item = ?`, item)
	p, err := scanPantry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pantry record: %w", err)
	}
	return p, nil
}

// Put upserts a record keyed by item name, overwriting any existing row.
// Both the local mutation path and the remote merge path go through here.
func (s *PantryStore) Put(p model.PantryRecord) error {
	nextBuy := 0
	if p.NextBuy {
		nextBuy = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO pantry (item, unit, on_hand, threshold, next_buy, oldest_expire, wasted_total, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item) DO UPDATE SET
		   unit = excluded.unit,
		   on_hand = excluded.on_hand,
		   threshold = excluded.threshold,
		   next_buy = excluded.next_buy,
		   oldest_expire = excluded.oldest_expire,
		   wasted_total = excluded.wasted_total,
		   updated_at = excluded.updated_at`,
		p.Item, p.Unit, p.OnHand, p.Threshold, nextBuy,
		p.OldestExpire, p.WastedTotal, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put pantry record: %w", err)
	}
	return nil
}

func (s *PantryStore) List() ([]model.PantryRecord, error) {
	rows, err := s.db.Query(`SELECT ` + pantryCols + ` FROM pantry ORDER BY item ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pantry: %w", err)
	}
	defer rows.Close()

	var records []model.PantryRecord
	for rows.Next() {
		p, err := scanPantry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pantry record: %w", err)
		}
		records = append(records, *p)
	}
	return records, rows.Err()
}

func (s *PantryStore) Delete(item string) error {
	_, err := s.db.Exec(`DELETE FROM pantry WHERE item = ?`, item)
	if err != nil {
		return fmt.Errorf("delete pantry record: %w", err)
	}
	return nil
}

// Clear removes all pantry records. Used by backup import and full resync.
func (s *PantryStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM pantry`)
	if err != nil {
		return fmt.Errorf("clear pantry: %w", err)
	}
	return nil
}

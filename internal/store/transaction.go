package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/larder/internal/model"
)

type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.TransactionRecord, error) {
	var t model.TransactionRecord
	var purchaseDate, usedDate, disposedDate, expirationDate sql.NullTime

	err := scanner.Scan(
		&t.ID, &t.ActionType, &t.Item, &t.Category, &t.Unit,
		&t.PlannedQty, &t.BoughtQty, &t.UsedQty, &t.WastedQty,
		&t.PricePerUnit, &t.TotalPrice, &t.Threshold,
		&purchaseDate, &usedDate, &disposedDate, &expirationDate,
		&t.WasteReason, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if purchaseDate.Valid {
		t.PurchaseDate = &purchaseDate.Time
	}
	if usedDate.Valid {
		t.UsedDate = &usedDate.Time
	}
	if disposedDate.Valid {
		t.DisposedDate = &disposedDate.Time
	}
	if expirationDate.Valid {
		t.ExpirationDate = &expirationDate.Time
	}
	return &t, nil
}

const transactionCols = `id, action_type, item, category, unit, planned_qty, bought_qty, used_qty, wasted_qty, price_per_unit, total_price, threshold, purchase_date, used_date, disposed_date, expiration_date, waste_reason, created_at`

// Create inserts a record and auto-assigns its id.
func (s *TransactionStore) Create(t *model.TransactionRecord) (*model.TransactionRecord, error) {
	result, err := s.db.Exec(
		`INSERT INTO transactions (action_type, item, category, unit, planned_qty, bought_qty, used_qty, wasted_qty, price_per_unit, total_price, threshold, purchase_date, used_date, disposed_date, expiration_date, waste_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ActionType, t.Item, t.Category, t.Unit,
		t.PlannedQty, t.BoughtQty, t.UsedQty, t.WastedQty,
		t.PricePerUnit, t.TotalPrice, t.Threshold,
		t.PurchaseDate, t.UsedDate, t.DisposedDate, t.ExpirationDate,
		t.WasteReason,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

// Put upserts a record keyed by its id, overwriting any existing row. This is
// the merge path for records arriving from other devices, which bring their
// own ids.
func (s *TransactionStore) Put(t model.TransactionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO transactions (id, action_type, item, category, unit, planned_qty, bought_qty, used_qty, wasted_qty, price_per_unit, total_price, threshold, purchase_date, used_date, disposed_date, expiration_date, waste_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   action_type = excluded.action_type,
		   item = excluded.item,
		   category = excluded.category,
		   unit = excluded.unit,
		   planned_qty = excluded.planned_qty,
		   bought_qty = excluded.bought_qty,
		   used_qty = excluded.used_qty,
		   wasted_qty = excluded.wasted_qty,
		   price_per_unit = excluded.price_per_unit,
		   total_price = excluded.total_price,
		   threshold = excluded.threshold,
		   purchase_date = excluded.purchase_date,
		   used_date = excluded.used_date,
		   disposed_date = excluded.disposed_date,
		   expiration_date = excluded.expiration_date,
		   waste_reason = excluded.waste_reason,
		   created_at = excluded.created_at`,
		t.ID, t.ActionType, t.Item, t.Category, t.Unit,
		t.PlannedQty, t.BoughtQty, t.UsedQty, t.WastedQty,
		t.PricePerUnit, t.TotalPrice, t.Threshold,
		t.PurchaseDate, t.UsedDate, t.DisposedDate, t.ExpirationDate,
		t.WasteReason, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put transaction: %w", err)
	}
	return nil
}

func (s *TransactionStore) GetByID(id int64) (*model.TransactionRecord, error) {
	row := s.db.QueryRow(`SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *TransactionStore) List() ([]model.TransactionRecord, error) {
	rows, err := s.db.Query(`SELECT ` + transactionCols + ` FROM transactions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var records []model.TransactionRecord
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		records = append(records, *t)
	}
	return records, rows.Err()
}

func (s *TransactionStore) ListByItem(item string) ([]model.TransactionRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+transactionCols+` FROM transactions WHERE item = ? ORDER BY id ASC`, item,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions by item: %w", err)
	}
	defer rows.Close()

	var records []model.TransactionRecord
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		records = append(records, *t)
	}
	return records, rows.Err()
}

func (s *TransactionStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

// Clear removes all transactions. Used by backup import and full resync.
func (s *TransactionStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM transactions`)
	if err != nil {
		return fmt.Errorf("clear transactions: %w", err)
	}
	return nil
}

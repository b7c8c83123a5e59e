// Package inventory is the write path for household records. Every mutation
// of the transaction log or the pantry — local user input, incremental remote
// changes, and snapshot merges — goes through one Service so the pantry
// always equals the net of all non-deleted transactions plus manual
// adjustments.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/larder/internal/changebus"
	"github.com/dukerupert/larder/internal/ledger"
	"github.com/dukerupert/larder/internal/model"
	"github.com/dukerupert/larder/internal/store"
)

// Publisher broadcasts local mutations to the household. The sync engine
// implements it; publishing is best-effort and a failure never rolls back
// the local write.
type Publisher interface {
	PublishTransactionUpsert(ctx context.Context, t model.TransactionRecord) error
	PublishTransactionDelete(ctx context.Context, id int64) error
	PublishPantryUpsert(ctx context.Context, p model.PantryRecord) error
	PublishPantryDelete(ctx context.Context, item string) error
}

type Service struct {
	mu           sync.Mutex
	transactions *store.TransactionStore
	pantry       *store.PantryStore
	bus          *changebus.Bus
	publisher    Publisher
	logger       *slog.Logger
}

func New(ts *store.TransactionStore, ps *store.PantryStore, bus *changebus.Bus, logger *slog.Logger) *Service {
	return &Service{
		transactions: ts,
		pantry:       ps,
		bus:          bus,
		logger:       logger,
	}
}

// SetPublisher wires the sync engine in after construction. The service and
// the engine reference each other; the engine is built second.
func (s *Service) SetPublisher(p Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// --- Local input path ---

// AddTransaction validates and logs one action, folds it into the pantry,
// notifies the rendering layer, and broadcasts the new record.
func (s *Service) AddTransaction(ctx context.Context, t model.TransactionRecord) (*model.TransactionRecord, error) {
	if err := validate(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.transactions.Create(&t)
	if err != nil {
		return nil, err
	}

	if err := s.applyToPantry(*created); err != nil {
		return nil, err
	}

	s.bus.Notify(viewsFor(*created)...)

	if s.publisher != nil {
		if err := s.publisher.PublishTransactionUpsert(ctx, *created); err != nil {
			s.logger.Warn("broadcast failed, local record kept", "id", created.ID, "error", err)
		}
	}
	return created, nil
}

// DeleteTransaction removes a logged action, reverses its pantry effect, and
// broadcasts a tombstone so other devices do the same.
func (s *Service) DeleteTransaction(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.transactions.GetByID(id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	if err := s.transactions.Delete(id); err != nil {
		return err
	}
	if err := s.reverseFromPantry(*t); err != nil {
		return err
	}

	s.bus.Notify(viewsFor(*t)...)

	if s.publisher != nil {
		if err := s.publisher.PublishTransactionDelete(ctx, id); err != nil {
			s.logger.Warn("tombstone broadcast failed", "id", id, "error", err)
		}
	}
	return nil
}

// AdjustPantry sets an item's on-hand quantity directly.
func (s *Service) AdjustPantry(ctx context.Context, item string, quantity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pantry.Get(item)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pantry item %q not found", item)
	}

	adjusted := ledger.Adjust(*p, quantity)
	if err := s.pantry.Put(adjusted); err != nil {
		return err
	}

	s.bus.Notify(changebus.ViewDashboard, changebus.ViewPantry)

	if s.publisher != nil {
		if err := s.publisher.PublishPantryUpsert(ctx, adjusted); err != nil {
			s.logger.Warn("pantry broadcast failed", "item", item, "error", err)
		}
	}
	return nil
}

// RemovePantryItem deletes an item's pantry record. Transaction history for
// the item is kept.
func (s *Service) RemovePantryItem(ctx context.Context, item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pantry.Delete(item); err != nil {
		return err
	}

	s.bus.Notify(changebus.ViewDashboard, changebus.ViewPantry)

	if s.publisher != nil {
		if err := s.publisher.PublishPantryDelete(ctx, item); err != nil {
			s.logger.Warn("pantry tombstone broadcast failed", "item", item, "error", err)
		}
	}
	return nil
}

// --- Remote merge path (called by the sync engine; never republished) ---

// ApplyRemoteTransactionUpsert puts a remote record by id. The pantry
// procedure runs only when the id was not present locally, so re-delivery of
// the same change is idempotent. An id that already exists is overwritten
// without touching the pantry (documented last-write-wins).
func (s *Service) ApplyRemoteTransactionUpsert(t model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.transactions.GetByID(t.ID)
	if err != nil {
		return err
	}
	if err := s.transactions.Put(t); err != nil {
		return err
	}
	if existing == nil {
		if err := s.applyToPantry(t); err != nil {
			return err
		}
	}

	s.bus.Notify(viewsFor(t)...)
	return nil
}

// ApplyRemoteTransactionDelete removes a record by tombstone and reverses
// its pantry effect. Unknown ids are a no-op.
func (s *Service) ApplyRemoteTransactionDelete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.transactions.GetByID(id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	if err := s.transactions.Delete(id); err != nil {
		return err
	}
	if err := s.reverseFromPantry(*t); err != nil {
		return err
	}

	s.bus.Notify(viewsFor(*t)...)
	return nil
}

// ApplyRemotePantryUpsert overwrites a pantry record with the remote copy.
func (s *Service) ApplyRemotePantryUpsert(p model.PantryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pantry.Put(p); err != nil {
		return err
	}
	s.bus.Notify(changebus.ViewDashboard, changebus.ViewPantry)
	return nil
}

// ApplyRemotePantryDelete removes a pantry record by tombstone.
func (s *Service) ApplyRemotePantryDelete(item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pantry.Delete(item); err != nil {
		return err
	}
	s.bus.Notify(changebus.ViewDashboard, changebus.ViewPantry)
	return nil
}

// --- Snapshot merge path ---

// MergeTransaction blindly puts a snapshot record. The pantry is not touched:
// the snapshot carries its own pantry records, which arrive separately.
func (s *Service) MergeTransaction(t model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions.Put(t)
}

// MergePantry blindly puts a snapshot pantry record.
func (s *Service) MergePantry(p model.PantryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pantry.Put(p)
}

// ReplaceAll swaps the entire local dataset, used by archive import. The
// pantry records come from the archive as-is; the ledger is not re-run.
func (s *Service) ReplaceAll(transactions []model.TransactionRecord, pantry []model.PantryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transactions.Clear(); err != nil {
		return err
	}
	if err := s.pantry.Clear(); err != nil {
		return err
	}
	for _, t := range transactions {
		if err := s.transactions.Put(t); err != nil {
			return err
		}
	}
	for _, p := range pantry {
		if err := s.pantry.Put(p); err != nil {
			return err
		}
	}

	s.bus.Notify(changebus.AllViews...)
	return nil
}

// LocalData returns the full local dataset for snapshot upload and export.
func (s *Service) LocalData() ([]model.TransactionRecord, []model.PantryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transactions, err := s.transactions.List()
	if err != nil {
		return nil, nil, err
	}
	pantry, err := s.pantry.List()
	if err != nil {
		return nil, nil, err
	}
	return transactions, pantry, nil
}

// --- helpers ---

// applyToPantry runs the ledger procedure for one transaction. The read and
// the write happen under the service mutex so a concurrent remote update
// cannot be overwritten by a stale read.
func (s *Service) applyToPantry(t model.TransactionRecord) error {
	p, err := s.pantry.Get(t.Item)
	if err != nil {
		return err
	}
	return s.pantry.Put(ledger.Apply(p, t))
}

func (s *Service) reverseFromPantry(t model.TransactionRecord) error {
	p, err := s.pantry.Get(t.Item)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	return s.pantry.Put(ledger.Reverse(*p, t))
}

func validate(t model.TransactionRecord) error {
	if !t.ActionType.Valid() {
		return fmt.Errorf("unknown action type %q", t.ActionType)
	}
	if t.Item == "" {
		return fmt.Errorf("%s requires an item", t.ActionType)
	}
	switch t.ActionType {
	case model.ActionBuy:
		if t.PurchaseDate == nil || t.BoughtQty <= 0 {
			return fmt.Errorf("Buy requires a purchase date and bought quantity")
		}
	case model.ActionUse:
		if t.UsedQty <= 0 {
			return fmt.Errorf("Use requires a used quantity")
		}
	case model.ActionWaste:
		if t.WastedQty <= 0 {
			return fmt.Errorf("Waste requires a wasted quantity")
		}
	}
	return nil
}

func viewsFor(t model.TransactionRecord) []changebus.View {
	views := []changebus.View{changebus.ViewDashboard, changebus.ViewTransactionLog, changebus.ViewPantry}
	if t.ActionType == model.ActionWaste {
		views = append(views, changebus.ViewWasteLog)
	}
	return views
}

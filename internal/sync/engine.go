// Package sync owns household membership, the merge policy, echo
// suppression, and reconnect logic. It is the only component that decides
// whether an inbound change is applied, ignored, or treated as a bootstrap.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dukerupert/larder/internal/changebus"
	"github.com/dukerupert/larder/internal/identity"
	"github.com/dukerupert/larder/internal/inventory"
	"github.com/dukerupert/larder/internal/model"
	"github.com/dukerupert/larder/internal/store"
	"github.com/dukerupert/larder/internal/sync/transport"
)

// Status is the room connection state. Connecting exits to Connected only
// after the initial snapshot merge completes.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// connectTimeout bounds the Connecting phase; expiry forces a transition
// back to Disconnected with full teardown.
const connectTimeout = 10 * time.Second

// Engine coordinates one device's participation in a household room.
// Construct exactly one per process and pass it by reference; it is never
// looked up ambiently.
type Engine struct {
	transport     transport.Transport
	inv           *inventory.Service
	identity      *identity.Identity
	identityStore *store.IdentityStore
	bus           *changebus.Bus
	logger        *slog.Logger
	suppress      *suppressor

	mu            sync.Mutex
	status        Status
	room          transport.Room
	loopCancel    context.CancelFunc
	connectCancel context.CancelFunc
	connectGen    uint64
	wg            sync.WaitGroup
}

func New(tp transport.Transport, inv *inventory.Service, id *identity.Identity, is *store.IdentityStore, bus *changebus.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		transport:     tp,
		inv:           inv,
		identity:      id,
		identityStore: is,
		bus:           bus,
		logger:        logger,
		suppress:      newSuppressor(echoWindow),
		status:        StatusDisconnected,
	}
}

// Status returns the current connection state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RoomCode returns the active household code, or empty when disconnected.
func (e *Engine) RoomCode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.room == nil {
		return ""
	}
	return e.room.Code()
}

// CreateRoom generates a fresh household code, seeds the room with this
// device's complete dataset, and starts listening. The device becomes host.
func (e *Engine) CreateRoom(ctx context.Context, deviceName string) (string, error) {
	code, err := GenerateRoomCode()
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if err := e.connect(ctx, "create room", code, deviceName, true, true); err != nil {
		return "", err
	}
	return code, nil
}

// JoinRoom registers this device in an existing household, downloads and
// merges the room snapshot, then starts listening for incremental changes.
func (e *Engine) JoinRoom(ctx context.Context, code, deviceName string) error {
	if err := ValidateRoomCode(code); err != nil {
		return err
	}
	return e.connect(ctx, "join room", NormalizeRoomCode(code), deviceName, false, false)
}

// Reconnect restores a persisted household session at startup. A household
// that no longer exists clears the persisted membership.
func (e *Engine) Reconnect(ctx context.Context) error {
	if !e.identity.InHousehold() {
		return nil
	}
	err := e.connect(ctx, "reconnect", e.identity.HouseholdCode, e.identity.DeviceName, e.identity.IsHost, false)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			e.logger.Warn("household no longer exists, clearing membership", "code", e.identity.HouseholdCode)
			if cerr := e.identity.ClearMembership(e.identityStore); cerr != nil {
				e.logger.Error("clear membership", "error", cerr)
			}
		}
		return err
	}
	return nil
}

func (e *Engine) connect(ctx context.Context, op, code, deviceName string, isHost, seed bool) error {
	e.mu.Lock()
	if e.status != StatusDisconnected {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrAlreadyConnected)
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	e.status = StatusConnecting
	e.connectCancel = cancel
	e.connectGen++
	gen := e.connectGen
	e.mu.Unlock()
	defer cancel()

	if deviceName == "" {
		deviceName = e.identity.DeviceName
	}

	room, err := e.establish(cctx, code, deviceName, isHost, seed)

	e.mu.Lock()
	if gen == e.connectGen {
		e.connectCancel = nil
	}
	if err != nil {
		if gen == e.connectGen {
			e.status = StatusDisconnected
			e.suppress.reset()
		}
		e.mu.Unlock()
		return classifyConnectErr(op, err)
	}
	if e.status != StatusConnecting || gen != e.connectGen {
		// LeaveRoom raced the connect attempt; drop the half-open session
		// including the presence record it registered.
		e.mu.Unlock()
		room.RemovePresence(context.Background(), e.identity.DeviceID)
		room.Close()
		return fmt.Errorf("%s: %w", op, context.Canceled)
	}
	e.room = room
	e.startLoops(room)
	e.status = StatusConnected
	e.mu.Unlock()

	if err := e.identity.SaveMembership(e.identityStore, code, isHost); err != nil {
		e.logger.Error("persist membership", "error", err)
	}
	if !seed {
		e.bus.Notify(changebus.AllViews...)
	}
	e.logger.Info("household session established", "code", code, "host", isHost)
	return nil
}

// establish performs the connecting phase: resolve the room, register
// presence, then either seed it with local data (create) or download and
// merge its snapshot (join/reconnect). The subscription is live from
// CreateOrGetRoom on, so an incremental change that arrives while the
// snapshot is downloading is buffered and applied after the merge rather
// than lost to the race.
func (e *Engine) establish(ctx context.Context, code, deviceName string, isHost, seed bool) (transport.Room, error) {
	if !seed {
		exists, err := e.transport.RoomExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, transport.ErrRoomNotFound
		}
	}

	room, err := e.transport.CreateOrGetRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		room.RemovePresence(context.Background(), e.identity.DeviceID)
		room.Close()
	}

	if err := room.RegisterPresence(ctx, model.DeviceMembership{
		DeviceID: e.identity.DeviceID,
		Name:     deviceName,
		IsHost:   isHost,
		LastSeen: time.Now().UTC(),
	}); err != nil {
		cleanup()
		return nil, err
	}

	if seed {
		snap, err := e.localSnapshot()
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := room.PutSnapshot(ctx, snap); err != nil {
			cleanup()
			return nil, err
		}
	} else {
		snap, err := room.Snapshot(ctx)
		if err != nil {
			cleanup()
			return nil, err
		}
		e.mergeSnapshot(snap)
	}

	return room, nil
}

// LeaveRoom removes this device from the household, cancels subscriptions,
// and clears the persisted membership. Calling it while disconnected is a
// no-op; calling it while connecting cancels the attempt and still clears
// the membership, so an aborted reconnect does not re-join on next startup.
func (e *Engine) LeaveRoom(ctx context.Context) error {
	room, active := e.teardown()
	if !active {
		return nil
	}

	if room != nil {
		if err := room.RemovePresence(ctx, e.identity.DeviceID); err != nil {
			e.logger.Debug("remove presence", "error", err)
		}
		room.Close()
	}

	if e.identity.InHousehold() {
		if err := e.identity.ClearMembership(e.identityStore); err != nil {
			return fmt.Errorf("clear membership: %w", err)
		}
	}
	e.logger.Info("left household")
	return nil
}

// Shutdown closes the session but keeps the persisted membership and the
// presence record, so the device reconnects on next startup. Used at
// process exit.
func (e *Engine) Shutdown() {
	if room, _ := e.teardown(); room != nil {
		room.Close()
	}
}

// teardown cancels any in-flight connect, stops the loops, and returns the
// room handle to dispose. active is false when the engine was already
// disconnected; the room is nil when a connect attempt was cancelled before
// it produced one.
func (e *Engine) teardown() (transport.Room, bool) {
	e.mu.Lock()
	if e.connectCancel != nil {
		e.connectCancel()
	}
	if e.status == StatusDisconnected {
		e.mu.Unlock()
		return nil, false
	}
	room := e.room
	e.room = nil
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	e.status = StatusDisconnected
	e.suppress.reset()
	e.mu.Unlock()

	e.wg.Wait()
	return room, true
}

// RequestFullResync re-downloads the room snapshot, re-runs the merge, and
// uploads the merged dataset back, without leaving the household. Manual
// recovery for missed broadcasts.
func (e *Engine) RequestFullResync(ctx context.Context) error {
	e.mu.Lock()
	room := e.room
	e.mu.Unlock()
	if room == nil {
		return ErrNotConnected
	}

	snap, err := room.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("resync download: %w", err)
	}
	e.mergeSnapshot(snap)

	merged, err := e.localSnapshot()
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if err := room.PutSnapshot(ctx, merged); err != nil {
		return fmt.Errorf("resync upload: %w", err)
	}

	e.bus.Notify(changebus.AllViews...)
	return nil
}

// Members lists the household's devices, stale entries included.
func (e *Engine) Members(ctx context.Context) ([]model.DeviceMembership, error) {
	e.mu.Lock()
	room := e.room
	e.mu.Unlock()
	if room == nil {
		return nil, ErrNotConnected
	}
	return room.Members(ctx)
}

// --- Publish path (inventory.Publisher) ---

func (e *Engine) PublishTransactionUpsert(ctx context.Context, t model.TransactionRecord) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return e.publish(ctx, transport.Event{
		Collection: transport.CollectionTransactions,
		Key:        strconv.FormatInt(t.ID, 10),
		Value:      value,
	})
}

func (e *Engine) PublishTransactionDelete(ctx context.Context, id int64) error {
	return e.publish(ctx, transport.Event{
		Collection: transport.CollectionTransactions,
		Key:        strconv.FormatInt(id, 10),
		Tombstone:  true,
	})
}

func (e *Engine) PublishPantryUpsert(ctx context.Context, p model.PantryRecord) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pantry record: %w", err)
	}
	return e.publish(ctx, transport.Event{
		Collection: transport.CollectionPantry,
		Key:        p.Item,
		Value:      value,
	})
}

func (e *Engine) PublishPantryDelete(ctx context.Context, item string) error {
	return e.publish(ctx, transport.Event{
		Collection: transport.CollectionPantry,
		Key:        item,
		Tombstone:  true,
	})
}

// publish sends one change to the household. When no session is active this
// is a no-op: the local write already succeeded and sync is best-effort.
// The key is marked for echo suppression before the push so the backend
// reflecting the write back does not re-apply it here.
func (e *Engine) publish(ctx context.Context, ev transport.Event) error {
	e.mu.Lock()
	room := e.room
	e.mu.Unlock()
	if room == nil {
		return nil
	}

	ev.Origin = e.identity.DeviceID
	e.suppress.mark(suppressKey(ev.Collection, ev.Key))

	if err := room.Push(ctx, ev); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrPublishFailed, ev.Collection, ev.Key, err)
	}
	return nil
}

// --- Remote apply path ---

// applyRemoteChange applies one inbound event. An echo of this device's own
// write, identified by its origin and the per-key window, is skipped; a
// change from another device is applied even when it touches a key this
// device just published. A failure is isolated to that one change.
func (e *Engine) applyRemoteChange(ev transport.Event) {
	key := suppressKey(ev.Collection, ev.Key)
	if ev.Origin == e.identity.DeviceID && e.suppress.suppressed(key) {
		e.logger.Debug("suppressed own echo", "key", key)
		return
	}

	if err := e.applyEvent(ev); err != nil {
		e.logger.Error("apply remote change", "key", key, "tombstone", ev.Tombstone, "error", err)
	}
}

func (e *Engine) applyEvent(ev transport.Event) error {
	switch ev.Collection {
	case transport.CollectionTransactions:
		if ev.Tombstone {
			id, err := strconv.ParseInt(ev.Key, 10, 64)
			if err != nil {
				return fmt.Errorf("bad transaction key %q: %w", ev.Key, err)
			}
			return e.inv.ApplyRemoteTransactionDelete(id)
		}
		var t model.TransactionRecord
		if err := json.Unmarshal(ev.Value, &t); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		return e.inv.ApplyRemoteTransactionUpsert(t)

	case transport.CollectionPantry:
		if ev.Tombstone {
			return e.inv.ApplyRemotePantryDelete(ev.Key)
		}
		var p model.PantryRecord
		if err := json.Unmarshal(ev.Value, &p); err != nil {
			return fmt.Errorf("decode pantry record: %w", err)
		}
		return e.inv.ApplyRemotePantryUpsert(p)

	default:
		return fmt.Errorf("unknown collection %q", ev.Collection)
	}
}

// mergeSnapshot folds a downloaded snapshot into the local store with put
// semantics. A record that cannot be applied is logged and skipped; one bad
// record never aborts the rest of the merge.
func (e *Engine) mergeSnapshot(snap transport.Snapshot) {
	for key, raw := range snap.Transactions {
		var t model.TransactionRecord
		if err := json.Unmarshal(raw, &t); err != nil {
			e.logger.Warn("skipping unreadable snapshot transaction", "key", key, "error", err)
			continue
		}
		if err := e.inv.MergeTransaction(t); err != nil {
			e.logger.Warn("merge apply failed, skipping record", "key", key, "error", err)
		}
	}
	for key, raw := range snap.Pantry {
		var p model.PantryRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			e.logger.Warn("skipping unreadable snapshot pantry record", "key", key, "error", err)
			continue
		}
		if err := e.inv.MergePantry(p); err != nil {
			e.logger.Warn("merge apply failed, skipping record", "key", key, "error", err)
		}
	}
}

func (e *Engine) localSnapshot() (transport.Snapshot, error) {
	transactions, pantry, err := e.inv.LocalData()
	if err != nil {
		return transport.Snapshot{}, err
	}

	snap := transport.NewSnapshot()
	for _, t := range transactions {
		value, err := json.Marshal(t)
		if err != nil {
			return transport.Snapshot{}, fmt.Errorf("encode transaction %d: %w", t.ID, err)
		}
		snap.Transactions[strconv.FormatInt(t.ID, 10)] = value
	}
	for _, p := range pantry {
		value, err := json.Marshal(p)
		if err != nil {
			return transport.Snapshot{}, fmt.Errorf("encode pantry record %q: %w", p.Item, err)
		}
		snap.Pantry[p.Item] = value
	}
	return snap, nil
}

// --- Loops ---

// startLoops runs the dispatch and presence goroutines for a session.
// Caller holds e.mu.
func (e *Engine) startLoops(room transport.Room) {
	ctx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.dispatchLoop(ctx, room)
	}()
	go func() {
		defer e.wg.Done()
		e.presenceLoop(ctx, room)
	}()
}

// dispatchLoop is the single consumer of the room's event stream. All remote
// changes funnel through here, one at a time.
func (e *Engine) dispatchLoop(ctx context.Context, room transport.Room) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-room.Events():
			if !ok {
				return
			}
			e.applyRemoteChange(ev)
		}
	}
}

func suppressKey(collection, key string) string {
	return collection + "/" + key
}

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/larder/internal/changebus"
	"github.com/dukerupert/larder/internal/database"
	"github.com/dukerupert/larder/internal/identity"
	"github.com/dukerupert/larder/internal/inventory"
	"github.com/dukerupert/larder/internal/model"
	"github.com/dukerupert/larder/internal/store"
	"github.com/dukerupert/larder/internal/sync/transport"
)

type testDevice struct {
	eng *Engine
	inv *inventory.Service
	ts  *store.TransactionStore
	ps  *store.PantryStore
	is  *store.IdentityStore
	id  *identity.Identity
	bus *changebus.Bus
}

func newTestDevice(t *testing.T, tp transport.Transport) *testDevice {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	ts := store.NewTransactionStore(db)
	ps := store.NewPantryStore(db)
	is := store.NewIdentityStore(db)
	bus := changebus.New(logger)

	id, err := identity.Load(is)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}

	inv := inventory.New(ts, ps, bus, logger)
	eng := New(tp, inv, id, is, bus, logger)
	inv.SetPublisher(eng)

	t.Cleanup(func() { eng.LeaveRoom(context.Background()) })

	return &testDevice{eng: eng, inv: inv, ts: ts, ps: ps, is: is, id: id, bus: bus}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func mustBuy(t *testing.T, d *testDevice, item string, qty float64) *model.TransactionRecord {
	t.Helper()
	now := time.Now().UTC()
	rec, err := d.inv.AddTransaction(context.Background(), model.TransactionRecord{
		ActionType:   model.ActionBuy,
		Item:         item,
		BoughtQty:    qty,
		PurchaseDate: &now,
	})
	if err != nil {
		t.Fatalf("add buy transaction: %v", err)
	}
	return rec
}

func pantryOnHand(t *testing.T, d *testDevice, item string) float64 {
	t.Helper()
	p, err := d.ps.Get(item)
	if err != nil {
		t.Fatalf("get pantry: %v", err)
	}
	if p == nil {
		return -1
	}
	return p.OnHand
}

// A joining device receives the creator's full dataset via the room
// snapshot.
func TestJoinReceivesSnapshot(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	mustBuy(t, x, "Milk", 2)

	code, err := x.eng.CreateRoom(context.Background(), "Kitchen Tablet")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if got := x.eng.Status(); got != StatusConnected {
		t.Fatalf("creator status = %q, want connected", got)
	}

	if err := y.eng.JoinRoom(context.Background(), code, "Hall Phone"); err != nil {
		t.Fatalf("join room: %v", err)
	}
	if got := y.eng.Status(); got != StatusConnected {
		t.Fatalf("joiner status = %q, want connected", got)
	}

	if got := pantryOnHand(t, y, "Milk"); got != 2 {
		t.Errorf("joiner Milk on hand = %v, want 2", got)
	}
	txs, err := y.ts.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("joiner has %d transactions, want 1", len(txs))
	}
}

// A change published by one connected device reaches the other without a
// manual resync, running the same pantry procedure remotely.
func TestIncrementalChangePropagates(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	mustBuy(t, x, "Milk", 2)
	code, err := x.eng.CreateRoom(context.Background(), "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := y.eng.JoinRoom(context.Background(), code, ""); err != nil {
		t.Fatalf("join room: %v", err)
	}

	mustBuy(t, x, "Milk", 3)

	waitFor(t, "joiner to apply incremental buy", func() bool {
		return pantryOnHand(t, y, "Milk") == 5
	})
}

func TestJoinRoomNotFound(t *testing.T) {
	net := transport.NewMemoryNetwork()
	y := newTestDevice(t, net)

	err := y.eng.JoinRoom(context.Background(), "ZZZZZZ", "")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	if got := y.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected after failed join", got)
	}
	if y.id.InHousehold() {
		t.Error("failed join must not persist membership")
	}
}

func TestJoinRoomBadCode(t *testing.T) {
	net := transport.NewMemoryNetwork()
	y := newTestDevice(t, net)

	if err := y.eng.JoinRoom(context.Background(), "TOO", ""); err == nil {
		t.Fatal("expected error for short code")
	}
}

func TestCreateRoomTransportUnavailable(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	net.SetOffline(true)

	_, err := x.eng.CreateRoom(context.Background(), "")
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
	if got := x.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected after failed create", got)
	}
	if x.id.InHousehold() {
		t.Error("failed create must not persist membership")
	}
}

// blockingTransport parks CreateOrGetRoom until the context is done,
// standing in for a backend that accepts dials but never completes the
// connecting phase.
type blockingTransport struct{}

func (blockingTransport) RoomExists(ctx context.Context, code string) (bool, error) {
	return true, nil
}

func (blockingTransport) CreateOrGetRoom(ctx context.Context, code string) (transport.Room, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// The connecting phase is bounded: deadline expiry surfaces as
// ErrConnectionTimeout and the engine falls back to disconnected.
func TestConnectTimeout(t *testing.T) {
	x := newTestDevice(t, blockingTransport{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := x.eng.CreateRoom(ctx, "")
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("err = %v, want ErrConnectionTimeout", err)
	}
	if got := x.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected after timeout", got)
	}
	if x.id.InHousehold() {
		t.Error("timed-out create must not persist membership")
	}
}

// LeaveRoom while connecting aborts the attempt and clears the persisted
// membership, so an interrupted reconnect does not re-join on next start.
func TestLeaveRoomCancelsConnectAttempt(t *testing.T) {
	y := newTestDevice(t, blockingTransport{})

	if err := y.id.SaveMembership(y.is, "AB23CD", false); err != nil {
		t.Fatalf("save membership: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- y.eng.Reconnect(context.Background()) }()

	waitFor(t, "connecting state", func() bool { return y.eng.Status() == StatusConnecting })
	if err := y.eng.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave while connecting: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("reconnect err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled connect attempt did not return")
	}

	if got := y.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
	if y.id.InHousehold() {
		t.Error("leave during connect must clear membership")
	}
	if y.eng.RoomCode() != "" {
		t.Error("no room must be left open")
	}
}

// Re-delivery of the same remote upsert does not double-apply the pantry
// effect.
func TestIdempotentRemoteApply(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	rec := model.TransactionRecord{
		ID:         7,
		ActionType: model.ActionBuy,
		Item:       "Eggs",
		BoughtQty:  12,
		CreatedAt:  time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev := transport.Event{Collection: transport.CollectionTransactions, Key: "7", Value: value}

	x.eng.applyRemoteChange(ev)
	x.eng.applyRemoteChange(ev)

	if got := pantryOnHand(t, x, "Eggs"); got != 12 {
		t.Errorf("Eggs on hand = %v, want 12 after duplicate delivery", got)
	}
	txs, err := x.ts.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}
}

// Local and remote transactions interleave and the pantry nets out the same
// on every device.
func TestPantryInvariantAcrossOrigins(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	code, err := x.eng.CreateRoom(context.Background(), "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := y.eng.JoinRoom(context.Background(), code, ""); err != nil {
		t.Fatalf("join room: %v", err)
	}

	mustBuy(t, x, "Rice", 10)
	waitFor(t, "buy to reach joiner", func() bool { return pantryOnHand(t, y, "Rice") == 10 })

	if _, err := y.inv.AddTransaction(context.Background(), model.TransactionRecord{
		ActionType: model.ActionUse, Item: "Rice", UsedQty: 2,
	}); err != nil {
		t.Fatalf("use: %v", err)
	}
	waitFor(t, "use to reach creator", func() bool { return pantryOnHand(t, x, "Rice") == 8 })

	if _, err := x.inv.AddTransaction(context.Background(), model.TransactionRecord{
		ActionType: model.ActionWaste, Item: "Rice", WastedQty: 1.5,
	}); err != nil {
		t.Fatalf("waste: %v", err)
	}
	waitFor(t, "waste to reach joiner", func() bool { return pantryOnHand(t, y, "Rice") == 6.5 })

	// 10 - 2 - 1.5 on both sides.
	if got := pantryOnHand(t, x, "Rice"); got != 6.5 {
		t.Errorf("creator Rice on hand = %v, want 6.5", got)
	}
	py, err := y.ps.Get("Rice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if py.WastedTotal != 1.5 {
		t.Errorf("joiner wasted total = %v, want 1.5", py.WastedTotal)
	}
}

// The transport reflecting this device's own write back within the
// suppression window is skipped and emits no duplicate view refresh.
func TestEchoSuppression(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	if _, err := x.eng.CreateRoom(context.Background(), ""); err != nil {
		t.Fatalf("create room: %v", err)
	}

	sub := x.bus.Subscribe()
	defer x.bus.Unsubscribe(sub)

	mustBuy(t, x, "Milk", 2)

	// Give the reflected echo time to come back through the dispatch loop.
	time.Sleep(100 * time.Millisecond)

	var views []changebus.View
	for {
		select {
		case v := <-sub.Views():
			views = append(views, v)
			continue
		default:
		}
		break
	}
	// One local batch: dashboard, transactionLog, pantry. The echo must not
	// produce a second batch.
	if len(views) != 3 {
		t.Errorf("got %d view refreshes, want 3 (echo must be suppressed): %v", len(views), views)
	}

	txs, err := x.ts.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction after echo, got %d", len(txs))
	}
	if got := pantryOnHand(t, x, "Milk"); got != 2 {
		t.Errorf("Milk on hand = %v, want 2 (echo must not re-apply)", got)
	}
}

// An echo of this device's own write arriving after the window expires is
// applied; only the freshly published window suppresses it.
func TestEchoSuppressionWindowExpires(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	rec := model.PantryRecord{Item: "Milk", OnHand: 9}
	value, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev := transport.Event{
		Collection: transport.CollectionPantry,
		Key:        "Milk",
		Value:      value,
		Origin:     x.id.DeviceID,
	}

	x.eng.suppress.mark(suppressKey(ev.Collection, ev.Key))

	// Inside the window: skipped.
	x.eng.applyRemoteChange(ev)
	if got := pantryOnHand(t, x, "Milk"); got != -1 {
		t.Fatalf("change inside window was applied, on hand = %v", got)
	}

	// After the window: applied.
	x.eng.suppress.now = func() time.Time { return time.Now().Add(time.Second) }
	x.eng.applyRemoteChange(ev)
	if got := pantryOnHand(t, x, "Milk"); got != 9 {
		t.Errorf("on hand = %v, want 9 after window expiry", got)
	}
}

// A change to a just-published key that carries another device's origin is
// genuine and applies even inside the suppression window.
func TestSameKeyChangeFromOtherDeviceApplies(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	value, err := json.Marshal(model.PantryRecord{Item: "Milk", OnHand: 4})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	x.eng.suppress.mark(suppressKey(transport.CollectionPantry, "Milk"))
	x.eng.applyRemoteChange(transport.Event{
		Collection: transport.CollectionPantry,
		Key:        "Milk",
		Value:      value,
		Origin:     "device-elsewhere",
	})

	if got := pantryOnHand(t, x, "Milk"); got != 4 {
		t.Errorf("on hand = %v, want 4 (other device's change must apply)", got)
	}
}

// snapshotHookRoom lets a test inject traffic between the snapshot download
// and the merge, reproducing the join race.
type snapshotHookTransport struct {
	transport.Transport
	hook func()
}

func (tp *snapshotHookTransport) CreateOrGetRoom(ctx context.Context, code string) (transport.Room, error) {
	room, err := tp.Transport.CreateOrGetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	return &snapshotHookRoom{Room: room, tp: tp}, nil
}

type snapshotHookRoom struct {
	transport.Room
	tp *snapshotHookTransport
}

func (r *snapshotHookRoom) Snapshot(ctx context.Context) (transport.Snapshot, error) {
	snap, err := r.Room.Snapshot(ctx)
	if err == nil && r.tp.hook != nil {
		hook := r.tp.hook
		r.tp.hook = nil
		hook()
	}
	return snap, err
}

// An incremental change arriving concurrently with the snapshot download is
// not lost to the race.
func TestSnapshotJoinDoesNotLoseConcurrentChange(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	mustBuy(t, x, "Milk", 2)
	code, err := x.eng.CreateRoom(context.Background(), "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	hooked := &snapshotHookTransport{Transport: net}
	hooked.hook = func() {
		// Published after the joiner captured its snapshot but before the
		// merge ran; it lands in the joiner's subscription buffer.
		mustBuy(t, x, "Bread", 1)
	}
	y := newTestDevice(t, hooked)

	if err := y.eng.JoinRoom(context.Background(), code, ""); err != nil {
		t.Fatalf("join room: %v", err)
	}

	waitFor(t, "concurrent change to surface after merge", func() bool {
		return pantryOnHand(t, y, "Bread") == 1
	})
	if got := pantryOnHand(t, y, "Milk"); got != 2 {
		t.Errorf("Milk on hand = %v, want 2 from snapshot", got)
	}
}

// A broadcast tombstone removes the record everywhere and reverses its
// pantry effect.
func TestDeletePropagatesAndReversesPantry(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	rec := mustBuy(t, x, "Milk", 5)
	code, err := x.eng.CreateRoom(context.Background(), "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := y.eng.JoinRoom(context.Background(), code, ""); err != nil {
		t.Fatalf("join room: %v", err)
	}
	if got := pantryOnHand(t, y, "Milk"); got != 5 {
		t.Fatalf("joiner Milk on hand = %v, want 5", got)
	}

	if err := y.inv.DeleteTransaction(context.Background(), rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	waitFor(t, "tombstone to reach creator", func() bool {
		got, err := x.ts.GetByID(rec.ID)
		return err == nil && got == nil
	})
	if got := pantryOnHand(t, x, "Milk"); got != 0 {
		t.Errorf("creator Milk on hand = %v, want 0 after reversal", got)
	}
}

// Concurrent adjustments to the same key converge to whichever write was
// applied last, not a merge of both.
func TestLastWriteWinsOnSameKey(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	seven, _ := json.Marshal(model.PantryRecord{Item: "Milk", OnHand: 7})
	three, _ := json.Marshal(model.PantryRecord{Item: "Milk", OnHand: 3})

	x.eng.applyRemoteChange(transport.Event{Collection: transport.CollectionPantry, Key: "Milk", Value: seven})
	x.eng.applyRemoteChange(transport.Event{Collection: transport.CollectionPantry, Key: "Milk", Value: three})

	if got := pantryOnHand(t, x, "Milk"); got != 3 {
		t.Errorf("on hand = %v, want 3 (last write wins)", got)
	}
}

func TestLeaveRoom(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	// Safe while disconnected.
	if err := x.eng.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave while disconnected: %v", err)
	}

	if _, err := x.eng.CreateRoom(context.Background(), ""); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !x.id.InHousehold() {
		t.Fatal("expected persisted membership after create")
	}

	if err := x.eng.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := x.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
	if x.id.InHousehold() {
		t.Error("membership must be cleared on leave")
	}

	// Reentrant.
	if err := x.eng.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave again: %v", err)
	}
}

// seedPauseTransport pauses right after the seed snapshot upload so a test
// can interleave LeaveRoom with a connect that is about to succeed.
type seedPauseTransport struct {
	transport.Transport
	entered chan struct{}
	release chan struct{}
	code    string
}

func (tp *seedPauseTransport) CreateOrGetRoom(ctx context.Context, code string) (transport.Room, error) {
	tp.code = code
	room, err := tp.Transport.CreateOrGetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	return &seedPauseRoom{Room: room, tp: tp}, nil
}

type seedPauseRoom struct {
	transport.Room
	tp *seedPauseTransport
}

func (r *seedPauseRoom) PutSnapshot(ctx context.Context, snap transport.Snapshot) error {
	err := r.Room.PutSnapshot(ctx, snap)
	if r.tp.entered != nil {
		close(r.tp.entered)
		r.tp.entered = nil
		<-r.tp.release
	}
	return err
}

// A leave that races a connect on the verge of success drops the half-open
// session, including the presence record it registered.
func TestLeaveRoomDuringConnectRemovesPresence(t *testing.T) {
	net := transport.NewMemoryNetwork()
	tp := &seedPauseTransport{
		Transport: net,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	x := newTestDevice(t, tp)

	errc := make(chan error, 1)
	go func() {
		_, err := x.eng.CreateRoom(context.Background(), "")
		errc <- err
	}()

	select {
	case <-tp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never reached the seed upload")
	}
	if err := x.eng.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	close(tp.release)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("raced connect must not report success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raced connect did not return")
	}
	if got := x.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}

	room, err := net.CreateOrGetRoom(context.Background(), tp.code)
	if err != nil {
		t.Fatalf("reopen room: %v", err)
	}
	members, err := room.Members(context.Background())
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected no members after abandoned connect, got %d", len(members))
	}
}

func TestReconnectRestoresSession(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	mustBuy(t, x, "Milk", 2)
	code, err := x.eng.CreateRoom(context.Background(), "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := y.eng.JoinRoom(context.Background(), code, ""); err != nil {
		t.Fatalf("join room: %v", err)
	}

	// Simulate restart: tear down the session but keep persisted identity.
	if err := y.eng.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := y.id.SaveMembership(y.is, code, false); err != nil {
		t.Fatalf("restore membership: %v", err)
	}

	mustBuy(t, x, "Milk", 1)

	if err := y.eng.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := y.eng.Status(); got != StatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}
	// The reconnect snapshot merge brings the missed change in.
	waitFor(t, "missed change after reconnect", func() bool {
		return pantryOnHand(t, y, "Milk") == 3
	})
}

func TestReconnectMissingRoomClearsMembership(t *testing.T) {
	net := transport.NewMemoryNetwork()
	y := newTestDevice(t, net)

	if err := y.id.SaveMembership(y.is, "GONE42", false); err != nil {
		t.Fatalf("save membership: %v", err)
	}

	err := y.eng.Reconnect(context.Background())
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	if y.id.InHousehold() {
		t.Error("membership should be cleared when the household is gone")
	}
}

func TestReconnectWithoutMembershipIsNoop(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	if err := x.eng.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect without membership: %v", err)
	}
	if got := x.eng.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
}

// A failed broadcast leaves local state correct; a manual resync repairs
// the household.
func TestPublishFailedThenManualResync(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	code, err := x.eng.CreateRoom(context.Background(), "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := y.eng.JoinRoom(context.Background(), code, ""); err != nil {
		t.Fatalf("join room: %v", err)
	}

	net.SetPushError(errors.New("backend hiccup"))
	mustBuy(t, x, "Milk", 2)
	net.SetPushError(nil)

	// Local write survived the failed broadcast.
	if got := pantryOnHand(t, x, "Milk"); got != 2 {
		t.Fatalf("local Milk on hand = %v, want 2", got)
	}
	if got := pantryOnHand(t, y, "Milk"); got != -1 {
		t.Fatalf("joiner should not have Milk yet, on hand = %v", got)
	}

	// Creator uploads the union, joiner downloads it.
	if err := x.eng.RequestFullResync(context.Background()); err != nil {
		t.Fatalf("creator resync: %v", err)
	}
	if err := y.eng.RequestFullResync(context.Background()); err != nil {
		t.Fatalf("joiner resync: %v", err)
	}

	if got := pantryOnHand(t, y, "Milk"); got != 2 {
		t.Errorf("joiner Milk on hand = %v, want 2 after resync", got)
	}
}

func TestResyncRequiresConnection(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	if err := x.eng.RequestFullResync(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestPublishWhileDisconnectedIsNoop(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	// Offline mutations stay local and do not error.
	mustBuy(t, x, "Milk", 2)
	if got := pantryOnHand(t, x, "Milk"); got != 2 {
		t.Errorf("Milk on hand = %v, want 2", got)
	}
}

func TestMembersAndStaleness(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)
	y := newTestDevice(t, net)

	code, err := x.eng.CreateRoom(context.Background(), "Kitchen Tablet")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := y.eng.JoinRoom(context.Background(), code, "Hall Phone"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	members, err := x.eng.Members(context.Background())
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	hosts := 0
	for _, m := range members {
		if m.IsHost {
			hosts++
		}
		if IsStale(m, time.Now().UTC()) {
			t.Errorf("member %s stale immediately after join", m.DeviceID)
		}
	}
	if hosts != 1 {
		t.Errorf("expected exactly 1 host, got %d", hosts)
	}

	stale := model.DeviceMembership{LastSeen: time.Now().Add(-3 * heartbeatInterval)}
	if !IsStale(stale, time.Now()) {
		t.Error("expected member to be stale after missed heartbeats")
	}
}

func TestCreateWhileConnectedFails(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	if _, err := x.eng.CreateRoom(context.Background(), ""); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := x.eng.CreateRoom(context.Background(), ""); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

// A bad record in a merge is skipped without aborting the rest.
func TestMergeSkipsBadRecords(t *testing.T) {
	net := transport.NewMemoryNetwork()
	x := newTestDevice(t, net)

	good, _ := json.Marshal(model.PantryRecord{Item: "Milk", OnHand: 2})
	snap := transport.NewSnapshot()
	snap.Pantry["Milk"] = good
	snap.Pantry["Broken"] = json.RawMessage(`{not json`)
	snap.Transactions["x"] = json.RawMessage(`"also wrong"`)

	x.eng.mergeSnapshot(snap)

	if got := pantryOnHand(t, x, "Milk"); got != 2 {
		t.Errorf("Milk on hand = %v, want 2 despite bad sibling records", got)
	}
}

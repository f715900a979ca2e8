package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/models"
)

func orderInput(fiat string) models.OrderInput {
	return models.OrderInput{
		Side:          models.SideSell,
		AmountFiat:    fiat,
		QuoteAsset:    "usdt",
		PricePerQuote: "280.50",
		PaymentMethod: models.PaymentJazzCash,
	}
}

func newTestRoom(t *testing.T, store Store, buffer int) (*Hub, *Room) {
	t.Helper()
	hub := NewHub(store, nil, nil, buffer)
	t.Cleanup(hub.Close)
	r, err := hub.Room(context.Background(), "lobby")
	require.NoError(t, err)
	return hub, r
}

func next(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "client %s channel closed", c.ID)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s: no event", c.ID)
	}
	return Event{}
}

func connect(t *testing.T, r *Room) *Client {
	t.Helper()
	c, err := r.Connect(context.Background())
	require.NoError(t, err)
	ev := next(t, c)
	require.Equal(t, EventSnapshot, ev.Type)
	return c
}

func TestRoom_SubmitOrderBroadcastsToSubmitter(t *testing.T) {
	_, r := newTestRoom(t, NewMemoryStore(), 16)
	c := connect(t, r)

	o, err := r.SubmitOrder(context.Background(), "alice", orderInput("28050.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "28050", o.AmountFiat)
	assert.Equal(t, "280.5", o.PricePerQuote)
	assert.Equal(t, "USDT", o.QuoteAsset)
	assert.Equal(t, "alice", o.CreatedBy)
	assert.False(t, o.CreatedAt.IsZero())

	ev := next(t, c)
	assert.Equal(t, EventOrderNew, ev.Type)
	assert.Equal(t, o, ev.Data)
	assert.Equal(t, "alice", ev.SenderID)
}

func TestRoom_SnapshotCompleteness(t *testing.T) {
	_, r := newTestRoom(t, NewMemoryStore(), 16)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		o, err := r.SubmitOrder(ctx, "alice", orderInput(fmt.Sprintf("%d000", i+1)))
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	price := "300"
	patched, err := r.PatchOrder(ctx, ids[1], models.OrderPatch{PricePerQuote: &price})
	require.NoError(t, err)
	require.NoError(t, r.DeleteOrder(ctx, ids[3]))

	c, err := r.Connect(ctx)
	require.NoError(t, err)
	ev := next(t, c)
	require.Equal(t, EventSnapshot, ev.Type)
	snap, ok := ev.Data.(models.RoomSnapshot)
	require.True(t, ok)

	got := make([]string, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		got = append(got, o.ID)
	}
	assert.Equal(t, []string{ids[4], ids[2], ids[1], ids[0]}, got)
	assert.Equal(t, patched, snap.Orders[2])
	assert.Equal(t, "300", snap.Orders[2].PricePerQuote)

	// nothing else is queued: the snapshot replaces the history
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
	assert.Equal(t, snap.Orders, r.Orders())
}

func TestRoom_ObserversSeeSameOrder(t *testing.T) {
	const observers, submissions = 5, 60
	_, r := newTestRoom(t, NewMemoryStore(), submissions+1)
	ctx := context.Background()

	clients := make([]*Client, observers)
	for i := range clients {
		clients[i] = connect(t, r)
	}

	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			by := fmt.Sprintf("user-%d", i)
			if _, err := r.SubmitOrder(ctx, by, orderInput("1000")); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	sequences := make([][]string, observers)
	for i, c := range clients {
		for j := 0; j < submissions; j++ {
			ev := next(t, c)
			require.Equal(t, EventOrderNew, ev.Type)
			sequences[i] = append(sequences[i], ev.Data.(models.Order).ID)
		}
	}
	for i := 1; i < observers; i++ {
		assert.Equal(t, sequences[0], sequences[i], "observer %d", i)
	}

	// the list is newest first, so it is the broadcast order reversed
	orders := r.Orders()
	require.Len(t, orders, submissions)
	for i, o := range orders {
		assert.Equal(t, sequences[0][submissions-1-i], o.ID)
	}
}

func TestRoom_SlowClientIsEvicted(t *testing.T) {
	_, r := newTestRoom(t, NewMemoryStore(), 4)
	ctx := context.Background()

	slow, err := r.Connect(ctx)
	require.NoError(t, err)
	fast := connect(t, r)

	for i := 0; i < 4; i++ {
		_, err := r.SubmitOrder(ctx, "alice", orderInput("1000"))
		require.NoError(t, err)
		assert.Equal(t, EventOrderNew, next(t, fast).Type)
	}

	// snapshot plus three orders filled the buffer; the fourth evicted it
	var received []string
	for ev := range slow.Events() {
		received = append(received, ev.Type)
	}
	assert.Equal(t, []string{EventSnapshot, EventOrderNew, EventOrderNew, EventOrderNew}, received)

	_, err = r.SubmitOrder(ctx, "alice", orderInput("1000"))
	require.NoError(t, err)
	assert.Equal(t, EventOrderNew, next(t, fast).Type)
	assert.Len(t, r.Orders(), 5)
}

func TestRoom_PatchAndDelete(t *testing.T) {
	_, r := newTestRoom(t, NewMemoryStore(), 16)
	ctx := context.Background()
	o, err := r.SubmitOrder(ctx, "alice", orderInput("1000"))
	require.NoError(t, err)
	c := connect(t, r)

	lo, hi := "10", "5"
	tests := []struct {
		name    string
		id      string
		patch   models.OrderPatch
		wantErr error
	}{
		{"UnknownOrder", "missing", models.OrderPatch{}, apperr.ErrNotFound},
		{"InvertedBounds", o.ID, models.OrderPatch{MinQuoteAmount: &lo, MaxQuoteAmount: &hi}, apperr.ErrRangeViolation},
		{"BadAmount", o.ID, models.OrderPatch{AmountFiat: &lo, PricePerQuote: new(string)}, apperr.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.PatchOrder(ctx, tt.id, tt.patch)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	hi = "50"
	updated, err := r.PatchOrder(ctx, o.ID, models.OrderPatch{MinQuoteAmount: &lo, MaxQuoteAmount: &hi})
	require.NoError(t, err)
	assert.Equal(t, "10", updated.MinQuoteAmount)
	assert.Equal(t, "50", updated.MaxQuoteAmount)
	assert.Equal(t, o.CreatedAt, updated.CreatedAt)
	ev := next(t, c)
	assert.Equal(t, EventOrderUpdated, ev.Type)
	assert.Equal(t, updated, ev.Data)

	none := ""
	updated, err = r.PatchOrder(ctx, o.ID, models.OrderPatch{MaxQuoteAmount: &none})
	require.NoError(t, err)
	assert.Empty(t, updated.MaxQuoteAmount)
	next(t, c)

	require.NoError(t, r.DeleteOrder(ctx, o.ID))
	ev = next(t, c)
	assert.Equal(t, EventOrderDeleted, ev.Type)
	assert.Equal(t, map[string]string{"id": o.ID}, ev.Data)
	assert.Empty(t, r.Orders())

	err = r.DeleteOrder(ctx, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = r.Order(o.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRoom_Relay(t *testing.T) {
	store := NewMemoryStore()
	_, r := newTestRoom(t, store, 16)
	ctx := context.Background()
	a := connect(t, r)
	b := connect(t, r)

	require.NoError(t, r.Relay(ctx, a.ID, Message{Type: EventChat, Data: json.RawMessage(`{"text":"salam"}`)}))
	for _, c := range []*Client{a, b} {
		ev := next(t, c)
		assert.Equal(t, EventChat, ev.Type)
		assert.Equal(t, a.ID, ev.SenderID)
		assert.JSONEq(t, `{"text":"salam"}`, string(ev.Data.(json.RawMessage)))
	}
	assert.Empty(t, r.Orders())

	tests := []struct {
		name string
		data string
		want models.AdminStatus
	}{
		{"ScopedBuy", `{"scope":"buy","online":true}`, models.AdminStatus{BuyOnline: true}},
		{"ScopedSell", `{"scope":"sell","online":true}`, models.AdminStatus{BuyOnline: true, SellOnline: true}},
		{"UnscopedPartial", `{"sell_online":false}`, models.AdminStatus{BuyOnline: true}},
		{"UnscopedBoth", `{"online":false}`, models.AdminStatus{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Relay(ctx, b.ID, Message{Type: EventAdminStatus, Data: json.RawMessage(tt.data)})
			require.NoError(t, err)
			ev := next(t, a)
			assert.Equal(t, EventAdminStatus, ev.Type)
			assert.Equal(t, tt.want, ev.Data)
			next(t, b)

			assert.Equal(t, tt.want, r.Snapshot().AdminStatus)
			stored, err := store.LoadAdminStatus(ctx, "lobby")
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored)
		})
	}

	bad := []Message{
		{Type: "shout", Data: json.RawMessage(`{}`)},
		{Type: EventChat},
		{Type: EventAdminStatus, Data: json.RawMessage(`{"scope":"both","online":true}`)},
		{Type: EventAdminStatus, Data: json.RawMessage(`{"scope":"buy"}`)},
		{Type: EventAdminStatus, Data: json.RawMessage(`{}`)},
		{Type: EventAdminStatus, Data: json.RawMessage(`not json`)},
	}
	for _, msg := range bad {
		err := r.Relay(ctx, a.ID, msg)
		assert.True(t, errors.Is(err, apperr.ErrInvalidInput), "%s %s: %v", msg.Type, msg.Data, err)
	}
}

func TestRoom_PingRepliesToSenderOnly(t *testing.T) {
	_, r := newTestRoom(t, NewMemoryStore(), 16)
	ctx := context.Background()
	a := connect(t, r)
	b := connect(t, r)

	require.NoError(t, r.Ping(ctx, a.ID))
	assert.Equal(t, EventPong, next(t, a).Type)
	select {
	case ev := <-b.Events():
		t.Fatalf("observer b got %s", ev.Type)
	default:
	}

	require.NoError(t, r.Disconnect(ctx, a.ID))
	_, open := <-a.Events()
	assert.False(t, open)
	assert.True(t, errors.Is(r.Ping(ctx, a.ID), apperr.ErrNotFound))
	require.NoError(t, r.Disconnect(ctx, a.ID))
}

type failingStore struct {
	*MemoryStore
}

func (s failingStore) SaveRoomOrder(ctx context.Context, roomID string, order models.Order) error {
	return fmt.Errorf("write room order: %w", apperr.ErrPersistence)
}

func (s failingStore) DeleteRoomOrder(ctx context.Context, roomID, orderID string) error {
	return fmt.Errorf("delete room order: %w", apperr.ErrPersistence)
}

func (s failingStore) SaveAdminStatus(ctx context.Context, roomID string, status models.AdminStatus) error {
	return fmt.Errorf("write admin status: %w", apperr.ErrPersistence)
}

func TestRoom_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	mem := NewMemoryStore()
	seeded := models.Order{
		ID: "seeded", Side: models.SideBuy, AmountFiat: "1000", QuoteAsset: "USDT",
		PricePerQuote: "281", PaymentMethod: models.PaymentCash, CreatedBy: "bob",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, mem.SaveRoomOrder(context.Background(), "lobby", seeded))

	_, r := newTestRoom(t, failingStore{mem}, 16)
	ctx := context.Background()
	c := connect(t, r)

	_, err := r.SubmitOrder(ctx, "alice", orderInput("1000"))
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
	price := "1"
	_, err = r.PatchOrder(ctx, "seeded", models.OrderPatch{PricePerQuote: &price})
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
	assert.True(t, errors.Is(r.DeleteOrder(ctx, "seeded"), apperr.ErrPersistence))
	err = r.Relay(ctx, c.ID, Message{Type: EventAdminStatus, Data: json.RawMessage(`{"online":true}`)})
	assert.True(t, errors.Is(err, apperr.ErrPersistence))

	assert.Equal(t, models.RoomSnapshot{Orders: []models.Order{seeded}}, r.Snapshot())
	select {
	case ev := <-c.Events():
		t.Fatalf("failed mutation broadcast %s", ev.Type)
	default:
	}
}

func TestValidateOrder(t *testing.T) {
	base := orderInput("1000")
	with := func(fn func(in *models.OrderInput)) models.OrderInput {
		in := base
		fn(&in)
		return in
	}

	tests := []struct {
		name    string
		input   models.OrderInput
		wantErr error
	}{
		{"Valid", base, nil},
		{"ValidBounds", with(func(in *models.OrderInput) { in.MinQuoteAmount, in.MaxQuoteAmount = "5", "5.0" }), nil},
		{"BadSide", with(func(in *models.OrderInput) { in.Side = "hold" }), apperr.ErrInvalidInput},
		{"BadPaymentMethod", with(func(in *models.OrderInput) { in.PaymentMethod = "paypal" }), apperr.ErrInvalidInput},
		{"MissingAsset", with(func(in *models.OrderInput) { in.QuoteAsset = "  " }), apperr.ErrInvalidInput},
		{"ZeroFiat", with(func(in *models.OrderInput) { in.AmountFiat = "0" }), apperr.ErrInvalidAmount},
		{"FloatPrice", with(func(in *models.OrderInput) { in.PricePerQuote = "1e3" }), apperr.ErrInvalidAmount},
		{"NegativeMin", with(func(in *models.OrderInput) { in.MinQuoteAmount = "-1" }), apperr.ErrInvalidAmount},
		{"MinAboveMax", with(func(in *models.OrderInput) { in.MinQuoteAmount, in.MaxQuoteAmount = "10.01", "10" }), apperr.ErrRangeViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateOrder(tt.input)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

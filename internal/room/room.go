// Package room implements the per-room coordinator: a single goroutine owns a
// room's order list, admin status and observer registry, and fans every
// mutation out to the observers in the order it was applied.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"go.uber.org/zap"
)

// Event types sent to observers
const (
	EventSnapshot     = "snapshot"
	EventOrderNew     = "order:new"
	EventOrderUpdated = "order:updated"
	EventOrderDeleted = "order:deleted"
	EventChat         = "chat"
	EventNotification = "notification"
	EventAdminStatus  = "admin_status"
	EventPong         = "pong"
	EventError        = "error"
)

// Event is one outbound frame
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is an inbound frame from an observer
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is an observer handle. Events is closed when the client is
// disconnected, evicted or the room shuts down.
type Client struct {
	ID   string
	send chan Event
}

func (c *Client) Events() <-chan Event {
	return c.send
}

// adminUpdate is the payload of an admin_status message. A scoped update
// ("buy" or "sell") sets that flag from Online; an unscoped one sets
// whichever flags are present.
type adminUpdate struct {
	Scope      string `json:"scope"`
	Online     *bool  `json:"online"`
	BuyOnline  *bool  `json:"buy_online"`
	SellOnline *bool  `json:"sell_online"`
}

// Room is the coordinator actor of one room
type Room struct {
	id      string
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	buffer  int

	inbox     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	orders  []models.Order
	admin   models.AdminStatus
	clients map[string]*Client

	view atomic.Pointer[models.RoomSnapshot]

	now   func() time.Time
	newID func() string
}

func newRoom(ctx context.Context, id string, store Store, logger *zap.Logger, m *metrics.Metrics, buffer int) (*Room, error) {
	orders, err := store.LoadRoomOrders(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders for room %s: %w", id, err)
	}
	admin, err := store.LoadAdminStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin status for room %s: %w", id, err)
	}
	if buffer < 1 {
		buffer = 1
	}
	r := &Room{
		id:      id,
		store:   store,
		logger:  logger.With(zap.String("room_id", id)),
		metrics: m,
		buffer:  buffer,
		inbox:   make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		orders:  orders,
		admin:   admin,
		clients: make(map[string]*Client),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	r.publish()
	go r.run()
	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) run() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.done:
			for id := range r.clients {
				r.drop(id, false)
			}
			return
		}
	}
}

// do runs fn on the room goroutine. Once the room has taken fn it runs to
// completion even if ctx is cancelled.
func (r *Room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.inbox <- func() { fn(); close(finished) }:
	case <-r.done:
		return fmt.Errorf("room %s: %w", r.id, apperr.ErrRoomClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Close stops the room and closes every observer's channel
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.stopped
}

// Connect registers a new observer. Its first event is the room snapshot.
func (r *Room) Connect(ctx context.Context) (*Client, error) {
	c := &Client{ID: r.newID(), send: make(chan Event, r.buffer)}
	err := r.do(ctx, func() {
		c.send <- Event{Type: EventSnapshot, Data: r.snapshot(), Timestamp: r.now()}
		r.clients[c.ID] = c
		r.metrics.ClientConnected()
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("client connected", zap.String("client_id", c.ID))
	return c, nil
}

// Disconnect deregisters an observer. Unknown ids are ignored.
func (r *Room) Disconnect(ctx context.Context, clientID string) error {
	return r.do(ctx, func() {
		r.drop(clientID, false)
	})
}

// SubmitOrder adds an order to the top of the list and broadcasts order:new
func (r *Room) SubmitOrder(ctx context.Context, createdBy string, in models.OrderInput) (models.Order, error) {
	in, err := ValidateOrder(in)
	if err != nil {
		return models.Order{}, err
	}
	if createdBy == "" {
		return models.Order{}, fmt.Errorf("%w: order creator is required", apperr.ErrInvalidInput)
	}

	var order models.Order
	var opErr error
	err = r.do(ctx, func() {
		now := r.now()
		o := models.Order{
			ID:             r.newID(),
			Side:           in.Side,
			AmountFiat:     in.AmountFiat,
			QuoteAsset:     in.QuoteAsset,
			PricePerQuote:  in.PricePerQuote,
			PaymentMethod:  in.PaymentMethod,
			MinQuoteAmount: in.MinQuoteAmount,
			MaxQuoteAmount: in.MaxQuoteAmount,
			CreatedBy:      createdBy,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.store.SaveRoomOrder(context.WithoutCancel(ctx), r.id, o); err != nil {
			opErr = r.persistFailed("failed to save order", err)
			return
		}
		r.orders = append([]models.Order{o}, r.orders...)
		r.publish()
		r.broadcast(Event{Type: EventOrderNew, Data: o, SenderID: createdBy, Timestamp: now})
		order = o
	})
	if err != nil {
		return models.Order{}, err
	}
	return order, opErr
}

// PatchOrder applies p to an existing order and broadcasts order:updated
func (r *Room) PatchOrder(ctx context.Context, orderID string, p models.OrderPatch) (models.Order, error) {
	var order models.Order
	var opErr error
	err := r.do(ctx, func() {
		i := r.indexOf(orderID)
		if i < 0 {
			opErr = fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
			return
		}
		o, err := applyPatch(r.orders[i], p)
		if err != nil {
			opErr = err
			return
		}
		o.UpdatedAt = r.now()
		if err := r.store.SaveRoomOrder(context.WithoutCancel(ctx), r.id, o); err != nil {
			opErr = r.persistFailed("failed to update order", err)
			return
		}
		orders := make([]models.Order, len(r.orders))
		copy(orders, r.orders)
		orders[i] = o
		r.orders = orders
		r.publish()
		r.broadcast(Event{Type: EventOrderUpdated, Data: o, Timestamp: o.UpdatedAt})
		order = o
	})
	if err != nil {
		return models.Order{}, err
	}
	return order, opErr
}

// DeleteOrder removes an order and broadcasts order:deleted
func (r *Room) DeleteOrder(ctx context.Context, orderID string) error {
	var opErr error
	err := r.do(ctx, func() {
		i := r.indexOf(orderID)
		if i < 0 {
			opErr = fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
			return
		}
		if err := r.store.DeleteRoomOrder(context.WithoutCancel(ctx), r.id, orderID); err != nil {
			opErr = r.persistFailed("failed to delete order", err)
			return
		}
		orders := make([]models.Order, 0, len(r.orders)-1)
		orders = append(orders, r.orders[:i]...)
		orders = append(orders, r.orders[i+1:]...)
		r.orders = orders
		r.publish()
		r.broadcast(Event{Type: EventOrderDeleted, Data: map[string]string{"id": orderID}, Timestamp: r.now()})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Relay handles a chat, notification or admin_status message from senderID
func (r *Room) Relay(ctx context.Context, senderID string, msg Message) error {
	switch msg.Type {
	case EventChat, EventNotification:
		if len(msg.Data) == 0 {
			return fmt.Errorf("%w: %s message has no data", apperr.ErrInvalidInput, msg.Type)
		}
		return r.do(ctx, func() {
			r.broadcast(Event{Type: msg.Type, Data: msg.Data, SenderID: senderID, Timestamp: r.now()})
		})
	case EventAdminStatus:
		var u adminUpdate
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			return fmt.Errorf("%w: malformed admin_status: %v", apperr.ErrInvalidInput, err)
		}
		if err := u.validate(); err != nil {
			return err
		}
		var opErr error
		err := r.do(ctx, func() {
			status := u.apply(r.admin)
			if err := r.store.SaveAdminStatus(context.WithoutCancel(ctx), r.id, status); err != nil {
				opErr = r.persistFailed("failed to save admin status", err)
				return
			}
			r.admin = status
			r.publish()
			r.broadcast(Event{Type: EventAdminStatus, Data: status, SenderID: senderID, Timestamp: r.now()})
		})
		if err != nil {
			return err
		}
		return opErr
	default:
		return fmt.Errorf("%w: unknown message type %q", apperr.ErrInvalidInput, msg.Type)
	}
}

// Ping replies pong to clientID only
func (r *Room) Ping(ctx context.Context, clientID string) error {
	var opErr error
	err := r.do(ctx, func() {
		if _, ok := r.clients[clientID]; !ok {
			opErr = fmt.Errorf("client %s: %w", clientID, apperr.ErrNotFound)
			return
		}
		r.deliver(clientID, Event{Type: EventPong, Timestamp: r.now()})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Snapshot returns the last published state without touching the room goroutine
func (r *Room) Snapshot() models.RoomSnapshot {
	v := r.view.Load()
	orders := make([]models.Order, len(v.Orders))
	copy(orders, v.Orders)
	return models.RoomSnapshot{Orders: orders, AdminStatus: v.AdminStatus}
}

// Orders returns the current orders, newest first
func (r *Room) Orders() []models.Order {
	return r.Snapshot().Orders
}

// Order returns one order by id
func (r *Room) Order(orderID string) (models.Order, error) {
	for _, o := range r.view.Load().Orders {
		if o.ID == orderID {
			return o, nil
		}
	}
	return models.Order{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
}

// snapshot must be called on the room goroutine
func (r *Room) snapshot() models.RoomSnapshot {
	return *r.view.Load()
}

// publish makes the current state visible to lock-free readers. r.orders is
// never mutated in place after publishing.
func (r *Room) publish() {
	orders := r.orders
	if orders == nil {
		orders = []models.Order{}
	}
	r.view.Store(&models.RoomSnapshot{Orders: orders, AdminStatus: r.admin})
}

func (r *Room) indexOf(orderID string) int {
	for i, o := range r.orders {
		if o.ID == orderID {
			return i
		}
	}
	return -1
}

func (r *Room) broadcast(ev Event) {
	for id := range r.clients {
		r.deliver(id, ev)
	}
	r.metrics.IncRoomEvent(ev.Type)
}

// deliver never blocks. A client that cannot keep up is evicted rather than
// skipped so that no observer sees a gap in the room's event order.
func (r *Room) deliver(clientID string, ev Event) {
	c := r.clients[clientID]
	select {
	case c.send <- ev:
	default:
		r.logger.Warn("evicting slow client",
			zap.String("client_id", clientID),
			zap.String("event", ev.Type))
		r.drop(clientID, true)
	}
}

func (r *Room) drop(clientID string, evicted bool) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	delete(r.clients, clientID)
	close(c.send)
	r.metrics.ClientDisconnected(evicted)
}

func (r *Room) persistFailed(msg string, err error) error {
	r.logger.Error(msg, zap.Error(err))
	return fmt.Errorf("%s: %w", msg, err)
}

func (u adminUpdate) validate() error {
	switch u.Scope {
	case "buy", "sell":
		if u.Online == nil {
			return fmt.Errorf("%w: scoped admin_status needs online", apperr.ErrInvalidInput)
		}
	case "":
		if u.BuyOnline == nil && u.SellOnline == nil && u.Online == nil {
			return fmt.Errorf("%w: admin_status sets no flag", apperr.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown admin_status scope %q", apperr.ErrInvalidInput, u.Scope)
	}
	return nil
}

func (u adminUpdate) apply(s models.AdminStatus) models.AdminStatus {
	switch u.Scope {
	case "buy":
		s.BuyOnline = *u.Online
	case "sell":
		s.SellOnline = *u.Online
	default:
		if u.Online != nil {
			s.BuyOnline, s.SellOnline = *u.Online, *u.Online
		}
		if u.BuyOnline != nil {
			s.BuyOnline = *u.BuyOnline
		}
		if u.SellOnline != nil {
			s.SellOnline = *u.SellOnline
		}
	}
	return s
}

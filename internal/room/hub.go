package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"go.uber.org/zap"
)

type roomEntry struct {
	ready chan struct{}
	room  *Room
	err   error
}

// Hub addresses rooms by id, starting each one on first use
type Hub struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool
}

// NewHub creates a hub. clientBuffer is the per-observer event queue length.
func NewHub(store Store, logger *zap.Logger, m *metrics.Metrics, clientBuffer int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:   store,
		logger:  logger,
		metrics: m,
		buffer:  clientBuffer,
		rooms:   make(map[string]*roomEntry),
	}
}

// Room returns the coordinator for id, loading it from the store if needed.
// Concurrent callers for the same id always get the same instance.
func (h *Hub) Room(ctx context.Context, id string) (*Room, error) {
	if !ValidRoomID(id) {
		return nil, fmt.Errorf("%w: invalid room id %q", apperr.ErrInvalidInput, id)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, apperr.ErrRoomClosed
	}
	e, ok := h.rooms[id]
	if ok {
		h.mu.Unlock()
		select {
		case <-e.ready:
			return e.room, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e = &roomEntry{ready: make(chan struct{})}
	h.rooms[id] = e
	h.mu.Unlock()

	e.room, e.err = newRoom(context.WithoutCancel(ctx), id, h.store, h.logger, h.metrics, h.buffer)
	if e.err != nil {
		h.logger.Error("failed to start room", zap.String("room_id", id), zap.Error(e.err))
		h.mu.Lock()
		delete(h.rooms, id)
		h.mu.Unlock()
	} else {
		h.logger.Info("room started", zap.String("room_id", id), zap.Int("orders", len(e.room.Orders())))
	}
	close(e.ready)
	return e.room, e.err
}

// Len returns the number of started rooms
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close stops every room. Later calls to Room fail with ErrRoomClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := make([]*roomEntry, 0, len(h.rooms))
	for _, e := range h.rooms {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.room != nil {
			e.room.Close()
		}
	}
}

// TradeClosed removes both orders of a finished or cancelled trade from its room
func (h *Hub) TradeClosed(ctx context.Context, t models.MatchedTrade) {
	if t.RoomID == "" {
		return
	}
	r, err := h.Room(ctx, t.RoomID)
	if err != nil {
		h.logger.Warn("cannot clean up orders of closed trade",
			zap.String("trade_id", t.ID), zap.String("room_id", t.RoomID), zap.Error(err))
		return
	}
	for _, id := range []string{t.BuyOrderID, t.SellOrderID} {
		if err := r.DeleteOrder(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			h.logger.Warn("failed to remove order of closed trade",
				zap.String("trade_id", t.ID), zap.String("order_id", id), zap.Error(err))
		}
	}
}

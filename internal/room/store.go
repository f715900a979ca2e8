package room

import (
	"context"
	"sort"
	"sync"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// Store persists the state a room reloads on start. LoadRoomOrders returns
// orders newest first. SaveRoomOrder inserts or replaces by order id.
type Store interface {
	LoadRoomOrders(ctx context.Context, roomID string) ([]models.Order, error)
	SaveRoomOrder(ctx context.Context, roomID string, order models.Order) error
	DeleteRoomOrder(ctx context.Context, roomID, orderID string) error
	LoadAdminStatus(ctx context.Context, roomID string) (models.AdminStatus, error)
	SaveAdminStatus(ctx context.Context, roomID string, status models.AdminStatus) error
}

// MemoryStore is a Store backed by process memory
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]map[string]models.Order
	admin  map[string]models.AdminStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]map[string]models.Order),
		admin:  make(map[string]models.AdminStatus),
	}
}

func (s *MemoryStore) LoadRoomOrders(ctx context.Context, roomID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]models.Order, 0, len(s.orders[roomID]))
	for _, o := range s.orders[roomID] {
		orders = append(orders, o)
	}
	SortNewestFirst(orders)
	return orders, nil
}

func (s *MemoryStore) SaveRoomOrder(ctx context.Context, roomID string, order models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orders[roomID] == nil {
		s.orders[roomID] = make(map[string]models.Order)
	}
	s.orders[roomID][order.ID] = order
	return nil
}

func (s *MemoryStore) DeleteRoomOrder(ctx context.Context, roomID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders[roomID], orderID)
	return nil
}

func (s *MemoryStore) LoadAdminStatus(ctx context.Context, roomID string) (models.AdminStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin[roomID], nil
}

func (s *MemoryStore) SaveAdminStatus(ctx context.Context, roomID string, status models.AdminStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin[roomID] = status
	return nil
}

// SortNewestFirst orders by CreatedAt descending, then id for equal timestamps
func SortNewestFirst(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}

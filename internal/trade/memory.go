package trade

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/keymutex"
	"github.com/xtrntr/p2pexchange/internal/models"
)

type memTrade struct {
	trade models.MatchedTrade
	seq   int
}

// MemoryRepository keeps trades in process memory
type MemoryRepository struct {
	keys   keymutex.KeyMutex
	mu     sync.RWMutex
	seq    int
	trades map[string]*memTrade
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{trades: make(map[string]*memTrade)}
}

func (r *MemoryRepository) CreateTrade(ctx context.Context, t *models.MatchedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[t.ID]; ok {
		return fmt.Errorf("%w: trade %s already exists", apperr.ErrInvalidInput, t.ID)
	}
	for _, m := range r.trades {
		if m.trade.EscrowLockID == t.EscrowLockID && !m.trade.Status.Terminal() {
			return fmt.Errorf("%w: %s backs trade %s", ErrEscrowLockInUse, t.EscrowLockID, m.trade.ID)
		}
	}
	r.seq++
	r.trades[t.ID] = &memTrade{trade: *t, seq: r.seq}
	return nil
}

func (r *MemoryRepository) GetTrade(ctx context.Context, id string) (*models.MatchedTrade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, apperr.ErrNotFound)
	}
	t := m.trade
	return &t, nil
}

func (r *MemoryRepository) UpdateTrade(ctx context.Context, id string, fn func(t *models.MatchedTrade) error) (*models.MatchedTrade, error) {
	unlock := r.keys.Lock(id)
	defer unlock()

	current, err := r.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.trades[id].trade = *current
	r.mu.Unlock()

	updated := *current
	return &updated, nil
}

func (r *MemoryRepository) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.MatchedTrade, error) {
	r.mu.RLock()
	matches := make([]*memTrade, 0, len(r.trades))
	for _, m := range r.trades {
		if !matchTrade(m.trade, filter) {
			continue
		}
		matches = append(matches, m)
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].trade.CreatedAt.Equal(matches[j].trade.CreatedAt) {
			return matches[i].trade.CreatedAt.After(matches[j].trade.CreatedAt)
		}
		return matches[i].seq > matches[j].seq
	})

	trades := make([]models.MatchedTrade, len(matches))
	for i, m := range matches {
		trades[i] = m.trade
	}
	return trades, nil
}

func matchTrade(t models.MatchedTrade, f models.TradeFilter) bool {
	if f.RoomID != "" && t.RoomID != f.RoomID {
		return false
	}
	if f.Identity != "" && t.BuyerIdentity != f.Identity && t.SellerIdentity != f.Identity {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.EscrowLockID != "" && t.EscrowLockID != f.EscrowLockID {
		return false
	}
	return true
}

package lockstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/keymutex"
	"github.com/xtrntr/p2pexchange/internal/models"
)

type memLock struct {
	lock models.Lock
	seq  int
}

// MemoryRepository keeps locks in process memory. Writes to one lock are
// serialized; the lock row and its event are published in one critical section.
type MemoryRepository struct {
	keys   keymutex.KeyMutex
	mu     sync.RWMutex
	seq    int
	locks  map[string]*memLock
	events map[string][]models.LockEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:  make(map[string]*memLock),
		events: make(map[string][]models.LockEvent),
	}
}

func (r *MemoryRepository) CreateLock(ctx context.Context, lock *models.Lock, event *models.LockEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locks[lock.ID]; ok {
		return fmt.Errorf("%w: lock %s already exists", apperr.ErrInvalidInput, lock.ID)
	}
	r.seq++
	r.locks[lock.ID] = &memLock{lock: *lock, seq: r.seq}
	r.events[lock.ID] = []models.LockEvent{*event}
	return nil
}

func (r *MemoryRepository) GetLock(ctx context.Context, id string) (*models.Lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.locks[id]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", id, apperr.ErrNotFound)
	}
	lock := m.lock
	return &lock, nil
}

func (r *MemoryRepository) UpdateLock(ctx context.Context, id string, fn func(lock *models.Lock) (*models.LockEvent, error)) (*models.Lock, error) {
	unlock := r.keys.Lock(id)
	defer unlock()

	current, err := r.GetLock(ctx, id)
	if err != nil {
		return nil, err
	}
	event, err := fn(current)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if event != nil && r.duplicateWithdraw(event) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on lock %s", ErrDuplicateWithdraw, event.SettlementReference, id)
	}
	r.locks[id].lock = *current
	if event != nil {
		r.events[id] = append(r.events[id], *event)
	}
	r.mu.Unlock()

	updated := *current
	return &updated, nil
}

// duplicateWithdraw requires r.mu
func (r *MemoryRepository) duplicateWithdraw(ev *models.LockEvent) bool {
	if ev.Type != models.LockEventWithdraw || ev.SettlementReference == "" {
		return false
	}
	for _, prior := range r.events[ev.LockID] {
		if prior.Type == models.LockEventWithdraw && prior.SettlementReference == ev.SettlementReference {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) ListLocks(ctx context.Context, filter models.LockFilter) ([]models.Lock, error) {
	r.mu.RLock()
	matches := make([]*memLock, 0, len(r.locks))
	for _, m := range r.locks {
		if filter.Owner != "" && m.lock.Owner != filter.Owner {
			continue
		}
		if filter.Wallet != "" && m.lock.Wallet != filter.Wallet {
			continue
		}
		if filter.TokenMint != "" && m.lock.TokenMint != filter.TokenMint {
			continue
		}
		if filter.Status != "" && m.lock.Status != filter.Status {
			continue
		}
		matches = append(matches, m)
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].lock.CreatedAt.Equal(matches[j].lock.CreatedAt) {
			return matches[i].lock.CreatedAt.After(matches[j].lock.CreatedAt)
		}
		return matches[i].seq > matches[j].seq
	})

	locks := make([]models.Lock, len(matches))
	for i, m := range matches {
		locks[i] = m.lock
	}
	return locks, nil
}

func (r *MemoryRepository) ListLockEvents(ctx context.Context, lockID string) ([]models.LockEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]models.LockEvent, len(r.events[lockID]))
	copy(events, r.events[lockID])
	// Appended in commit order; a stable sort keeps that order for equal timestamps.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

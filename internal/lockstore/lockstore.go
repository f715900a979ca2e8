// Package lockstore manages escrow locks and their append-only event history.
//
// Every mutation updates the lock and appends exactly one LockEvent inside a
// single Repository.UpdateLock call, which the repository runs atomically and
// serialized per lock id.
package lockstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"go.uber.org/zap"
)

// ErrDuplicateWithdraw is returned when a withdraw carries a settlement
// reference that was already withdrawn from the same lock.
var ErrDuplicateWithdraw = fmt.Errorf("%w: settlement reference already withdrawn", apperr.ErrIllegalTransition)

// Repository persists locks and events. UpdateLock must hold a per-lock write
// lock while fn runs and commit the modified lock together with the returned
// event, or neither. Errors returned by fn abort the update unchanged. A
// withdraw event whose non-empty settlement reference is already recorded on
// the lock fails with ErrDuplicateWithdraw.
type Repository interface {
	CreateLock(ctx context.Context, lock *models.Lock, event *models.LockEvent) error
	GetLock(ctx context.Context, id string) (*models.Lock, error)
	UpdateLock(ctx context.Context, id string, fn func(lock *models.Lock) (*models.LockEvent, error)) (*models.Lock, error)
	ListLocks(ctx context.Context, filter models.LockFilter) ([]models.Lock, error)
	ListLockEvents(ctx context.Context, lockID string) ([]models.LockEvent, error)
}

// CreateLockInput describes a new reservation
type CreateLockInput struct {
	Owner               string
	Wallet              string
	TokenMint           string
	AmountTotal         string
	Decimals            *int
	Network             string
	SettlementReference string
	Note                string
}

// WithdrawInput describes a release of part of a lock
type WithdrawInput struct {
	Amount              string
	SettlementReference string
	Note                string
}

// Service implements the lock store operations
type Service struct {
	repo    Repository
	logger  *zap.Logger
	metrics *metrics.Metrics
	network string
	now     func() time.Time
	newID   func() string
}

// NewService creates a lock store. defaultNetwork is recorded on locks
// created without an explicit network.
func NewService(repo Repository, logger *zap.Logger, m *metrics.Metrics, defaultNetwork string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		logger:  logger,
		metrics: m,
		network: defaultNetwork,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// CreateLock reserves AmountTotal of TokenMint for Wallet
func (s *Service) CreateLock(ctx context.Context, in CreateLockInput) (lock *models.Lock, err error) {
	defer func() { s.metrics.IncLockOperation("create", err) }()

	wallet := strings.TrimSpace(in.Wallet)
	mint := strings.TrimSpace(in.TokenMint)
	if wallet == "" || mint == "" {
		return nil, fmt.Errorf("%w: wallet and token mint are required", apperr.ErrInvalidInput)
	}
	amount, err := ledger.ParseNonNegative(in.AmountTotal)
	if err != nil {
		return nil, err
	}
	total := ledger.Format(amount)
	if err := checkDecimals(total, in.Decimals); err != nil {
		return nil, err
	}
	network := strings.TrimSpace(in.Network)
	if network == "" {
		network = s.network
	}

	now := s.now()
	status := models.LockActive
	if amount.IsZero() {
		status = models.LockWithdrawn
	}
	lock = &models.Lock{
		ID:                  s.newID(),
		Owner:               in.Owner,
		Wallet:              wallet,
		TokenMint:           mint,
		AmountTotal:         total,
		AmountWithdrawn:     "0",
		Decimals:            in.Decimals,
		Status:              status,
		Network:             network,
		SettlementReference: in.SettlementReference,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	event := &models.LockEvent{
		ID:                  s.newID(),
		LockID:              lock.ID,
		Type:                models.LockEventLock,
		AmountDelta:         total,
		SettlementReference: in.SettlementReference,
		Note:                in.Note,
		CreatedAt:           now,
	}

	if err := s.repo.CreateLock(ctx, lock, event); err != nil {
		s.logger.Error("failed to create lock", zap.String("wallet", wallet), zap.Error(err))
		return nil, err
	}
	s.logger.Info("lock created",
		zap.String("lock_id", lock.ID),
		zap.String("wallet", wallet),
		zap.String("token_mint", mint),
		zap.String("amount", total))
	return lock, nil
}

// Withdraw releases Amount from the lock. It fails with
// ErrInsufficientLockBalance when the cumulative withdrawn amount would
// exceed the total, and with ErrDuplicateWithdraw when SettlementReference
// was already withdrawn from this lock.
func (s *Service) Withdraw(ctx context.Context, lockID string, in WithdrawInput) (lock *models.Lock, err error) {
	defer func() { s.metrics.IncLockOperation("withdraw", err) }()

	amount, err := ledger.ParsePositive(in.Amount)
	if err != nil {
		return nil, err
	}
	delta := ledger.Format(amount)

	lock, err = s.repo.UpdateLock(ctx, lockID, func(l *models.Lock) (*models.LockEvent, error) {
		if l.Status == models.LockCancelled {
			return nil, fmt.Errorf("%w: lock %s is cancelled", apperr.ErrIllegalTransition, l.ID)
		}
		if err := checkDecimals(delta, l.Decimals); err != nil {
			return nil, err
		}
		withdrawn, err := ledger.Add(l.AmountWithdrawn, delta)
		if err != nil {
			return nil, err
		}
		remaining, err := ledger.Sub(l.AmountTotal, withdrawn)
		if err != nil {
			return nil, err
		}
		sign, err := ledger.Sign(remaining)
		if err != nil {
			return nil, err
		}
		if sign < 0 {
			return nil, fmt.Errorf("%w: lock %s has %s left, requested %s",
				apperr.ErrInsufficientLockBalance, l.ID, describeRemaining(l.AmountTotal, l.AmountWithdrawn), delta)
		}

		now := s.now()
		l.AmountWithdrawn = withdrawn
		if sign == 0 {
			l.Status = models.LockWithdrawn
		}
		if in.SettlementReference != "" {
			l.SettlementReference = in.SettlementReference
		}
		l.UpdatedAt = now

		return &models.LockEvent{
			ID:                  s.newID(),
			LockID:              l.ID,
			Type:                models.LockEventWithdraw,
			AmountDelta:         "-" + delta,
			SettlementReference: in.SettlementReference,
			Note:                in.Note,
			CreatedAt:           now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("lock withdrawn",
		zap.String("lock_id", lock.ID),
		zap.String("amount", delta),
		zap.String("withdrawn", lock.AmountWithdrawn),
		zap.String("status", string(lock.Status)))
	return lock, nil
}

// Cancel releases whatever is left on an active lock and closes it
func (s *Service) Cancel(ctx context.Context, lockID, settlementReference, note string) (lock *models.Lock, err error) {
	defer func() { s.metrics.IncLockOperation("cancel", err) }()

	lock, err = s.repo.UpdateLock(ctx, lockID, func(l *models.Lock) (*models.LockEvent, error) {
		if l.Status != models.LockActive {
			return nil, fmt.Errorf("%w: lock %s is %s", apperr.ErrIllegalTransition, l.ID, l.Status)
		}
		remaining, err := ledger.Sub(l.AmountTotal, l.AmountWithdrawn)
		if err != nil {
			return nil, err
		}
		delta, err := ledger.Neg(remaining)
		if err != nil {
			return nil, err
		}

		now := s.now()
		l.Status = models.LockCancelled
		if settlementReference != "" {
			l.SettlementReference = settlementReference
		}
		l.UpdatedAt = now

		return &models.LockEvent{
			ID:                  s.newID(),
			LockID:              l.ID,
			Type:                models.LockEventCancel,
			AmountDelta:         delta,
			SettlementReference: settlementReference,
			Note:                note,
			CreatedAt:           now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("lock cancelled", zap.String("lock_id", lock.ID), zap.String("reference", settlementReference))
	return lock, nil
}

// GetLock returns a single lock
func (s *Service) GetLock(ctx context.Context, id string) (*models.Lock, error) {
	return s.repo.GetLock(ctx, id)
}

// ListLocks returns matching locks, newest first
func (s *Service) ListLocks(ctx context.Context, filter models.LockFilter) ([]models.Lock, error) {
	return s.repo.ListLocks(ctx, filter)
}

// ListEvents returns the audit trail of a lock, oldest first
func (s *Service) ListEvents(ctx context.Context, lockID string) ([]models.LockEvent, error) {
	if _, err := s.repo.GetLock(ctx, lockID); err != nil {
		return nil, err
	}
	return s.repo.ListLockEvents(ctx, lockID)
}

// Remaining returns AmountTotal - AmountWithdrawn
func Remaining(l models.Lock) (string, error) {
	return ledger.Sub(l.AmountTotal, l.AmountWithdrawn)
}

func checkDecimals(amount string, decimals *int) error {
	if decimals == nil {
		return nil
	}
	if *decimals < 0 || *decimals > ledger.MaxScale {
		return fmt.Errorf("%w: decimals must be between 0 and %d", apperr.ErrInvalidAmount, ledger.MaxScale)
	}
	scale, err := ledger.Scale(amount)
	if err != nil {
		return err
	}
	if scale > *decimals {
		return fmt.Errorf("%w: %s has more than %d fractional digits", apperr.ErrInvalidAmount, amount, *decimals)
	}
	return nil
}

func describeRemaining(a, b string) string {
	s, err := ledger.Sub(a, b)
	if err != nil {
		return "?"
	}
	return s
}

// Package trade runs the settlement state machine of a matched buy/sell pair:
//
//	PENDING -> PAYMENT_CONFIRMED -> ASSETS_TRANSFERRED -> COMPLETED
//	PENDING | PAYMENT_CONFIRMED -> CANCELLED
//
// Once both parties confirm payment the seller's escrow lock is withdrawn
// automatically. An escrow lock backs at most one trade that has not closed,
// so cancelling a trade releases only its own escrow.
//
// Operations on one trade are serialized by a mutex inside the process. The
// escrow withdraw is keyed by the trade id and recorded at most once by the
// lock store, so a retried or concurrent release never withdraws twice.
package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/keymutex"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/lockstore"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"go.uber.org/zap"
)

// ErrEscrowLockInUse is returned by CreateTrade when another trade that has
// not reached COMPLETED or CANCELLED holds the same escrow lock.
var ErrEscrowLockInUse = fmt.Errorf("%w: escrow lock already backs an open trade", apperr.ErrIllegalTransition)

// Repository persists trades. CreateTrade must reject a trade whose escrow
// lock backs another open trade with ErrEscrowLockInUse. UpdateTrade must
// serialize writers of one trade and store the record as fn left it; an error
// from fn aborts the write.
type Repository interface {
	CreateTrade(ctx context.Context, t *models.MatchedTrade) error
	GetTrade(ctx context.Context, id string) (*models.MatchedTrade, error)
	UpdateTrade(ctx context.Context, id string, fn func(t *models.MatchedTrade) error) (*models.MatchedTrade, error)
	ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.MatchedTrade, error)
}

// Escrow is the part of the lock store the state machine drives
type Escrow interface {
	GetLock(ctx context.Context, id string) (*models.Lock, error)
	Withdraw(ctx context.Context, lockID string, in lockstore.WithdrawInput) (*models.Lock, error)
	Cancel(ctx context.Context, lockID, settlementReference, note string) (*models.Lock, error)
	ListEvents(ctx context.Context, lockID string) ([]models.LockEvent, error)
}

// Listener is told when a trade reaches COMPLETED or CANCELLED
type Listener interface {
	TradeClosed(ctx context.Context, t models.MatchedTrade)
}

// OpenInput pairs two resting orders
type OpenInput struct {
	RoomID       string
	BuyOrder     models.Order
	SellOrder    models.Order
	QuoteAmount  string
	EscrowLockID string
}

// Confirmation is the result of ConfirmPayment
type Confirmation struct {
	Trade        *models.MatchedTrade `json:"trade"`
	AutoReleased bool                 `json:"auto_released"`
}

// Service implements the trade state machine
type Service struct {
	repo     Repository
	escrow   Escrow
	listener Listener
	logger   *zap.Logger
	metrics  *metrics.Metrics
	keys     keymutex.KeyMutex
	now      func() time.Time
	newID    func() string
}

func NewService(repo Repository, escrow Escrow, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		escrow:  escrow,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// SetListener registers the terminal-state callback
func (s *Service) SetListener(l Listener) {
	s.listener = l
}

// Open creates a PENDING trade for a buy order and a sell order. The price is
// the sell order's price. The escrow lock must hold the quote asset, cover the
// quote amount and not back another open trade.
func (s *Service) Open(ctx context.Context, in OpenInput) (*models.MatchedTrade, error) {
	buy, sell := in.BuyOrder, in.SellOrder
	if buy.Side != models.SideBuy || sell.Side != models.SideSell {
		return nil, fmt.Errorf("%w: need one buy and one sell order", apperr.ErrInvalidInput)
	}
	if buy.QuoteAsset != sell.QuoteAsset {
		return nil, fmt.Errorf("%w: quote assets differ (%s vs %s)", apperr.ErrInvalidInput, buy.QuoteAsset, sell.QuoteAsset)
	}
	if buy.PaymentMethod != sell.PaymentMethod {
		return nil, fmt.Errorf("%w: payment methods differ", apperr.ErrInvalidInput)
	}
	if buy.CreatedBy == sell.CreatedBy {
		return nil, fmt.Errorf("%w: cannot trade with yourself", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(in.EscrowLockID) == "" {
		return nil, fmt.Errorf("%w: escrow lock is required", apperr.ErrInvalidInput)
	}

	amount, err := ledger.ParsePositive(in.QuoteAmount)
	if err != nil {
		return nil, err
	}
	quote := ledger.Format(amount)
	for _, o := range []models.Order{buy, sell} {
		if err := checkBounds(quote, o); err != nil {
			return nil, err
		}
	}
	total, err := ledger.Mul(quote, sell.PricePerQuote)
	if err != nil {
		return nil, err
	}

	lock, err := s.escrow.GetLock(ctx, in.EscrowLockID)
	if err != nil {
		return nil, err
	}
	if lock.Status != models.LockActive {
		return nil, fmt.Errorf("%w: escrow lock %s is %s", apperr.ErrIllegalTransition, lock.ID, lock.Status)
	}
	if !strings.EqualFold(lock.TokenMint, sell.QuoteAsset) {
		return nil, fmt.Errorf("%w: escrow lock %s holds %s, trade is in %s",
			apperr.ErrInvalidInput, lock.ID, lock.TokenMint, sell.QuoteAsset)
	}
	remaining, err := lockstore.Remaining(*lock)
	if err != nil {
		return nil, err
	}
	if c, err := ledger.Cmp(remaining, quote); err != nil {
		return nil, err
	} else if c < 0 {
		return nil, fmt.Errorf("%w: escrow lock %s holds %s, trade needs %s",
			apperr.ErrInsufficientLockBalance, lock.ID, remaining, quote)
	}

	now := s.now()
	t := &models.MatchedTrade{
		ID:                s.newID(),
		RoomID:            in.RoomID,
		BuyOrderID:        buy.ID,
		SellOrderID:       sell.ID,
		BuyerIdentity:     buy.CreatedBy,
		SellerIdentity:    sell.CreatedBy,
		QuoteAsset:        sell.QuoteAsset,
		QuoteAmount:       quote,
		FiatPricePerQuote: sell.PricePerQuote,
		TotalFiat:         total,
		PaymentMethod:     sell.PaymentMethod,
		EscrowLockID:      lock.ID,
		Status:            models.TradePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateTrade(ctx, t); err != nil {
		return nil, err
	}
	s.metrics.IncTradeTransition(string(models.TradePending))
	s.logger.Info("trade opened",
		zap.String("trade_id", t.ID),
		zap.String("room_id", t.RoomID),
		zap.String("quote_amount", quote),
		zap.String("escrow_lock_id", lock.ID))
	return t, nil
}

// ConfirmPayment records a party's payment confirmation. Confirming twice is a
// no-op. The call that completes the pair while PENDING withdraws the escrow
// and advances the trade to ASSETS_TRANSFERRED; AutoReleased reports that.
// A trade left at PAYMENT_CONFIRMED by a failed release is resumed here.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID string, party models.Party) (*Confirmation, error) {
	if party != models.PartyBuyer && party != models.PartySeller {
		return nil, fmt.Errorf("%w: party must be buyer or seller", apperr.ErrInvalidInput)
	}

	unlock := s.keys.Lock(tradeID)
	defer unlock()

	release, flipped := false, false
	t, err := s.repo.UpdateTrade(ctx, tradeID, func(t *models.MatchedTrade) error {
		flag := &t.BuyerPaymentConfirmed
		if party == models.PartySeller {
			flag = &t.SellerPaymentConfirmed
		}
		if *flag {
			release = t.Status == models.TradePaymentConfirmed
			return nil
		}
		if t.Status != models.TradePending {
			return fmt.Errorf("%w: cannot confirm payment on %s trade", apperr.ErrIllegalTransition, t.Status)
		}
		*flag = true
		if t.BuyerPaymentConfirmed && t.SellerPaymentConfirmed {
			t.Status = models.TradePaymentConfirmed
			release, flipped = true, true
		}
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !release {
		return &Confirmation{Trade: t}, nil
	}
	if flipped {
		s.metrics.IncTradeTransition(string(models.TradePaymentConfirmed))
	}

	t, err = s.release(ctx, t)
	if err != nil {
		return &Confirmation{Trade: t}, err
	}
	return &Confirmation{Trade: t, AutoReleased: true}, nil
}

// release withdraws the quote amount from escrow and marks the trade
// ASSETS_TRANSFERRED. A withdraw already recorded for the trade counts as
// done. Callers hold the trade's key.
func (s *Service) release(ctx context.Context, t *models.MatchedTrade) (*models.MatchedTrade, error) {
	_, err := s.escrow.Withdraw(ctx, t.EscrowLockID, lockstore.WithdrawInput{
		Amount:              t.QuoteAmount,
		SettlementReference: t.ID,
		Note:                "auto-release after both payment confirmations",
	})
	if errors.Is(err, lockstore.ErrDuplicateWithdraw) {
		s.logger.Info("escrow already released", zap.String("trade_id", t.ID))
		err = nil
	}
	if err != nil {
		s.logger.Error("escrow release failed",
			zap.String("trade_id", t.ID),
			zap.String("escrow_lock_id", t.EscrowLockID),
			zap.Error(err))
		return t, fmt.Errorf("failed to release escrow for trade %s: %w", t.ID, err)
	}

	updated, err := s.repo.UpdateTrade(ctx, t.ID, func(t *models.MatchedTrade) error {
		if t.Status != models.TradePaymentConfirmed {
			return fmt.Errorf("%w: trade %s is %s", apperr.ErrIllegalTransition, t.ID, t.Status)
		}
		t.Status = models.TradeAssetsTransferred
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return t, err
	}
	s.metrics.IncTradeTransition(string(models.TradeAssetsTransferred))
	s.logger.Info("escrow auto-released",
		zap.String("trade_id", updated.ID),
		zap.String("escrow_lock_id", updated.EscrowLockID),
		zap.String("amount", updated.QuoteAmount))
	return updated, nil
}

// escrowReleased reports whether a withdraw tagged with this trade already landed.
func (s *Service) escrowReleased(ctx context.Context, t *models.MatchedTrade) (bool, error) {
	events, err := s.escrow.ListEvents(ctx, t.EscrowLockID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Type == models.LockEventWithdraw && ev.SettlementReference == t.ID {
			return true, nil
		}
	}
	return false, nil
}

// Cancel tears down a trade that has not released its escrow. The trade's
// escrow lock is released with a cancel event and the confirmation flags reset.
func (s *Service) Cancel(ctx context.Context, tradeID, reason string) (*models.MatchedTrade, error) {
	unlock := s.keys.Lock(tradeID)
	defer unlock()

	t, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := cancellable(t); err != nil {
		return nil, err
	}
	if t.Status == models.TradePaymentConfirmed {
		released, err := s.escrowReleased(ctx, t)
		if err != nil {
			return nil, err
		}
		if released {
			return nil, fmt.Errorf("%w: escrow for trade %s was already released", apperr.ErrIllegalTransition, t.ID)
		}
	}

	lock, err := s.escrow.GetLock(ctx, t.EscrowLockID)
	if err != nil {
		return nil, err
	}
	if lock.Status == models.LockActive {
		if _, err := s.escrow.Cancel(ctx, lock.ID, t.ID, reason); err != nil {
			return nil, fmt.Errorf("failed to cancel escrow for trade %s: %w", t.ID, err)
		}
	}

	t, err = s.repo.UpdateTrade(ctx, tradeID, func(t *models.MatchedTrade) error {
		if err := cancellable(t); err != nil {
			return err
		}
		t.Status = models.TradeCancelled
		t.BuyerPaymentConfirmed = false
		t.SellerPaymentConfirmed = false
		t.CancelReason = reason
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTradeTransition(string(models.TradeCancelled))
	s.logger.Info("trade cancelled", zap.String("trade_id", t.ID), zap.String("reason", reason))
	s.closed(ctx, t)
	return t, nil
}

// Complete marks an ASSETS_TRANSFERRED trade COMPLETED
func (s *Service) Complete(ctx context.Context, tradeID string) (*models.MatchedTrade, error) {
	unlock := s.keys.Lock(tradeID)
	defer unlock()

	t, err := s.repo.UpdateTrade(ctx, tradeID, func(t *models.MatchedTrade) error {
		if t.Status != models.TradeAssetsTransferred {
			return fmt.Errorf("%w: cannot complete %s trade", apperr.ErrIllegalTransition, t.Status)
		}
		t.Status = models.TradeCompleted
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTradeTransition(string(models.TradeCompleted))
	s.logger.Info("trade completed", zap.String("trade_id", t.ID))
	s.closed(ctx, t)
	return t, nil
}

// Get returns one trade
func (s *Service) Get(ctx context.Context, tradeID string) (*models.MatchedTrade, error) {
	return s.repo.GetTrade(ctx, tradeID)
}

// List returns trades matching filter, newest first
func (s *Service) List(ctx context.Context, filter models.TradeFilter) ([]models.MatchedTrade, error) {
	return s.repo.ListTrades(ctx, filter)
}

func (s *Service) closed(ctx context.Context, t *models.MatchedTrade) {
	if s.listener != nil {
		s.listener.TradeClosed(ctx, *t)
	}
}

func cancellable(t *models.MatchedTrade) error {
	if t.Status != models.TradePending && t.Status != models.TradePaymentConfirmed {
		return fmt.Errorf("%w: cannot cancel %s trade", apperr.ErrIllegalTransition, t.Status)
	}
	return nil
}

func checkBounds(quote string, o models.Order) error {
	if o.MinQuoteAmount != "" {
		c, err := ledger.Cmp(quote, o.MinQuoteAmount)
		if err != nil {
			return err
		}
		if c < 0 {
			return fmt.Errorf("%w: %s is below order %s minimum %s", apperr.ErrRangeViolation, quote, o.ID, o.MinQuoteAmount)
		}
	}
	if o.MaxQuoteAmount != "" {
		c, err := ledger.Cmp(quote, o.MaxQuoteAmount)
		if err != nil {
			return err
		}
		if c > 0 {
			return fmt.Errorf("%w: %s is above order %s maximum %s", apperr.ErrRangeViolation, quote, o.ID, o.MaxQuoteAmount)
		}
	}
	return nil
}

package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/trade"
)

var _ trade.Repository = (*DB)(nil)

const tradeColumns = `id, room_id, buy_order_id, sell_order_id, buyer_identity, seller_identity,
	quote_asset, quote_amount::text, fiat_price_per_quote::text, total_fiat::text, payment_method,
	escrow_lock_id, status, buyer_payment_confirmed, seller_payment_confirmed, cancel_reason,
	created_at, updated_at`

func scanTrade(row pgx.Row) (*models.MatchedTrade, error) {
	var t models.MatchedTrade
	var quote, price, total string
	err := row.Scan(&t.ID, &t.RoomID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerIdentity, &t.SellerIdentity,
		&t.QuoteAsset, &quote, &price, &total, &t.PaymentMethod,
		&t.EscrowLockID, &t.Status, &t.BuyerPaymentConfirmed, &t.SellerPaymentConfirmed, &t.CancelReason,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.QuoteAmount, err = numeric(quote); err != nil {
		return nil, err
	}
	if t.FiatPricePerQuote, err = numeric(price); err != nil {
		return nil, err
	}
	if t.TotalFiat, err = numeric(total); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTrade inserts a new trade
func (db *DB) CreateTrade(ctx context.Context, t *models.MatchedTrade) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO trades (id, room_id, buy_order_id, sell_order_id, buyer_identity, seller_identity,
			quote_asset, quote_amount, fiat_price_per_quote, total_fiat, payment_method,
			escrow_lock_id, status, buyer_payment_confirmed, seller_payment_confirmed, cancel_reason,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, t.RoomID, t.BuyOrderID, t.SellOrderID, t.BuyerIdentity, t.SellerIdentity,
		t.QuoteAsset, t.QuoteAmount, t.FiatPricePerQuote, t.TotalFiat, t.PaymentMethod,
		t.EscrowLockID, t.Status, t.BuyerPaymentConfirmed, t.SellerPaymentConfirmed, t.CancelReason,
		t.CreatedAt, t.UpdatedAt)
	if uniqueViolation(err, "trades_open_escrow_lock_idx") {
		return fmt.Errorf("%w: %s", trade.ErrEscrowLockInUse, t.EscrowLockID)
	}
	if err != nil {
		return storageError("failed to create trade", err)
	}
	return nil
}

// GetTrade retrieves a trade by id
func (db *DB) GetTrade(ctx context.Context, id string) (*models.MatchedTrade, error) {
	t, err := scanTrade(db.Pool.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", id))
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to get trade %s", id), err)
	}
	return t, nil
}

// UpdateTrade locks the trade row, applies fn and writes the mutable columns back
func (db *DB) UpdateTrade(ctx context.Context, id string, fn func(t *models.MatchedTrade) error) (*models.MatchedTrade, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, storageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTrade(tx.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to get trade %s", id), err)
	}
	if err := fn(t); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE trades
		SET status = $2, buyer_payment_confirmed = $3, seller_payment_confirmed = $4,
			cancel_reason = $5, updated_at = $6
		WHERE id = $1
	`, t.ID, t.Status, t.BuyerPaymentConfirmed, t.SellerPaymentConfirmed, t.CancelReason, t.UpdatedAt)
	if err != nil {
		return nil, storageError("failed to update trade", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageError("failed to commit transaction", err)
	}
	return t, nil
}

// ListTrades retrieves trades matching filter, newest first
func (db *DB) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.MatchedTrade, error) {
	var w where
	w.eq("room_id", filter.RoomID)
	w.anyOf("buyer_identity", "seller_identity", filter.Identity)
	w.eq("status", string(filter.Status))
	w.eq("escrow_lock_id", filter.EscrowLockID)

	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades"+w.String()+" ORDER BY created_at DESC, seq DESC", w.args...)
	if err != nil {
		return nil, storageError("failed to list trades", err)
	}
	defer rows.Close()

	trades := []models.MatchedTrade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, storageError("failed to scan trade", err)
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to list trades", err)
	}
	return trades, nil
}

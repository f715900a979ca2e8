package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/room"
)

var _ room.Store = (*DB)(nil)

// LoadRoomOrders retrieves the orders of a room, newest first
func (db *DB) LoadRoomOrders(ctx context.Context, roomID string) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, side, amount_fiat::text, quote_asset, price_per_quote::text, payment_method,
			min_quote_amount::text, max_quote_amount::text, created_by, created_at, updated_at
		FROM room_orders
		WHERE room_id = $1
		ORDER BY created_at DESC, id DESC
	`, roomID)
	if err != nil {
		return nil, storageError("failed to load room orders", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var o models.Order
		var fiat, price string
		var lo, hi *string
		err := rows.Scan(&o.ID, &o.Side, &fiat, &o.QuoteAsset, &price, &o.PaymentMethod,
			&lo, &hi, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, storageError("failed to scan room order", err)
		}
		if o.AmountFiat, err = numeric(fiat); err != nil {
			return nil, err
		}
		if o.PricePerQuote, err = numeric(price); err != nil {
			return nil, err
		}
		if o.MinQuoteAmount, err = nullableNumeric(lo); err != nil {
			return nil, err
		}
		if o.MaxQuoteAmount, err = nullableNumeric(hi); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to load room orders", err)
	}
	return orders, nil
}

// SaveRoomOrder inserts or replaces an order of a room
func (db *DB) SaveRoomOrder(ctx context.Context, roomID string, o models.Order) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO room_orders (room_id, id, side, amount_fiat, quote_asset, price_per_quote,
			payment_method, min_quote_amount, max_quote_amount, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (room_id, id) DO UPDATE SET
			side = EXCLUDED.side,
			amount_fiat = EXCLUDED.amount_fiat,
			quote_asset = EXCLUDED.quote_asset,
			price_per_quote = EXCLUDED.price_per_quote,
			payment_method = EXCLUDED.payment_method,
			min_quote_amount = EXCLUDED.min_quote_amount,
			max_quote_amount = EXCLUDED.max_quote_amount,
			updated_at = EXCLUDED.updated_at
	`, roomID, o.ID, o.Side, o.AmountFiat, o.QuoteAsset, o.PricePerQuote,
		o.PaymentMethod, nullableString(o.MinQuoteAmount), nullableString(o.MaxQuoteAmount),
		o.CreatedBy, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return storageError("failed to save room order", err)
	}
	return nil
}

// DeleteRoomOrder removes an order from a room
func (db *DB) DeleteRoomOrder(ctx context.Context, roomID, orderID string) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM room_orders WHERE room_id = $1 AND id = $2", roomID, orderID)
	if err != nil {
		return storageError("failed to delete room order", err)
	}
	return nil
}

// LoadAdminStatus retrieves the admin status of a room; a missing row means offline
func (db *DB) LoadAdminStatus(ctx context.Context, roomID string) (models.AdminStatus, error) {
	var s models.AdminStatus
	err := db.Pool.QueryRow(ctx,
		"SELECT buy_online, sell_online FROM room_admin_status WHERE room_id = $1",
		roomID).Scan(&s.BuyOnline, &s.SellOnline)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AdminStatus{}, nil
	}
	if err != nil {
		return s, storageError("failed to load admin status", err)
	}
	return s, nil
}

// SaveAdminStatus upserts the admin status of a room
func (db *DB) SaveAdminStatus(ctx context.Context, roomID string, s models.AdminStatus) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO room_admin_status (room_id, buy_online, sell_online, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room_id) DO UPDATE SET
			buy_online = EXCLUDED.buy_online,
			sell_online = EXCLUDED.sell_online,
			updated_at = EXCLUDED.updated_at
	`, roomID, s.BuyOnline, s.SellOnline)
	if err != nil {
		return storageError("failed to save admin status", err)
	}
	return nil
}

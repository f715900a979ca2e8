// Package redisstore keeps room state in Redis: one hash of JSON orders per
// room and one JSON admin status key per room.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/room"
)

const defaultPrefix = "p2p:room:"

// RoomStore implements room.Store
type RoomStore struct {
	client *redis.Client
	prefix string
}

func NewRoomStore(client *redis.Client, prefix string) *RoomStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RoomStore{client: client, prefix: prefix}
}

func (s *RoomStore) ordersKey(roomID string) string {
	return s.prefix + roomID + ":orders"
}

func (s *RoomStore) adminKey(roomID string) string {
	return s.prefix + roomID + ":admin"
}

func (s *RoomStore) LoadRoomOrders(ctx context.Context, roomID string) ([]models.Order, error) {
	raw, err := s.client.HGetAll(ctx, s.ordersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load room orders: %w: %v", apperr.ErrPersistence, err)
	}
	orders := make([]models.Order, 0, len(raw))
	for id, v := range raw {
		var o models.Order
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w: %v", id, apperr.ErrPersistence, err)
		}
		orders = append(orders, o)
	}
	room.SortNewestFirst(orders)
	return orders, nil
}

func (s *RoomStore) SaveRoomOrder(ctx context.Context, roomID string, order models.Order) error {
	b, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	if err := s.client.HSet(ctx, s.ordersKey(roomID), order.ID, b).Err(); err != nil {
		return fmt.Errorf("failed to save room order: %w: %v", apperr.ErrPersistence, err)
	}
	return nil
}

func (s *RoomStore) DeleteRoomOrder(ctx context.Context, roomID, orderID string) error {
	if err := s.client.HDel(ctx, s.ordersKey(roomID), orderID).Err(); err != nil {
		return fmt.Errorf("failed to delete room order: %w: %v", apperr.ErrPersistence, err)
	}
	return nil
}

func (s *RoomStore) LoadAdminStatus(ctx context.Context, roomID string) (models.AdminStatus, error) {
	var status models.AdminStatus
	b, err := s.client.Get(ctx, s.adminKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("failed to load admin status: %w: %v", apperr.ErrPersistence, err)
	}
	if err := json.Unmarshal(b, &status); err != nil {
		return status, fmt.Errorf("failed to decode admin status: %w: %v", apperr.ErrPersistence, err)
	}
	return status, nil
}

func (s *RoomStore) SaveAdminStatus(ctx context.Context, roomID string, status models.AdminStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode admin status: %w", err)
	}
	if err := s.client.Set(ctx, s.adminKey(roomID), b, 0).Err(); err != nil {
		return fmt.Errorf("failed to save admin status: %w: %v", apperr.ErrPersistence, err)
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/room"
	"go.uber.org/zap"
)

// wsSession pumps one websocket connection into and out of a room
type wsSession struct {
	h        *Handler
	conn     *websocket.Conn
	room     *room.Room
	client   *room.Client
	identity *auth.Identity
	logger   *zap.Logger
	// replies only this connection sees, drained by writePump
	replies chan room.Event
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.ws.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and registers the connection as an observer
// of the room. A token query parameter identifies the caller; admin status
// updates are accepted only from configured admins.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if token := r.URL.Query().Get("token"); token != "" {
		id, err := h.AuthService.GetUserFromToken(token)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		identity = &id
	}

	rm, ok := h.room(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("failed to upgrade connection", zap.String("room_id", rm.ID()), zap.Error(err))
		return
	}

	client, err := rm.Connect(r.Context())
	if err != nil {
		h.Logger.Warn("failed to register observer", zap.String("room_id", rm.ID()), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"))
		conn.Close()
		return
	}

	s := &wsSession{
		h:        h,
		conn:     conn,
		room:     rm,
		client:   client,
		identity: identity,
		logger:   h.Logger.With(zap.String("room_id", rm.ID()), zap.String("client_id", client.ID)),
		replies:  make(chan room.Event, 8),
	}
	s.logger.Debug("observer connected")

	go s.writePump()
	s.readPump()
}

func (s *wsSession) pongWait() time.Duration {
	return s.h.ws.PingInterval * 2
}

// readPump reads frames until the connection fails, then unregisters the
// observer. Closing the event channel stops writePump.
func (s *wsSession) readPump() {
	defer func() {
		err := s.room.Disconnect(context.Background(), s.client.ID)
		if err != nil && !errors.Is(err, apperr.ErrRoomClosed) {
			s.logger.Warn("failed to disconnect observer", zap.Error(err))
		}
	}()

	s.conn.SetReadLimit(s.h.ws.MaxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if err := s.handle(data); err != nil {
			if errors.Is(err, apperr.ErrRoomClosed) {
				return
			}
			s.reply(room.Event{
				Type:      room.EventError,
				Data:      map[string]string{"error": err.Error(), "kind": apperr.Kind(err)},
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (s *wsSession) handle(data []byte) error {
	var msg room.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: malformed frame", apperr.ErrInvalidInput)
	}

	ctx := context.Background()
	if msg.Type == "ping" {
		return s.room.Ping(ctx, s.client.ID)
	}
	if msg.Type == room.EventAdminStatus && !s.isAdmin() {
		return fmt.Errorf("%w: admin status requires an admin connection", apperr.ErrForbidden)
	}
	return s.room.Relay(ctx, s.client.ID, msg)
}

func (s *wsSession) isAdmin() bool {
	if s.identity == nil {
		return false
	}
	for _, name := range s.h.ws.Admins {
		if name == s.identity.Username {
			return true
		}
	}
	return false
}

func (s *wsSession) reply(ev room.Event) {
	select {
	case s.replies <- ev:
	default:
		s.logger.Warn("dropping reply to slow observer", zap.String("type", ev.Type))
	}
}

// writePump forwards room events and replies to the connection and keeps it
// alive with pings. It owns all writes to the connection.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.h.ws.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	events := s.client.Events()
	for {
		select {
		case ev, ok := <-events:
			s.conn.SetWriteDeadline(time.Now().Add(s.h.ws.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case ev := <-s.replies:
			s.conn.SetWriteDeadline(time.Now().Add(s.h.ws.WriteTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.h.ws.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

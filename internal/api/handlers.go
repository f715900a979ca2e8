package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/book"
	"github.com/xtrntr/p2pexchange/internal/lockstore"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/room"
	"github.com/xtrntr/p2pexchange/internal/trade"
	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// WSConfig tunes the websocket pumps
type WSConfig struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
	// Admins may change a room's admin status
	Admins []string
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Rooms       *room.Hub
	Locks       *lockstore.Service
	Trades      *trade.Service
	AuthService *auth.AuthService
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// Health reports whether the backing stores are reachable; nil means always healthy
	Health func(ctx context.Context) error

	ws       WSConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler
func NewHandler(rooms *room.Hub, locks *lockstore.Service, trades *trade.Service, authService *auth.AuthService,
	logger *zap.Logger, m *metrics.Metrics, ws WSConfig) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ws.WriteTimeout <= 0 {
		ws.WriteTimeout = 10 * time.Second
	}
	if ws.PingInterval <= 0 {
		ws.PingInterval = 30 * time.Second
	}
	if ws.MaxMessageBytes <= 0 {
		ws.MaxMessageBytes = 4096
	}
	h := &Handler{
		Rooms:       rooms,
		Locks:       locks,
		Trades:      trades,
		AuthService: authService,
		Logger:      logger,
		Metrics:     m,
		ws:          ws,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Routes builds the router. Public endpoints are auth, health and the room
// websocket; everything else requires a bearer token.
func (h *Handler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Use(h.RequestLogger)

	r.Get("/healthz", h.Healthz)
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/rooms/{roomID}/ws", h.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/rooms/{roomID}/orders", h.CreateOrder)
		r.Get("/rooms/{roomID}/orders", h.ListOrders)
		r.Put("/rooms/{roomID}/orders/{id}", h.UpdateOrder)
		r.Patch("/rooms/{roomID}/orders/{id}", h.UpdateOrder)
		r.Delete("/rooms/{roomID}/orders/{id}", h.DeleteOrder)
		r.Get("/rooms/{roomID}/orders/{id}/matches", h.GetMatches)
		r.Get("/rooms/{roomID}/book", h.GetOrderBook)

		r.Post("/locks", h.CreateLock)
		r.Get("/locks", h.ListLocks)
		r.Get("/locks/{id}", h.GetLock)
		r.Post("/locks/{id}/withdraw", h.WithdrawLock)
		r.Get("/locks/{id}/events", h.ListLockEvents)

		r.Post("/trades", h.OpenTrade)
		r.Get("/trades", h.ListTrades)
		r.Get("/trades/{id}", h.GetTrade)
		r.Post("/trades/{id}/confirm", h.ConfirmTrade)
		r.Post("/trades/{id}/cancel", h.CancelTrade)
		r.Post("/trades/{id}/complete", h.CompleteTrade)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps a domain error to its status and kind. Server-side
// failures are logged and reported without internal detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": apperr.Kind(err)})
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// Healthz reports liveness of the process and its stores
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, apperr.ErrInvalidInput) {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		h.Logger.Error("failed to register user", zap.String("username", req.Username), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		// Remove "Bearer " prefix if present
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		identity, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) room(w http.ResponseWriter, r *http.Request) (*room.Room, bool) {
	rm, err := h.Rooms.Room(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return rm, true
}

// CreateOrder submits an order to a room on behalf of the caller
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	fields, err := orderFieldsFrom(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rm, ok := h.room(w, r)
	if !ok {
		return
	}

	order, err := rm.SubmitOrder(r.Context(), identity.Username, orderInputFrom(fields))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders returns the orders of a room, newest first
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	rm, ok := h.room(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rm.Orders())
}

// GetOrderBook returns the room's orders split by side in price-time priority
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	rm, ok := h.room(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, book.New(rm.Orders()))
}

// GetMatches lists the counter-orders a trade could be opened against
func (h *Handler) GetMatches(w http.ResponseWriter, r *http.Request) {
	rm, ok := h.room(w, r)
	if !ok {
		return
	}
	snapshot := rm.Orders()
	id := chi.URLParam(r, "id")
	for _, o := range snapshot {
		if o.ID == id {
			writeJSON(w, http.StatusOK, book.New(snapshot).Matches(o))
			return
		}
	}
	h.writeError(w, r, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound))
}

// ownedOrder looks up an order and checks the caller created it
func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (*room.Room, models.Order, bool) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return nil, models.Order{}, false
	}
	rm, ok := h.room(w, r)
	if !ok {
		return nil, models.Order{}, false
	}
	order, err := rm.Order(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, models.Order{}, false
	}
	if order.CreatedBy != identity.Username {
		writeMessage(w, http.StatusForbidden, "Order belongs to another user")
		return nil, models.Order{}, false
	}
	return rm, order, true
}

// UpdateOrder applies a partial update to an order owned by the caller
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	fields, err := orderFieldsFrom(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rm, order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}

	updated, err := rm.PatchOrder(r.Context(), order.ID, orderPatchFrom(fields))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteOrder removes an order owned by the caller
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	rm, order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	if err := rm.DeleteOrder(r.Context(), order.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order deleted"})
}

// CreateLock records a new escrow reservation owned by the caller
func (h *Handler) CreateLock(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Wallet              string `json:"wallet"`
		TokenMint           string `json:"token_mint"`
		AmountTotal         string `json:"amount_total"`
		Decimals            *int   `json:"decimals"`
		Network             string `json:"network"`
		SettlementReference string `json:"settlement_reference"`
		Note                string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	lock, err := h.Locks.CreateLock(r.Context(), lockstore.CreateLockInput{
		Owner:               identity.Username,
		Wallet:              req.Wallet,
		TokenMint:           req.TokenMint,
		AmountTotal:         req.AmountTotal,
		Decimals:            req.Decimals,
		Network:             req.Network,
		SettlementReference: req.SettlementReference,
		Note:                req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

// ListLocks lists locks filtered by the owner, wallet, token_mint and status query parameters
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	locks, err := h.Locks.ListLocks(r.Context(), models.LockFilter{
		Owner:     q.Get("owner"),
		Wallet:    q.Get("wallet"),
		TokenMint: q.Get("token_mint"),
		Status:    models.LockStatus(q.Get("status")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.Locks.GetLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// WithdrawLock releases part of a lock owned by the caller. A lock backing an
// open trade is released only by that trade.
func (h *Handler) WithdrawLock(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Amount              string `json:"amount"`
		SettlementReference string `json:"settlement_reference"`
		Note                string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	lock, err := h.Locks.GetLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if lock.Owner != identity.Username {
		writeMessage(w, http.StatusForbidden, "Lock belongs to another user")
		return
	}
	backing, err := h.Trades.List(r.Context(), models.TradeFilter{EscrowLockID: lock.ID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, t := range backing {
		if !t.Status.Terminal() {
			h.writeError(w, r, fmt.Errorf("%w: lock %s is escrow for trade %s", apperr.ErrIllegalTransition, lock.ID, t.ID))
			return
		}
	}

	lock, err = h.Locks.Withdraw(r.Context(), lock.ID, lockstore.WithdrawInput{
		Amount:              req.Amount,
		SettlementReference: req.SettlementReference,
		Note:                req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (h *Handler) ListLockEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Locks.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// OpenTrade matches a buy order with a sell order of the same room. The
// caller must be one of the two parties and the escrow lock must belong to
// the seller.
func (h *Handler) OpenTrade(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		RoomID       string          `json:"room_id"`
		BuyOrderID   string          `json:"buy_order_id"`
		SellOrderID  string          `json:"sell_order_id"`
		QuoteAmount  json.RawMessage `json:"quote_amount"`
		EscrowLockID string          `json:"escrow_lock_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	quote, err := scalar(req.QuoteAmount)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "quote_amount must be a string or number")
		return
	}

	rm, err := h.Rooms.Room(r.Context(), req.RoomID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	buy, err := rm.Order(req.BuyOrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sell, err := rm.Order(req.SellOrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if identity.Username != buy.CreatedBy && identity.Username != sell.CreatedBy {
		writeMessage(w, http.StatusForbidden, "Only a party to the trade can open it")
		return
	}
	if strings.TrimSpace(req.EscrowLockID) == "" {
		h.writeError(w, r, fmt.Errorf("%w: escrow lock is required", apperr.ErrInvalidInput))
		return
	}
	lock, err := h.Locks.GetLock(r.Context(), req.EscrowLockID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if lock.Owner != sell.CreatedBy {
		writeMessage(w, http.StatusForbidden, "Escrow lock belongs to another user")
		return
	}

	t, err := h.Trades.Open(r.Context(), trade.OpenInput{
		RoomID:       rm.ID(),
		BuyOrder:     buy,
		SellOrder:    sell,
		QuoteAmount:  quote,
		EscrowLockID: lock.ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTrades returns the caller's trades, optionally narrowed by room_id and status
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	q := r.URL.Query()
	trades, err := h.Trades.List(r.Context(), models.TradeFilter{
		RoomID:   q.Get("room_id"),
		Identity: identity.Username,
		Status:   models.TradeStatus(q.Get("status")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// partyTrade loads a trade and resolves which side the caller is on. Trades
// of other users are reported as missing.
func (h *Handler) partyTrade(w http.ResponseWriter, r *http.Request) (*models.MatchedTrade, models.Party, bool) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return nil, "", false
	}
	t, err := h.Trades.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, "", false
	}
	switch identity.Username {
	case t.BuyerIdentity:
		return t, models.PartyBuyer, true
	case t.SellerIdentity:
		return t, models.PartySeller, true
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "trade not found", "kind": apperr.Kind(apperr.ErrNotFound)})
	return nil, "", false
}

func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, _, ok := h.partyTrade(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ConfirmTrade records the caller's payment confirmation. The second
// confirmation releases escrow; a failed release answers with the trade and
// the error so the client can retry.
func (h *Handler) ConfirmTrade(w http.ResponseWriter, r *http.Request) {
	t, party, ok := h.partyTrade(w, r)
	if !ok {
		return
	}

	res, err := h.Trades.ConfirmPayment(r.Context(), t.ID, party)
	if err != nil && res != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		h.Logger.Warn("escrow release pending", zap.String("trade_id", t.ID), zap.Error(err))
		writeJSON(w, status, map[string]interface{}{
			"error": "escrow release failed; confirm again to retry",
			"kind":  apperr.Kind(err),
			"trade": res.Trade,
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelTrade cancels a trade the caller is party to
func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	t, _, ok := h.partyTrade(w, r)
	if !ok {
		return
	}

	cancelled, err := h.Trades.Cancel(r.Context(), t.ID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// CompleteTrade closes a trade whose assets were transferred
func (h *Handler) CompleteTrade(w http.ResponseWriter, r *http.Request) {
	t, _, ok := h.partyTrade(w, r)
	if !ok {
		return
	}
	completed, err := h.Trades.Complete(r.Context(), t.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completed)
}

package models

import "time"

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PaymentMethod is how the fiat leg of a trade is paid
type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentEasypaisa    PaymentMethod = "easypaisa"
	PaymentJazzCash     PaymentMethod = "jazzcash"
	PaymentRaast        PaymentMethod = "raast"
	PaymentCash         PaymentMethod = "cash"
)

// Valid reports whether m is one of the supported payment methods
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentBankTransfer, PaymentEasypaisa, PaymentJazzCash, PaymentRaast, PaymentCash:
		return true
	}
	return false
}

// Order is a resting intent to buy or sell a quote asset for fiat.
// Amounts are decimal strings; empty bounds mean "absent".
type Order struct {
	ID             string        `json:"id"`
	Side           Side          `json:"side"`
	AmountFiat     string        `json:"amount_fiat"`
	QuoteAsset     string        `json:"quote_asset"`
	PricePerQuote  string        `json:"price_per_quote"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	MinQuoteAmount string        `json:"min_quote_amount,omitempty"`
	MaxQuoteAmount string        `json:"max_quote_amount,omitempty"`
	CreatedBy      string        `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// OrderInput is the normalized payload of an order submission
type OrderInput struct {
	Side           Side
	AmountFiat     string
	QuoteAsset     string
	PricePerQuote  string
	PaymentMethod  PaymentMethod
	MinQuoteAmount string
	MaxQuoteAmount string
}

// OrderPatch holds the fields to change on an order; nil means unchanged.
// An empty string clears an optional bound.
type OrderPatch struct {
	Side           *Side
	AmountFiat     *string
	QuoteAsset     *string
	PricePerQuote  *string
	PaymentMethod  *PaymentMethod
	MinQuoteAmount *string
	MaxQuoteAmount *string
}

// AdminStatus tells observers whether the desk is serving each side
type AdminStatus struct {
	BuyOnline  bool `json:"buy_online"`
	SellOnline bool `json:"sell_online"`
}

// RoomSnapshot is the full state sent to a newly connected observer
type RoomSnapshot struct {
	Orders      []Order     `json:"orders"`
	AdminStatus AdminStatus `json:"admin_status"`
}

// LockStatus of an escrow lock
type LockStatus string

const (
	LockActive    LockStatus = "active"
	LockWithdrawn LockStatus = "withdrawn"
	LockCancelled LockStatus = "cancelled"
)

// Lock reserves an amount of a token mint held by a wallet
type Lock struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner,omitempty"`
	Wallet              string     `json:"wallet"`
	TokenMint           string     `json:"token_mint"`
	AmountTotal         string     `json:"amount_total"`
	AmountWithdrawn     string     `json:"amount_withdrawn"`
	Decimals            *int       `json:"decimals"`
	Status              LockStatus `json:"status"`
	Network             string     `json:"network"`
	SettlementReference string     `json:"settlement_reference,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// LockEventType classifies ledger entries
type LockEventType string

const (
	LockEventLock     LockEventType = "lock"
	LockEventWithdraw LockEventType = "withdraw"
	LockEventCancel   LockEventType = "cancel"
)

// LockEvent is an immutable ledger entry for a lock
type LockEvent struct {
	ID                  string        `json:"id"`
	LockID              string        `json:"lock_id"`
	Type                LockEventType `json:"type"`
	AmountDelta         string        `json:"amount_delta"`
	SettlementReference string        `json:"settlement_reference,omitempty"`
	Note                string        `json:"note,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// LockFilter narrows ListLocks; empty fields match everything
type LockFilter struct {
	Owner     string
	Wallet    string
	TokenMint string
	Status    LockStatus
}

// TradeStatus of a matched trade
type TradeStatus string

const (
	TradePending           TradeStatus = "PENDING"
	TradePaymentConfirmed  TradeStatus = "PAYMENT_CONFIRMED"
	TradeAssetsTransferred TradeStatus = "ASSETS_TRANSFERRED"
	TradeCompleted         TradeStatus = "COMPLETED"
	TradeCancelled         TradeStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// Party to a trade
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// MatchedTrade pairs a buy order with a sell order during settlement
type MatchedTrade struct {
	ID                     string        `json:"id"`
	RoomID                 string        `json:"room_id"`
	BuyOrderID             string        `json:"buy_order_id"`
	SellOrderID            string        `json:"sell_order_id"`
	BuyerIdentity          string        `json:"buyer_identity"`
	SellerIdentity         string        `json:"seller_identity"`
	QuoteAsset             string        `json:"quote_asset"`
	QuoteAmount            string        `json:"quote_amount"`
	FiatPricePerQuote      string        `json:"fiat_price_per_quote"`
	TotalFiat              string        `json:"total_fiat"`
	PaymentMethod          PaymentMethod `json:"payment_method"`
	EscrowLockID           string        `json:"escrow_lock_id"`
	Status                 TradeStatus   `json:"status"`
	BuyerPaymentConfirmed  bool          `json:"buyer_payment_confirmed"`
	SellerPaymentConfirmed bool          `json:"seller_payment_confirmed"`
	CancelReason           string        `json:"cancel_reason,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// TradeFilter narrows trade listings; Identity matches either party
type TradeFilter struct {
	RoomID       string
	Identity     string
	Status       TradeStatus
	EscrowLockID string
}

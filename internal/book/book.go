// Package book arranges a room's orders into a price-time order book and finds
// the counter-orders a trade could be opened against. Nothing is filled here;
// settlement goes through the trade state machine.
package book

import (
	"sort"

	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// Book holds the orders of a room split by side
type Book struct {
	BuyOrders  []models.Order `json:"buy_orders"`
	SellOrders []models.Order `json:"sell_orders"`
}

// New builds a book from orders
func New(orders []models.Order) Book {
	b := Book{BuyOrders: []models.Order{}, SellOrders: []models.Order{}}
	for _, o := range orders {
		b.AddOrder(o)
	}
	return b
}

// AddOrder adds an order to the book
func (b *Book) AddOrder(order models.Order) {
	if order.Side == models.SideBuy {
		b.BuyOrders = append(b.BuyOrders, order)
		// Sort buy orders: highest price first, then earliest time
		sort.SliceStable(b.BuyOrders, func(i, j int) bool {
			return before(b.BuyOrders[i], b.BuyOrders[j], 1)
		})
		return
	}
	b.SellOrders = append(b.SellOrders, order)
	// Sort sell orders: lowest price first, then earliest time
	sort.SliceStable(b.SellOrders, func(i, j int) bool {
		return before(b.SellOrders[i], b.SellOrders[j], -1)
	})
}

// before orders by price in direction dir (1 = descending), then by age
func before(a, b models.Order, dir int) bool {
	c, err := ledger.Cmp(a.PricePerQuote, b.PricePerQuote)
	if err != nil || c == 0 {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return c*dir > 0
}

// Matches returns the orders order could trade against, best price first: the
// opposite side, the same quote asset and payment method, another creator, a
// crossing price and overlapping quote bounds.
func (b Book) Matches(order models.Order) []models.Order {
	candidates := b.SellOrders
	if order.Side == models.SideSell {
		candidates = b.BuyOrders
	}

	matches := []models.Order{}
	for _, c := range candidates {
		if c.ID == order.ID || c.CreatedBy == order.CreatedBy {
			continue
		}
		if c.QuoteAsset != order.QuoteAsset || c.PaymentMethod != order.PaymentMethod {
			continue
		}
		buy, sell := order, c
		if order.Side == models.SideSell {
			buy, sell = c, order
		}
		if cmp, err := ledger.Cmp(sell.PricePerQuote, buy.PricePerQuote); err != nil || cmp > 0 {
			continue
		}
		if !boundsOverlap(buy, sell) {
			continue
		}
		matches = append(matches, c)
	}
	return matches
}

// boundsOverlap reports whether some quote amount satisfies both orders.
// An absent bound is unbounded.
func boundsOverlap(a, b models.Order) bool {
	lo := larger(a.MinQuoteAmount, b.MinQuoteAmount)
	hi := smaller(a.MaxQuoteAmount, b.MaxQuoteAmount)
	if lo == "" || hi == "" {
		return true
	}
	c, err := ledger.Cmp(lo, hi)
	return err == nil && c <= 0
}

func larger(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if c, err := ledger.Cmp(a, b); err == nil && c < 0 {
		return b
	}
	return a
}

func smaller(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if c, err := ledger.Cmp(a, b); err == nil && c > 0 {
		return b
	}
	return a
}

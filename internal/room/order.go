package room

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/models"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomID reports whether id can address a room
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// ValidateOrder checks an order submission and returns it with amounts in
// canonical form and the quote asset upper-cased.
func ValidateOrder(in models.OrderInput) (models.OrderInput, error) {
	if !in.Side.Valid() {
		return in, fmt.Errorf("%w: side must be buy or sell", apperr.ErrInvalidInput)
	}
	if !in.PaymentMethod.Valid() {
		return in, fmt.Errorf("%w: unsupported payment method %q", apperr.ErrInvalidInput, in.PaymentMethod)
	}
	in.QuoteAsset = strings.ToUpper(strings.TrimSpace(in.QuoteAsset))
	if in.QuoteAsset == "" {
		return in, fmt.Errorf("%w: quote asset is required", apperr.ErrInvalidInput)
	}

	fiat, err := ledger.ParsePositive(in.AmountFiat)
	if err != nil {
		return in, fmt.Errorf("amount_fiat: %w", err)
	}
	in.AmountFiat = ledger.Format(fiat)
	price, err := ledger.ParsePositive(in.PricePerQuote)
	if err != nil {
		return in, fmt.Errorf("price_per_quote: %w", err)
	}
	in.PricePerQuote = ledger.Format(price)

	if in.MinQuoteAmount, err = canonicalBound(in.MinQuoteAmount); err != nil {
		return in, fmt.Errorf("min_quote_amount: %w", err)
	}
	if in.MaxQuoteAmount, err = canonicalBound(in.MaxQuoteAmount); err != nil {
		return in, fmt.Errorf("max_quote_amount: %w", err)
	}
	if in.MinQuoteAmount != "" && in.MaxQuoteAmount != "" {
		c, err := ledger.Cmp(in.MinQuoteAmount, in.MaxQuoteAmount)
		if err != nil {
			return in, err
		}
		if c > 0 {
			return in, fmt.Errorf("%w: min_quote_amount %s exceeds max_quote_amount %s",
				apperr.ErrRangeViolation, in.MinQuoteAmount, in.MaxQuoteAmount)
		}
	}
	return in, nil
}

func canonicalBound(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	d, err := ledger.ParseNonNegative(s)
	if err != nil {
		return "", err
	}
	return ledger.Format(d), nil
}

func inputOf(o models.Order) models.OrderInput {
	return models.OrderInput{
		Side:           o.Side,
		AmountFiat:     o.AmountFiat,
		QuoteAsset:     o.QuoteAsset,
		PricePerQuote:  o.PricePerQuote,
		PaymentMethod:  o.PaymentMethod,
		MinQuoteAmount: o.MinQuoteAmount,
		MaxQuoteAmount: o.MaxQuoteAmount,
	}
}

// applyPatch merges p into o and validates the result
func applyPatch(o models.Order, p models.OrderPatch) (models.Order, error) {
	in := inputOf(o)
	if p.Side != nil {
		in.Side = *p.Side
	}
	if p.AmountFiat != nil {
		in.AmountFiat = *p.AmountFiat
	}
	if p.QuoteAsset != nil {
		in.QuoteAsset = *p.QuoteAsset
	}
	if p.PricePerQuote != nil {
		in.PricePerQuote = *p.PricePerQuote
	}
	if p.PaymentMethod != nil {
		in.PaymentMethod = *p.PaymentMethod
	}
	if p.MinQuoteAmount != nil {
		in.MinQuoteAmount = *p.MinQuoteAmount
	}
	if p.MaxQuoteAmount != nil {
		in.MaxQuoteAmount = *p.MaxQuoteAmount
	}

	in, err := ValidateOrder(in)
	if err != nil {
		return o, err
	}
	o.Side = in.Side
	o.AmountFiat = in.AmountFiat
	o.QuoteAsset = in.QuoteAsset
	o.PricePerQuote = in.PricePerQuote
	o.PaymentMethod = in.PaymentMethod
	o.MinQuoteAmount = in.MinQuoteAmount
	o.MaxQuoteAmount = in.MaxQuoteAmount
	return o, nil
}

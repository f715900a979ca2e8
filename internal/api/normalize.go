package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// orderField is one canonical order attribute and the legacy names clients
// still send for it
type orderField struct {
	name    string
	aliases []string
	amount  bool
}

var orderFields = []orderField{
	{name: "side", aliases: []string{"type"}},
	{name: "amount_fiat", aliases: []string{"amountFiat", "amountPKR", "amount_pkr", "pkr_amount", "fiatAmount", "fiat_amount"}, amount: true},
	{name: "quote_asset", aliases: []string{"quoteAsset", "asset"}},
	{name: "price_per_quote", aliases: []string{"pricePerQuote", "price"}, amount: true},
	{name: "payment_method", aliases: []string{"paymentMethod"}},
	{name: "min_quote_amount", aliases: []string{"minQuoteAmount", "min_amount", "minAmount"}, amount: true},
	{name: "max_quote_amount", aliases: []string{"maxQuoteAmount", "max_amount", "maxAmount"}, amount: true},
}

// orderFieldsFrom decodes an order body into canonical field values. A field
// sent as null maps to "". Numbers are kept in their literal text so amounts
// never pass through float64. Two names for one field must agree.
func orderFieldsFrom(body io.Reader) (map[string]*string, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid request body", apperr.ErrInvalidInput)
	}

	out := make(map[string]*string, len(orderFields))
	for _, f := range orderFields {
		var chosen *string
		chosenFrom := ""
		for _, key := range append([]string{f.name}, f.aliases...) {
			v, ok := raw[key]
			if !ok {
				continue
			}
			s, err := scalar(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", apperr.ErrInvalidInput, key, err)
			}
			if chosen == nil {
				chosen, chosenFrom = &s, key
				continue
			}
			if !sameValue(*chosen, s, f.amount) {
				return nil, fmt.Errorf("%w: %s and %s disagree (%q vs %q)",
					apperr.ErrInvalidInput, chosenFrom, key, *chosen, s)
			}
		}
		if chosen != nil {
			out[f.name] = chosen
		}
	}
	return out, nil
}

func scalar(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	switch {
	case bytes.Equal(v, []byte("null")):
		return "", nil
	case len(v) > 0 && v[0] == '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case len(v) > 0 && (v[0] == '-' || (v[0] >= '0' && v[0] <= '9')):
		return string(v), nil
	}
	return "", fmt.Errorf("expected a string or number")
}

func sameValue(a, b string, amount bool) bool {
	if amount && a != "" && b != "" {
		return ledger.Equal(a, b)
	}
	return strings.EqualFold(a, b)
}

func orderInputFrom(f map[string]*string) models.OrderInput {
	get := func(name string) string {
		if v := f[name]; v != nil {
			return *v
		}
		return ""
	}
	return models.OrderInput{
		Side:           models.Side(strings.ToLower(get("side"))),
		AmountFiat:     get("amount_fiat"),
		QuoteAsset:     get("quote_asset"),
		PricePerQuote:  get("price_per_quote"),
		PaymentMethod:  models.PaymentMethod(strings.ToLower(get("payment_method"))),
		MinQuoteAmount: get("min_quote_amount"),
		MaxQuoteAmount: get("max_quote_amount"),
	}
}

func orderPatchFrom(f map[string]*string) models.OrderPatch {
	var p models.OrderPatch
	if v := f["side"]; v != nil {
		side := models.Side(strings.ToLower(*v))
		p.Side = &side
	}
	if v := f["payment_method"]; v != nil {
		m := models.PaymentMethod(strings.ToLower(*v))
		p.PaymentMethod = &m
	}
	p.AmountFiat = f["amount_fiat"]
	p.QuoteAsset = f["quote_asset"]
	p.PricePerQuote = f["price_per_quote"]
	p.MinQuoteAmount = f["min_quote_amount"]
	p.MaxQuoteAmount = f["max_quote_amount"]
	return p
}

// Package ledger implements exact arithmetic over decimal amounts carried as
// strings. Values are scaled integers (shopspring/decimal keeps a big.Int
// coefficient and an exponent), so mixed scales never lose precision.
//
// Inputs longer than MaxScale fractional digits are truncated, never rounded.
// Results are rendered with trailing fractional zeros trimmed ("5.0" -> "5").
package ledger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/p2pexchange/internal/apperr"
)

// MaxScale is the largest number of fractional digits an amount may carry.
const MaxScale = 18

var amountPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Parse converts s into a decimal, truncating fractional digits past MaxScale.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !amountPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", apperr.ErrInvalidAmount, s)
	}
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s)-dot-1 > MaxScale {
		s = s[:dot+1+MaxScale]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", apperr.ErrInvalidAmount, s)
	}
	return d, nil
}

// ParseNonNegative parses s and rejects negative values.
func ParseNonNegative(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: %q is negative", apperr.ErrInvalidAmount, s)
	}
	return d, nil
}

// ParsePositive parses s and rejects zero and negative values.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %q must be positive", apperr.ErrInvalidAmount, s)
	}
	return d, nil
}

// Format renders d with trailing fractional zeros removed.
func Format(d decimal.Decimal) string {
	return d.String()
}

// Canonical re-renders s in trimmed form.
func Canonical(s string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}

// Add returns a + b.
func Add(a, b string) (string, error) {
	x, y, err := parsePair(a, b)
	if err != nil {
		return "", err
	}
	return Format(x.Add(y)), nil
}

// Sub returns a - b. The result may be negative; callers enforce their own
// non-negativity rules.
func Sub(a, b string) (string, error) {
	x, y, err := parsePair(a, b)
	if err != nil {
		return "", err
	}
	return Format(x.Sub(y)), nil
}

// Mul returns a * b truncated to MaxScale.
func Mul(a, b string) (string, error) {
	x, y, err := parsePair(a, b)
	if err != nil {
		return "", err
	}
	return Format(x.Mul(y).Truncate(MaxScale)), nil
}

// Neg returns -a.
func Neg(a string) (string, error) {
	d, err := Parse(a)
	if err != nil {
		return "", err
	}
	return Format(d.Neg()), nil
}

// Cmp compares a and b numerically: -1, 0 or +1.
func Cmp(a, b string) (int, error) {
	x, y, err := parsePair(a, b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// Equal reports whether a and b parse to the same value. Malformed input is
// never equal to anything.
func Equal(a, b string) bool {
	c, err := Cmp(a, b)
	return err == nil && c == 0
}

// Sign returns -1, 0 or +1.
func Sign(a string) (int, error) {
	d, err := Parse(a)
	if err != nil {
		return 0, err
	}
	return d.Sign(), nil
}

// Scale returns the number of significant fractional digits in a.
func Scale(a string) (int, error) {
	c, err := Canonical(a)
	if err != nil {
		return 0, err
	}
	if dot := strings.IndexByte(c, '.'); dot >= 0 {
		return len(c) - dot - 1, nil
	}
	return 0, nil
}

func parsePair(a, b string) (decimal.Decimal, decimal.Decimal, error) {
	x, err := Parse(a)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	y, err := Parse(b)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return x, y, nil
}

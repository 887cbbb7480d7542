package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Monetary amounts are carried as int64 minor units (halalas for SAR).
// Provider wire formats use decimal strings with two fraction digits;
// ParseAmount and FormatAmount convert at the edges so no float arithmetic
// ever touches a balance.

// AmountTolerance is the largest absolute difference, in minor units,
// between a settled amount and the invoice remaining balance that is still
// credited. One halala absorbs provider-side rounding.
const AmountTolerance int64 = 1

// Money pairs a minor-unit amount with its ISO currency code.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	return FormatAmount(m.Amount) + " " + m.Currency
}

// ParseAmount converts a decimal string such as "500.01" to minor units.
// Up to two fraction digits are accepted; anything else is rejected rather
// than rounded.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two fraction digits", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := w*100 + f
	if neg {
		minor = -minor
	}
	return minor, nil
}

// FormatAmount renders minor units as a two-decimal string, the format
// every supported provider expects on the wire.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// AmountWithinTolerance reports whether two minor-unit amounts differ by at
// most AmountTolerance.
func AmountWithinTolerance(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= AmountTolerance
}

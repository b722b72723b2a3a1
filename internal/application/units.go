package application

import (
	"math/big"
	"strings"
)

// FormatUnits renders value scaled down by 10^decimals. The fractional part has
// trailing zeros trimmed but always keeps one digit, so 2000000 at 6 decimals is
// "2.0" and 1.5e18 at 18 decimals is "1.5".
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		value = new(big.Int)
	}
	negative := value.Sign() < 0
	abs := new(big.Int).Abs(value)

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))

	fraction := "0"
	if decimals > 0 {
		digits := frac.String()
		digits = strings.Repeat("0", int(decimals)-len(digits)) + digits
		digits = strings.TrimRight(digits, "0")
		if digits != "" {
			fraction = digits
		}
	}

	out := whole.String() + "." + fraction
	if negative {
		out = "-" + out
	}
	return out
}

// ParseWei parses a base-10 integer string such as a fee rate.
func ParseWei(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}

// Package fixedpoint holds the scaled-integer arithmetic shared by the lending
// modules: 18-decimal currency amounts, 2-decimal APY figures and the simple
// interest accrual used for loan debt.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// Decimals is the currency scale exponent.
	Decimals = 18
	// APYScale is the denominator of an APY figure: 1000 == 10.00%.
	APYScale = 100_00
	// SecondsPerDay is the length of one day count unit.
	SecondsPerDay = 86_400
	// SecondsPerYear fixes the 365-day year used for accrual.
	SecondsPerYear = 365 * SecondsPerDay
	// MaxDays bounds day counts so that a term in seconds still fits the
	// int64 timestamps it is added to.
	MaxDays = math.MaxInt64 / SecondsPerDay
)

var (
	ErrOverflow      = errors.New("fixedpoint: overflow")
	ErrInvalidAmount = errors.New("fixedpoint: invalid amount")

	unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
)

// Unit returns 10^Decimals, one whole currency unit in base units.
func Unit() *big.Int { return new(big.Int).Set(unit) }

// Units converts a whole number of currency units to base units.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// WholeUnits truncates a base-unit amount to whole currency units, saturating
// at the uint64 range.
func WholeUnits(v *big.Int) uint64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	whole := new(big.Int).Quo(v, unit)
	if !whole.IsUint64() {
		return ^uint64(0)
	}
	return whole.Uint64()
}

// ParseAmount converts a decimal string such as "1008.22" to base units.
// More than Decimals fractional digits is rejected rather than rounded.
func ParseAmount(s string) (*big.Int, error) {
	return parseScaled(s, Decimals)
}

// FormatAmount renders a base-unit amount as a decimal string with trailing
// fractional zeros removed.
func FormatAmount(v *big.Int) string {
	return formatScaled(v, Decimals)
}

// ParseAPY converts a percentage string such as "10" or "10.00" to the
// 2-decimal integer representation (1000).
func ParseAPY(s string) (uint64, error) {
	v, err := parseScaled(s, 2)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}

// FormatAPY renders a 2-decimal APY as a percentage string.
func FormatAPY(apy uint64) string {
	return formatScaled(new(big.Int).SetUint64(apy), 2)
}

// Days converts a number of days to seconds. Counts above MaxDays fail with
// ErrOverflow.
func Days(n uint64) (uint64, error) {
	if n > MaxDays {
		return 0, fmt.Errorf("%w: %d days", ErrOverflow, n)
	}
	return n * SecondsPerDay, nil
}

// MustDays is Days for constant day counts.
func MustDays(n uint64) uint64 {
	secs, err := Days(n)
	if err != nil {
		panic(err)
	}
	return secs
}

// Interest returns amount * min(elapsed, term) * apy / (SecondsPerYear *
// APYScale) using a single truncating division over a 512-bit intermediate.
func Interest(amount *big.Int, apy, elapsed, term uint64) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 || apy == 0 {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if elapsed > term {
		elapsed = term
	}
	if elapsed == 0 {
		return big.NewInt(0), nil
	}
	principal, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	rate, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(elapsed), uint256.NewInt(apy))
	if overflow {
		return nil, ErrOverflow
	}
	denominator := uint256.NewInt(SecondsPerYear * APYScale)
	interest, overflow := new(uint256.Int).MulDivOverflow(principal, rate, denominator)
	if overflow {
		return nil, ErrOverflow
	}
	return interest.ToBig(), nil
}

// Debt returns amount plus the interest accrued over min(elapsed, term).
func Debt(amount *big.Int, apy, elapsed, term uint64) (*big.Int, error) {
	interest, err := Interest(amount, apy, elapsed, term)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return interest, nil
	}
	return interest.Add(interest, amount), nil
}

// DaysLeft returns the whole days remaining until start+term, truncating any
// partial day. Expired terms report zero.
func DaysLeft(now, start int64, term uint64) uint64 {
	end := start + int64(term)
	if now >= end {
		return 0
	}
	return uint64(end-now) / SecondsPerDay
}

func parseScaled(s string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole, frac, hasPoint := strings.Cut(trimmed, ".")
	if whole == "" && (!hasPoint || frac == "") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: more than %d decimals in %q", ErrInvalidAmount, decimals, s)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

func formatScaled(v *big.Int, decimals int) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

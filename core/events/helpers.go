package events

import (
	"math/big"
	"strconv"
)

// FormatAmount renders a base-unit amount for event attributes. Nil amounts
// are rendered as zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatUint renders an unsigned integer attribute.
func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

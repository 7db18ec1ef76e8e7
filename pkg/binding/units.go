package binding

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of fractional digits of the native token.
const EtherDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// ParseEther converts a decimal native-token string such as "1.5" into its
// smallest-unit integer. More than 18 fractional digits or a negative value
// is rejected.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	wei := d.Shift(EtherDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, EtherDecimals)
	}
	return wei.BigInt(), nil
}

// FormatEther renders a smallest-unit amount as a decimal native-token string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals).String()
}

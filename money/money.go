package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a USD amount in minor units (cents). All division and
// percentage operations round half-to-even so that complementary shares
// of a whole stay consistent with the whole.
type Amount int64

func FromCents(cents int64) Amount {
	return Amount(cents)
}

// FromDollars converts a dollar figure (as reported by the bank-data
// aggregator) into minor units.
func FromDollars(dollars float64) Amount {
	cents := decimal.NewFromFloat(dollars).Mul(decimal.NewFromInt(100)).RoundBank(0)
	return Amount(cents.IntPart())
}

func (a Amount) Cents() int64 {
	return int64(a)
}

func (a Amount) Add(b Amount) Amount {
	return a + b
}

func (a Amount) Sub(b Amount) Amount {
	return a - b
}

func (a Amount) IsNegative() bool {
	return a < 0
}

func (a Amount) IsZero() bool {
	return a == 0
}

func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

func (a Amount) LessThan(b Amount) bool {
	return a < b
}

// DivideHalfEven splits the amount into parts equal shares, rounding
// half-to-even. The remainder cents are not redistributed; the caller's
// implicit share absorbs whatever the rounding leaves over.
func (a Amount) DivideHalfEven(parts int64) Amount {
	share := decimal.NewFromInt(int64(a)).
		Div(decimal.NewFromInt(parts)).
		RoundBank(0)
	return Amount(share.IntPart())
}

// PercentageHalfEven computes percent% of the amount, rounding half-to-even.
func (a Amount) PercentageHalfEven(percent int64) Amount {
	value := decimal.NewFromInt(int64(a)).
		Mul(decimal.NewFromInt(percent)).
		Div(decimal.NewFromInt(100)).
		RoundBank(0)
	return Amount(value.IntPart())
}

// Format renders the amount as $0,0.00 for user-facing messages.
func (a Amount) Format() string {
	abs := a.Abs()
	dollars := int64(abs) / 100
	cents := int64(abs) % 100

	grouped := groupThousands(dollars)
	if a < 0 {
		return fmt.Sprintf("-$%s.%02d", grouped, cents)
	}
	return fmt.Sprintf("$%s.%02d", grouped, cents)
}

// DollarString renders the amount as a plain 0.00 decimal string, the form
// the payment rail expects in transfer requests.
func (a Amount) DollarString() string {
	return decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var groups []string
	for len(s) > 3 {
		groups = append([]string{s[len(s)-3:]}, groups...)
		s = s[:len(s)-3]
	}
	groups = append([]string{s}, groups...)

	return strings.Join(groups, ",")
}

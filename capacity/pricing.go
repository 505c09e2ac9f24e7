package capacity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cost is a frozen price estimate. Pending marks "quote on request": it is
// never the same thing as a zero amount.
type Cost struct {
	Amount   decimal.Decimal
	Currency string
	Pending  bool
}

// QuotePending is returned for consolidations without a rate.
var QuotePending = Cost{Pending: true}

func (c Cost) String() string {
	if c.Pending {
		return "quote pending"
	}
	return fmt.Sprintf("%s %s", c.Amount.StringFixed(2), c.Currency)
}

// Price maps a quantity and a per-unit rate to a cost. A nil rate yields
// QuotePending. Amounts are rounded half away from zero to cents.
func Price(qty decimal.Decimal, rate *decimal.Decimal) (Cost, error) {
	if qty.IsNegative() {
		return Cost{}, fmt.Errorf("%w: cannot price negative quantity %s", ErrInvalidQuantity, qty)
	}
	if rate == nil {
		return QuotePending, nil
	}
	return Cost{Amount: qty.Mul(*rate).Round(2)}, nil
}

// Quote prices cargo against a consolidation's rate card without booking.
func Quote(c Consolidation, cargo Cargo) (Cost, decimal.Decimal, error) {
	qty, err := cargo.Chargeable(c.Unit())
	if err != nil {
		return Cost{}, decimal.Zero, err
	}
	cost, err := Price(qty, c.RatePerUnit)
	if err != nil {
		return Cost{}, decimal.Zero, err
	}
	if !cost.Pending {
		cost.Currency = c.Currency
	}
	return cost, qty, nil
}

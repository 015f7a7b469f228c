package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type PaymentState string

const (
	StatePaid      PaymentState = "PAID"
	StatePending   PaymentState = "PENDING"
	StatePartial   PaymentState = "PARTIAL"
	StateCancelled PaymentState = "CANCELLED"
)

var ErrInvalidPaymentStatus = errors.New("invalid payment status")

// PaymentStatus is the settlement state of a sale. Only a partial status
// carries an amount paid; build values with Paid, Pending, Partial or Cancelled.
type PaymentStatus struct {
	state      PaymentState
	amountPaid decimal.Decimal
}

func Paid() PaymentStatus { return PaymentStatus{state: StatePaid} }

func Pending() PaymentStatus { return PaymentStatus{state: StatePending} }

func Cancelled() PaymentStatus { return PaymentStatus{state: StateCancelled} }

func Partial(amountPaid decimal.Decimal) PaymentStatus {
	return PaymentStatus{state: StatePartial, amountPaid: amountPaid}
}

// ParsePaymentStatus builds a status from its persisted form. amountPaid is
// ignored for every state except PARTIAL.
func ParsePaymentStatus(state string, amountPaid decimal.Decimal) (PaymentStatus, error) {
	switch PaymentState(strings.ToUpper(strings.TrimSpace(state))) {
	case StatePaid:
		return Paid(), nil
	case StatePending:
		return Pending(), nil
	case StateCancelled:
		return Cancelled(), nil
	case StatePartial:
		if !amountPaid.IsPositive() {
			return PaymentStatus{}, fmt.Errorf("%w: partial status needs a positive amount paid", ErrInvalidPaymentStatus)
		}
		return Partial(amountPaid), nil
	}
	return PaymentStatus{}, fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, state)
}

func (p PaymentStatus) State() PaymentState {
	return p.state
}

func (p PaymentStatus) IsZero() bool {
	return p.state == ""
}

// IsOpen reports whether the sale still owes money.
func (p PaymentStatus) IsOpen() bool {
	return p.state == StatePending || p.state == StatePartial
}

// PartialAmount is the amount recorded by a partial status, zero otherwise.
func (p PaymentStatus) PartialAmount() decimal.Decimal {
	if p.state != StatePartial {
		return decimal.Zero
	}
	return p.amountPaid
}

// AmountPaid is how much of total has been settled.
func (p PaymentStatus) AmountPaid(total decimal.Decimal) decimal.Decimal {
	switch p.state {
	case StatePaid:
		return total
	case StatePartial:
		return p.amountPaid
	default:
		return decimal.Zero
	}
}

// Outstanding is the part of total that still counts toward the customer debt.
func (p PaymentStatus) Outstanding(total decimal.Decimal) decimal.Decimal {
	switch p.state {
	case StatePending:
		return total
	case StatePartial:
		return total.Sub(p.amountPaid)
	default:
		return decimal.Zero
	}
}

// MoneyScale is the number of decimal places every stored amount keeps.
const MoneyScale = 2

// IsWholeCents reports whether amount has no digits beyond MoneyScale.
func IsWholeCents(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MoneyScale))
}

func (p PaymentStatus) Validate(total decimal.Decimal) error {
	switch p.state {
	case StatePaid, StatePending, StateCancelled:
		return nil
	case StatePartial:
		if !p.amountPaid.IsPositive() || p.amountPaid.GreaterThanOrEqual(total) {
			return fmt.Errorf("%w: partial amount %s must be between 0 and %s", ErrInvalidPaymentStatus, p.amountPaid, total)
		}
		if !IsWholeCents(p.amountPaid) {
			return fmt.Errorf("%w: partial amount %s has more than %d decimals", ErrInvalidPaymentStatus, p.amountPaid, MoneyScale)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, p.state)
}

func (p PaymentStatus) Equal(other PaymentStatus) bool {
	return p.state == other.state && p.amountPaid.Equal(other.amountPaid)
}

func (p PaymentStatus) String() string {
	if p.state == StatePartial {
		return fmt.Sprintf("%s(%s)", p.state, p.amountPaid)
	}
	return string(p.state)
}

type paymentStatusJSON struct {
	State      PaymentState     `json:"state"`
	AmountPaid *decimal.Decimal `json:"amount_paid,omitempty"`
}

func (p PaymentStatus) MarshalJSON() ([]byte, error) {
	out := paymentStatusJSON{State: p.state}
	if p.state == StatePartial {
		amount := p.amountPaid
		out.AmountPaid = &amount
	}
	return json.Marshal(out)
}

func (p *PaymentStatus) UnmarshalJSON(data []byte) error {
	var in paymentStatusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	amount := decimal.Zero
	if in.AmountPaid != nil {
		amount = *in.AmountPaid
	}
	parsed, err := ParsePaymentStatus(string(in.State), amount)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

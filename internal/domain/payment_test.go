package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentStatusOutstanding(t *testing.T) {
	total := decimal.NewFromInt(3000)

	cases := []struct {
		name        string
		status      PaymentStatus
		outstanding int64
		paid        int64
	}{
		{name: "pending", status: Pending(), outstanding: 3000, paid: 0},
		{name: "partial", status: Partial(decimal.NewFromInt(500)), outstanding: 2500, paid: 500},
		{name: "paid", status: Paid(), outstanding: 0, paid: 3000},
		{name: "cancelled", status: Cancelled(), outstanding: 0, paid: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.status.Outstanding(total).Equal(decimal.NewFromInt(tc.outstanding)))
			assert.True(t, tc.status.AmountPaid(total).Equal(decimal.NewFromInt(tc.paid)))
		})
	}
}

func TestPaymentStatusPartialAmountOnlyForPartial(t *testing.T) {
	assert.True(t, Paid().PartialAmount().IsZero())
	assert.True(t, Pending().PartialAmount().IsZero())
	assert.True(t, Partial(decimal.NewFromInt(10)).PartialAmount().Equal(decimal.NewFromInt(10)))

	parsed, err := ParsePaymentStatus("paid", decimal.NewFromInt(999))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(Paid()), "amount must be dropped for non-partial states")
}

func TestPaymentStatusValidate(t *testing.T) {
	total := decimal.NewFromInt(1000)

	require.NoError(t, Pending().Validate(total))
	require.NoError(t, Partial(decimal.NewFromInt(1)).Validate(total))
	assert.ErrorIs(t, Partial(decimal.NewFromInt(1000)).Validate(total), ErrInvalidPaymentStatus)
	assert.ErrorIs(t, Partial(decimal.Zero).Validate(total), ErrInvalidPaymentStatus)
	assert.ErrorIs(t, PaymentStatus{}.Validate(total), ErrInvalidPaymentStatus)
	assert.ErrorIs(t, Partial(decimal.RequireFromString("0.004")).Validate(total), ErrInvalidPaymentStatus)
	require.NoError(t, Partial(decimal.RequireFromString("999.99")).Validate(total))

	_, err := ParsePaymentStatus("PARTIAL", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPaymentStatus)
	_, err = ParsePaymentStatus("refunded", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPaymentStatus)
}

func TestIsWholeCents(t *testing.T) {
	assert.True(t, IsWholeCents(decimal.RequireFromString("10.10")))
	assert.True(t, IsWholeCents(decimal.RequireFromString("10.100")), "trailing zeros are still whole cents")
	assert.True(t, IsWholeCents(decimal.NewFromInt(2500)))
	assert.False(t, IsWholeCents(decimal.RequireFromString("10.001")))
	assert.False(t, IsWholeCents(decimal.RequireFromString("0.004")))
}

func TestPaymentStatusJSONShape(t *testing.T) {
	raw, err := json.Marshal(Pending())
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"PENDING"}`, string(raw))

	var decoded PaymentStatus
	require.NoError(t, json.Unmarshal([]byte(`{"state":"PARTIAL","amount_paid":500}`), &decoded))
	assert.Equal(t, StatePartial, decoded.State())
	assert.True(t, decoded.PartialAmount().Equal(decimal.NewFromInt(500)))

	assert.Error(t, json.Unmarshal([]byte(`{"state":"SETTLED"}`), &decoded))
}

func TestParseGrade(t *testing.T) {
	grade, err := ParseGrade(" medium ")
	require.NoError(t, err)
	assert.Equal(t, GradeMedium, grade)

	_, err = ParseGrade("XL")
	assert.ErrorIs(t, err, ErrInvalidGrade)
}

func TestStockLevelsCloneFillsEveryGrade(t *testing.T) {
	levels := StockLevels{GradeLarge: 7}
	clone := levels.Clone()

	assert.Len(t, clone, len(Grades))
	assert.Equal(t, 7, clone.Available(GradeLarge))
	assert.Equal(t, 0, clone.Available(GradeJumbo))

	clone[GradeLarge] = 1
	assert.Equal(t, 7, levels[GradeLarge])
}

package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOpErrorFormatsContext(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	err := FailLine("sales.create", Ref(RefSale, id), 3, ErrInsufficientStock, "RADIO available 1, requested 2")

	require.Equal(t, "sales.create SALE:11111111-2222-3333-4444-555555555555 line 3: insufficient stock (RADIO available 1, requested 2)", err.Error())
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 3, LineOf(fmt.Errorf("wrapped: %w", err)))
	require.Zero(t, LineOf(errors.New("plain")))
}

func TestReasonLabels(t *testing.T) {
	cases := map[string]error{
		"":                   nil,
		"invalid_state":      Fail("op", Reference{}, ErrInvalidState, ""),
		"split_mismatch":     ErrSplitMismatch,
		"missing_party":      fmt.Errorf("x: %w", ErrMissingParty),
		"not_found":          fmt.Errorf("product %w", ErrNotFound),
		"validation":         ErrValidation,
		"unbalanced_posting": ErrUnbalancedPosting,
		"error":              errors.New("other"),
	}
	for want, err := range cases {
		require.Equal(t, want, Reason(err))
	}
}

func TestReferenceValidation(t *testing.T) {
	require.NoError(t, Ref(RefShipment, uuid.New()).Validate())
	require.ErrorIs(t, Ref("INVOICE", uuid.New()).Validate(), ErrValidation)
	require.ErrorIs(t, Ref(RefShipment, uuid.Nil).Validate(), ErrValidation)
	require.True(t, Reference{}.IsZero())
}

func TestMoneyHelpers(t *testing.T) {
	require.True(t, RoundMoney(decimal.RequireFromString("2.345")).Equal(decimal.RequireFromString("2.35")))
	require.True(t, Percent(decimal.NewFromInt(90), decimal.NewFromInt(8)).Equal(decimal.RequireFromString("7.2")))
	require.True(t, WithinTolerance(decimal.RequireFromString("97.21"), decimal.RequireFromString("97.20"), Cent))
	require.False(t, WithinTolerance(decimal.RequireFromString("97.22"), decimal.RequireFromString("97.20"), Cent))
}

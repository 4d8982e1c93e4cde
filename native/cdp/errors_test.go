package cdp

import (
	"errors"
	"fmt"
	"testing"

	nativecommon "usq/native/common"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ErrInvalidAmount, KindValidation},
		{ErrUnhealthyPosition, KindSolvency},
		{ErrSameSlot, KindState},
		{ErrStalePrice, KindOracle},
		{ErrArithmeticOverflow, KindInternal},
		{fmt.Errorf("accrue: %w", ErrArithmeticUnderflow), KindInternal},
		{ErrUnauthorized, KindPermission},
		{nativecommon.ErrModulePaused, KindState},
		{fmt.Errorf("wrapped: %w", ErrRateLimited), KindState},
		{&OpError{Op: "mint", Err: ErrGlobalCeiling}, KindSolvency},
		{fmt.Errorf("burn: %w: %w", ErrNoDebt, ErrInteractionFailed), KindSolvency},
		{fmt.Errorf("burn: %w: %w", errors.New("bank down"), ErrInteractionFailed), KindInternal},
		{errors.New("opaque"), KindInternal},
		{nil, KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestOpErrorFormatting(t *testing.T) {
	err := opError("withdraw", alice, tokenA, ErrInsufficientBalance)
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OpError, got %T", err)
	}
	if opErr.Kind() != KindValidation || !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("unexpected classification: %v", err)
	}
	want := "withdraw user=" + alice.Hex() + " collateral=" + tokenA.Hex() + ": " + ErrInsufficientBalance.Error()
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if opError("withdraw", alice, tokenA, err) != err {
		t.Fatalf("opError must not double wrap")
	}
}

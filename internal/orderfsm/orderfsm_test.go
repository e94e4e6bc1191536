package orderfsm

import "testing"

func TestCanTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateAccepted, true},
		{StateCreated, StateCancelled, true},
		{StateCreated, StateInProgress, false},
		{StateAccepted, StateInProgress, true},
		{StateInProgress, StateCompleted, true},
		{StateInProgress, StateReturned, true},
		{StateCompleted, StateReturned, true},
		{StateCompleted, StateCancelled, false},
		{StateCancelled, StateAccepted, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	if !StateCancelled.Terminal() || !StateReturned.Terminal() {
		t.Fatal("expected CANCELLED and RETURNED to be terminal")
	}
	if StateCompleted.Terminal() {
		t.Fatal("expected COMPLETED to admit a further transition (to RETURNED), so not terminal")
	}
}

func TestValidCancelReasonRanges(t *testing.T) {
	if !ValidCancelReason("001") || !ValidCancelReason("016") {
		t.Fatal("expected buyer cancel codes 001-016 to be valid")
	}
	if !ValidCancelReason("017") || !ValidCancelReason("020") {
		t.Fatal("expected seller cancel codes 017-020 to be valid")
	}
	if ValidCancelReason("021") || ValidCancelReason("000") {
		t.Fatal("expected out-of-range cancel codes to be rejected")
	}
}

func TestValidReturnReasonRanges(t *testing.T) {
	if !ValidReturnReason("001") || !ValidReturnReason("008") {
		t.Fatal("expected buyer return codes 001-008 to be valid")
	}
	if !ValidReturnReason("009") || !ValidReturnReason("011") {
		t.Fatal("expected seller return codes 009-011 to be valid")
	}
	if ValidReturnReason("012") {
		t.Fatal("expected out-of-range return codes to be rejected")
	}
}

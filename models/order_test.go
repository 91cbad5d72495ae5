package models

import "testing"

func TestOrderStatus_CanTransition(t *testing.T) {
	testCases := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderPending, OrderProcessing, true},
		{OrderPending, OrderCompleted, true},
		{OrderProcessing, OrderCompleted, true},
		{OrderCompleted, OrderRefunded, true},
		{OrderPending, OrderCancelled, true},
		{OrderCompleted, OrderCancelled, true},
		{OrderCompleted, OrderPending, false},
		{OrderCompleted, OrderProcessing, false},
		{OrderProcessing, OrderPending, false},
		{OrderRefunded, OrderCompleted, false},
		{OrderCancelled, OrderCompleted, false},
		{OrderCancelled, OrderRefunded, false},
		{OrderPending, OrderPending, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			if got := tc.from.CanTransition(tc.to); got != tc.want {
				t.Errorf("Expected %s -> %s allowed=%v, got %v", tc.from, tc.to, tc.want, got)
			}
		})
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderCancelled, OrderRefunded} {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
		if s.Fulfillable() {
			t.Errorf("Expected %s not to be fulfillable", s)
		}
	}
	for _, s := range []OrderStatus{OrderPending, OrderProcessing, OrderCompleted} {
		if s.Terminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
	if OrderStatus("SHIPPED").Valid() {
		t.Error("Expected unknown status to be invalid")
	}
}

func TestOrder_CloneIsIndependent(t *testing.T) {
	o := &Order{ID: "o1", LicenseKeys: []string{"TPL-A"}}
	c := o.Clone()
	c.LicenseKeys[0] = "TPL-B"

	if o.LicenseKeys[0] != "TPL-A" {
		t.Errorf("Expected original license keys untouched, got %v", o.LicenseKeys)
	}
}

package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNeedsWork(t *testing.T) {
	hash := "0xab"
	cases := []struct {
		order Order
		want  bool
	}{
		{Order{Status: OrderAwaitingPayment}, false},
		{Order{Status: OrderAwaitingPayment, PaymentTxHash: &hash}, true},
		{Order{Status: OrderPaid}, true},
		{Order{Status: OrderFulfilling, FulfillTxHash: &hash}, true},
		{Order{Status: OrderFulfilled, PaymentTxHash: &hash}, false},
		{Order{Status: OrderFailed, PaymentTxHash: &hash}, false},
		{Order{Status: OrderExpired, PaymentTxHash: &hash}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.order.NeedsWork(), string(tc.order.Status))
		require.Equal(t, tc.order.Status.Rank() == 3, tc.order.Status.Terminal(), string(tc.order.Status))
	}
}

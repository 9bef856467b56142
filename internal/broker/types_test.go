package broker

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betbot/gobroker/internal/domain"
)

func TestRemoteOrder_MappedStatus(t *testing.T) {
	cases := []struct {
		status string
		filled string
		want   domain.OrderStatus
	}{
		{"LOCAL", "0", domain.OrderStatusPendingSubmit},
		{"WORKING", "0", domain.OrderStatusSubmitted},
		{"NEW", "0", domain.OrderStatusSubmitted},
		{"PROCESSING", "0", domain.OrderStatusSubmitted},
		{"WORKING", "2.5", domain.OrderStatusPartiallyFilled},
		{"FILLED", "10", domain.OrderStatusFilled},
		{"CANCELLED", "0", domain.OrderStatusCancelled},
		{"CANCELLING", "0", domain.OrderStatusCancelled},
		{"REJECTED", "0", domain.OrderStatusRejected},
		{"EXPIRED", "3", domain.OrderStatusExpired},
		{"SOMETHING_NEW", "0", domain.OrderStatusUnknown},
	}
	for _, c := range cases {
		o := RemoteOrder{
			Status:         c.status,
			FilledQuantity: decimal.RequireFromString(c.filled),
		}
		if got := o.MappedStatus(); got != c.want {
			t.Fatalf("status %s filled=%s: got=%s want=%s", c.status, c.filled, got, c.want)
		}
	}
}

func TestRemoteOrder_SignedQuantitySide(t *testing.T) {
	buy := RemoteOrder{Quantity: decimal.RequireFromString("5")}
	sell := RemoteOrder{Quantity: decimal.RequireFromString("-5")}

	if buy.Side() != domain.SideBuy {
		t.Fatalf("positive quantity should map to BUY")
	}
	if sell.Side() != domain.SideSell {
		t.Fatalf("negative quantity should map to SELL")
	}
	if !sell.AbsQuantity().Equal(decimal.RequireFromString("5")) {
		t.Fatalf("abs quantity got=%s", sell.AbsQuantity())
	}
}

func TestRemoteOrder_AvgFillPrice(t *testing.T) {
	o := RemoteOrder{
		FilledQuantity: decimal.RequireFromString("-4"),
		FilledValue:    decimal.RequireFromString("-41"),
	}
	// 卖单的 filledValue 也是带符号的，均价必须取绝对值口径
	if got := o.AvgFillPrice(); !got.Equal(decimal.RequireFromString("10.25")) {
		t.Fatalf("avg fill price got=%s want=10.25", got)
	}

	empty := RemoteOrder{}
	if !empty.AvgFillPrice().IsZero() {
		t.Fatalf("zero fills should yield zero avg price, got=%s", empty.AvgFillPrice())
	}
}

func TestRemoteError_Predicates(t *testing.T) {
	auth := &RemoteError{Status: 401, Message: "Bad API key"}
	if !auth.IsAuthFailure() {
		t.Fatalf("401 should be auth failure")
	}

	rate := &RemoteError{Status: 429, Message: "Limited"}
	if !rate.IsRateLimited() {
		t.Fatalf("429 should be rate limited")
	}

	nf := &RemoteError{Status: 404, Message: "Order not found"}
	if !nf.IsOrderNotFound() {
		t.Fatalf("404 + message should be order-not-found")
	}
	other404 := &RemoteError{Status: 404, Message: "no such endpoint"}
	if other404.IsOrderNotFound() {
		t.Fatalf("404 with other message is not order-not-found")
	}

	gate := &RemoteError{Status: 400, Message: "Not available for real money accounts"}
	if !gate.IsRealMoneyGate() {
		t.Fatalf("real money gate message should be detected")
	}
}

func TestAsRemoteError_Wrapped(t *testing.T) {
	var err error = &RemoteError{Status: 500, Message: "boom"}
	re, ok := AsRemoteError(err)
	if !ok || re.Status != 500 {
		t.Fatalf("AsRemoteError failed: ok=%v re=%+v", ok, re)
	}

	te, ok := AsTransportError(&TransportError{Err: err})
	if !ok || te == nil {
		t.Fatalf("AsTransportError failed")
	}
	if _, ok := AsRemoteError(&TransportError{Err: err}); !ok {
		// TransportError 包着 RemoteError 时 errors.As 能穿透 Unwrap
		t.Fatalf("wrapped RemoteError should still be extractable")
	}
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOrderMetrics(t *testing.T) {
	// Reset metrics to initial state
	OrdersSubmitted.Reset()
	OrdersRejected.Reset()

	UpdateOrderSubmitted("BTCUSDT", "buy", "limit")
	UpdateOrderSubmitted("BTCUSDT", "buy", "limit")
	UpdateOrderRejected("validation_error")

	got := testutil.ToFloat64(OrdersSubmitted.WithLabelValues("BTCUSDT", "buy", "limit"))
	if got != 2 {
		t.Errorf("Expected OrdersSubmitted to be 2, got %f", got)
	}
	got = testutil.ToFloat64(OrdersRejected.WithLabelValues("validation_error"))
	if got != 1 {
		t.Errorf("Expected OrdersRejected to be 1, got %f", got)
	}
}

func TestPositionMetrics(t *testing.T) {
	PositionNet.Reset()
	PositionRealizedPnL.Reset()
	PositionUnrealizedPnL.Reset()

	UpdatePositionMetrics("acc1", "BTCUSDT", 3, 20, -5)

	if got := testutil.ToFloat64(PositionNet.WithLabelValues("acc1", "BTCUSDT")); got != 3 {
		t.Errorf("Expected PositionNet to be 3, got %f", got)
	}
	if got := testutil.ToFloat64(PositionRealizedPnL.WithLabelValues("acc1", "BTCUSDT")); got != 20 {
		t.Errorf("Expected PositionRealizedPnL to be 20, got %f", got)
	}
	if got := testutil.ToFloat64(PositionUnrealizedPnL.WithLabelValues("acc1", "BTCUSDT")); got != -5 {
		t.Errorf("Expected PositionUnrealizedPnL to be -5, got %f", got)
	}
}

func TestPubSubMetrics(t *testing.T) {
	EventsPublished.Reset()
	EventsDropped.Reset()

	UpdateEventPublished("orders:acc1")
	UpdateEventPublished("orders:acc1")
	UpdateEventDropped("orders:*")

	if got := testutil.ToFloat64(EventsPublished.WithLabelValues("orders:acc1")); got != 2 {
		t.Errorf("Expected EventsPublished to be 2, got %f", got)
	}
	if got := testutil.ToFloat64(EventsDropped.WithLabelValues("orders:*")); got != 1 {
		t.Errorf("Expected EventsDropped to be 1, got %f", got)
	}
}

func TestTickMetrics(t *testing.T) {
	FeedTicks.Reset()
	FeedLastPrice.Reset()

	UpdateTick("ETHUSDT", 2000.5)

	if got := testutil.ToFloat64(FeedTicks.WithLabelValues("ETHUSDT")); got != 1 {
		t.Errorf("Expected FeedTicks to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(FeedLastPrice.WithLabelValues("ETHUSDT")); got != 2000.5 {
		t.Errorf("Expected FeedLastPrice to be 2000.5, got %f", got)
	}
}

package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"alert-trader/internal/config"
	"alert-trader/internal/intent"
)

func testSizing() config.SizingConfig {
	return config.SizingConfig{
		MaxPctPortfolio:  0.05,
		MaxDollarAmount:  20000,
		MinTradeQuantity: 1,
		BuyPricePadding:  0.02,
	}
}

func testChannel() config.ChannelConfig {
	return config.ChannelConfig{
		ID:                  1,
		Name:                "Ryan",
		Mode:                config.ModeLive,
		Multiplier:          1.0,
		InitialStopLoss:     0.35,
		TrailingStopLossPct: 0.20,
	}
}

func TestComputeBuyOrder_ReferenceExample(t *testing.T) {
	sizer := NewSizer(testSizing())

	order, err := sizer.ComputeBuyOrder(decimal.RequireFromString("2.00"), intent.SizeFull, testChannel(), decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("ComputeBuyOrder returned error: %v", err)
	}

	if !order.MaxDollarAmount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected allocation 5000, got %s", order.MaxDollarAmount)
	}
	if !order.LimitPrice.Equal(decimal.RequireFromString("2.04")) {
		t.Errorf("expected limit 2.04, got %s", order.LimitPrice)
	}
	if order.Contracts != 24 {
		t.Errorf("expected 24 contracts, got %d", order.Contracts)
	}
	if !order.StopPrice.Equal(decimal.RequireFromString("1.30")) {
		t.Errorf("expected stop 1.30, got %s", order.StopPrice)
	}
}

func TestComputeBuyOrder_DollarCap(t *testing.T) {
	sizer := NewSizer(testSizing())

	order, err := sizer.ComputeBuyOrder(decimal.RequireFromString("1.00"), intent.SizeFull, testChannel(), decimal.NewFromInt(1_000_000))
	if err != nil {
		t.Fatalf("ComputeBuyOrder returned error: %v", err)
	}
	if !order.MaxDollarAmount.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("expected dollar cap 20000, got %s", order.MaxDollarAmount)
	}
	// 20000 / (1.02 * 100) = 196.07
	if order.Contracts != 196 {
		t.Fatalf("expected 196 contracts, got %d", order.Contracts)
	}
}

func TestComputeBuyOrder_SizeAndChannelMultipliers(t *testing.T) {
	sizer := NewSizer(testSizing())
	channel := testChannel()
	channel.Multiplier = 0.7

	order, err := sizer.ComputeBuyOrder(decimal.RequireFromString("0.50"), intent.SizeHalf, channel, decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("ComputeBuyOrder returned error: %v", err)
	}
	// 0.05 * 0.5 * 0.7 * 100000 = 1750; 1750 / 51 = 34.3
	if !order.MaxDollarAmount.Equal(decimal.NewFromInt(1750)) {
		t.Errorf("expected 1750, got %s", order.MaxDollarAmount)
	}
	if order.Contracts != 34 {
		t.Errorf("expected 34 contracts, got %d", order.Contracts)
	}
}

func TestComputeBuyOrder_MinimumQuantity(t *testing.T) {
	sizer := NewSizer(testSizing())

	order, err := sizer.ComputeBuyOrder(decimal.RequireFromString("30.00"), intent.SizeLotto, testChannel(), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("ComputeBuyOrder returned error: %v", err)
	}
	if order.Contracts != 1 {
		t.Fatalf("expected floor to minimum quantity 1, got %d", order.Contracts)
	}
}

func TestComputeBuyOrder_ConfiguredMultiplierOverridesDefault(t *testing.T) {
	cfg := testSizing()
	cfg.SizeMultipliers = map[string]float64{"lotto": 0.2}
	sizer := NewSizer(cfg)

	if got := sizer.SizeMultiplier(intent.SizeLotto); !got.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("expected configured lotto multiplier 0.2, got %s", got)
	}
	if got := sizer.SizeMultiplier(intent.SizeSmall); !got.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("expected default small multiplier 0.25, got %s", got)
	}
}

func TestComputeBuyOrder_InvalidPrice(t *testing.T) {
	sizer := NewSizer(testSizing())

	for _, price := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)} {
		if _, err := sizer.ComputeBuyOrder(price, intent.SizeFull, testChannel(), decimal.NewFromInt(100000)); !errors.Is(err, ErrInvalidPrice) {
			t.Errorf("price %s: expected ErrInvalidPrice, got %v", price, err)
		}
	}
}

func TestTrimQuantity(t *testing.T) {
	cases := map[int64]int64{
		0:  0,
		1:  1,
		3:  1,
		4:  1,
		8:  2,
		24: 6,
		25: 6,
	}
	for held, want := range cases {
		got := TrimQuantity(held)
		if got != want {
			t.Errorf("TrimQuantity(%d)=%d want %d", held, got, want)
		}
		if got > held {
			t.Errorf("TrimQuantity(%d)=%d sells more than held", held, got)
		}
	}
}

func TestTrailingStop_FlooredAtCostBasis(t *testing.T) {
	cost := decimal.RequireFromString("1.50")

	if got := TrailingStop(cost, decimal.RequireFromString("1.60"), 0.20); !got.Equal(cost) {
		t.Errorf("expected floor at cost 1.50, got %s", got)
	}
	if got := TrailingStop(cost, decimal.RequireFromString("3.00"), 0.20); !got.Equal(decimal.RequireFromString("2.40")) {
		t.Errorf("expected trailing 2.40, got %s", got)
	}
}

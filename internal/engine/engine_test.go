package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alert-trader/internal/broker"
	"alert-trader/internal/config"
	"alert-trader/internal/intent"
	"alert-trader/internal/option"
	"alert-trader/internal/position"
	"alert-trader/internal/risk"
)

type recordingBroker struct {
	mu sync.Mutex

	name      string
	equity    decimal.Decimal
	position  *broker.PositionSnapshot
	openOrder []broker.Order
	mark      decimal.Decimal

	buyErr  error
	stopErr error
	sellErr error
	findErr error

	calls []string
	sells []int64
	stops []decimal.Decimal
	buys  []int64
	limit []decimal.Decimal
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{name: "fake", equity: decimal.NewFromInt(100000), mark: decimal.RequireFromString("3.00")}
}

func (f *recordingBroker) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *recordingBroker) Name() string { return f.name }

func (f *recordingBroker) AccountEquity(context.Context) (decimal.Decimal, error) {
	f.record("equity")
	return f.equity, nil
}

func (f *recordingBroker) FindOpenPosition(_ context.Context, c option.Contract) (broker.PositionSnapshot, error) {
	f.record("find")
	if f.findErr != nil {
		return broker.PositionSnapshot{}, f.findErr
	}
	if f.position == nil {
		return broker.PositionSnapshot{}, broker.ErrNoPosition
	}
	snap := *f.position
	snap.Contract = c
	return snap, nil
}

func (f *recordingBroker) OpenOrdersFor(context.Context, string) ([]broker.Order, error) {
	f.record("orders")
	return f.openOrder, nil
}

func (f *recordingBroker) CancelOrder(_ context.Context, id string) error {
	f.record("cancel:" + id)
	return nil
}

func (f *recordingBroker) PlaceLimitBuy(_ context.Context, _ option.Contract, qty int64, limit decimal.Decimal) (broker.Order, error) {
	f.record("buy")
	if f.buyErr != nil {
		return broker.Order{}, f.buyErr
	}
	f.buys = append(f.buys, qty)
	f.limit = append(f.limit, limit)
	return broker.Order{ID: "buy-1", Side: broker.SideBuy, Type: broker.OrderTypeLimit, Quantity: qty, LimitPrice: limit}, nil
}

func (f *recordingBroker) PlaceStopLoss(_ context.Context, _ option.Contract, qty int64, stop decimal.Decimal) (broker.Order, error) {
	f.record("stop")
	if f.stopErr != nil {
		return broker.Order{}, f.stopErr
	}
	f.stops = append(f.stops, stop)
	return broker.Order{ID: "stop-1", Side: broker.SideSell, Type: broker.OrderTypeStop, Quantity: qty, StopPrice: stop}, nil
}

func (f *recordingBroker) PlaceMarketSell(_ context.Context, _ option.Contract, qty int64) (broker.Order, error) {
	f.record("sell")
	if f.sellErr != nil {
		return broker.Order{}, f.sellErr
	}
	f.sells = append(f.sells, qty)
	return broker.Order{ID: "sell-1", Side: broker.SideSell, Type: broker.OrderTypeMarket, Quantity: qty}, nil
}

func (f *recordingBroker) MarkPrice(context.Context, option.Contract) (decimal.Decimal, error) {
	f.record("mark")
	return f.mark, nil
}

func (f *recordingBroker) OpenPositions(context.Context) ([]broker.PositionSnapshot, error) {
	return nil, nil
}

func (f *recordingBroker) OpenOrders(context.Context) ([]broker.Order, error) {
	return f.openOrder, nil
}

func (f *recordingBroker) Reconnect(context.Context) error { return nil }

func (f *recordingBroker) hasCall(name string) bool {
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

const channelID int64 = 1072559822366576780

func testChannel() config.ChannelConfig {
	return config.ChannelConfig{
		ID:                  channelID,
		Name:                "Ryan",
		Mode:                config.ModeLive,
		Parser:              config.ParserTitled,
		Multiplier:          1.0,
		InitialStopLoss:     0.35,
		TrailingStopLossPct: 0.20,
	}
}

func testSizer() *risk.Sizer {
	return risk.NewSizer(config.SizingConfig{
		MaxPctPortfolio:  0.05,
		MaxDollarAmount:  20000,
		MinTradeQuantity: 1,
		BuyPricePadding:  0.02,
	})
}

func newTestEngine(t *testing.T, b broker.Broker) (*Engine, *position.Store) {
	t.Helper()
	store, err := position.Open(filepath.Join(t.TempDir(), "tracked.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store, testSizer(), nil, b, nil, nil), store
}

func spyIntent(action intent.Action, price intent.Price) intent.TradeIntent {
	return intent.TradeIntent{
		Action:     action,
		Ticker:     "SPY",
		Strike:     decimal.NewFromInt(450),
		OptionType: option.Call,
		Expiration: "2025-03-21",
		Price:      price,
		Size:       intent.SizeFull,
	}
}

func seedPosition(t *testing.T, store *position.Store, purchase string) position.Position {
	t.Helper()
	in := spyIntent(intent.ActionBuy, intent.At(decimal.RequireFromString(purchase)))
	pos, err := store.Add(channelID, in)
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

func TestHandleTrade_BuySizesAndRecords(t *testing.T) {
	fake := newRecordingBroker()
	eng, store := newTestEngine(t, fake)

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionBuy, intent.At(decimal.RequireFromString("2.00"))), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeOpened {
		t.Fatalf("expected opened, got %s: %s", res.Outcome, res.Summary)
	}
	if len(fake.buys) != 1 || fake.buys[0] != 24 {
		t.Fatalf("expected 24 contracts, got %v", fake.buys)
	}
	if !fake.limit[0].Equal(decimal.RequireFromString("2.04")) {
		t.Fatalf("expected limit 2.04, got %s", fake.limit[0])
	}
	if len(fake.stops) != 1 || !fake.stops[0].Equal(decimal.RequireFromString("1.30")) {
		t.Fatalf("expected stop 1.30, got %v", fake.stops)
	}

	pos, ok := store.Find(channelID, option.Contract{})
	if !ok || pos.TradeID != res.TradeID {
		t.Fatalf("expected recorded position %s, got %+v", res.TradeID, pos)
	}
	if !pos.PurchasePrice.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("expected purchase price 2.00, got %s", pos.PurchasePrice)
	}
}

func TestHandleTrade_BuyFailureRecordsNothing(t *testing.T) {
	fake := newRecordingBroker()
	fake.buyErr = errors.New("insufficient buying power")
	eng, store := newTestEngine(t, fake)

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionBuy, intent.At(decimal.RequireFromString("2.00"))), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Fatalf("expected failure, got %s", res.Outcome)
	}
	if fake.hasCall("stop") {
		t.Fatalf("stop must not be placed after a failed buy")
	}
	if _, ok := store.Find(channelID, option.Contract{}); ok {
		t.Fatalf("failed buy must not record a position")
	}
}

func TestHandleTrade_StopFailureStillRecords(t *testing.T) {
	fake := newRecordingBroker()
	fake.stopErr = errors.New("stop rejected")
	eng, store := newTestEngine(t, fake)

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionBuy, intent.At(decimal.RequireFromString("2.00"))), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeOpened || len(res.Warnings) != 1 {
		t.Fatalf("expected opened with warning, got %s %v", res.Outcome, res.Warnings)
	}
	if _, ok := store.Find(channelID, option.Contract{}); !ok {
		t.Fatalf("position must be recorded even when the stop fails")
	}
}

func TestHandleTrade_BuyRejectsBreakevenAndZeroPrice(t *testing.T) {
	for _, price := range []intent.Price{intent.Breakeven(), {}} {
		fake := newRecordingBroker()
		eng, _ := newTestEngine(t, fake)

		res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionBuy, price), testChannel(), ExecutionContext{})
		if res.Outcome != OutcomeRejected {
			t.Fatalf("price %s: expected rejection, got %s", price, res.Outcome)
		}
		if len(fake.calls) != 0 {
			t.Fatalf("price %s: expected no broker calls, got %v", price, fake.calls)
		}
	}
}

func TestHandleTrade_MissingFieldsRejectedBeforeBroker(t *testing.T) {
	fake := newRecordingBroker()
	eng, _ := newTestEngine(t, fake)

	in := intent.TradeIntent{Action: intent.ActionBuy, Ticker: "SPY", Price: intent.At(decimal.RequireFromString("1.00"))}
	res := eng.HandleTrade(context.Background(), channelID, in, testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %s", res.Outcome)
	}
	for _, field := range []string{"strike", "expiration", "type"} {
		if !strings.Contains(res.Summary, field) {
			t.Errorf("expected %q in summary %q", field, res.Summary)
		}
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no broker calls, got %v", fake.calls)
	}
}

func TestHandleTrade_TrimFallsBackToLatestPosition(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 8}
	fake.mark = decimal.RequireFromString("3.00")
	eng, store := newTestEngine(t, fake)
	pos := seedPosition(t, store, "1.50")

	res := eng.HandleTrade(context.Background(), channelID, intent.TradeIntent{Action: intent.ActionTrim}, testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeTrimmed {
		t.Fatalf("expected trimmed, got %s: %s", res.Outcome, res.Summary)
	}
	if res.Intent.Ticker != "SPY" || res.Intent.Expiration != "2025-03-21" {
		t.Fatalf("expected contract filled from position, got %+v", res.Intent)
	}
	if len(fake.sells) != 1 || fake.sells[0] != 2 {
		t.Fatalf("expected to sell 2 of 8, got %v", fake.sells)
	}
	// max(1.50, 3.00 * 0.8) = 2.40
	if len(fake.stops) != 1 || !fake.stops[0].Equal(decimal.RequireFromString("2.40")) {
		t.Fatalf("expected trailing stop 2.40, got %v", fake.stops)
	}
	if got, ok := store.Find(channelID, option.Contract{}); !ok || got.TradeID != pos.TradeID {
		t.Fatalf("trim must keep the tracked position")
	}
}

func TestHandleTrade_TrimStopFlooredAtCost(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 3}
	fake.mark = decimal.RequireFromString("1.60")
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "1.50")

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionTrim, intent.Price{}), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeTrimmed {
		t.Fatalf("expected trimmed, got %s: %s", res.Outcome, res.Summary)
	}
	if fake.sells[0] != 1 {
		t.Fatalf("expected minimum trim of 1, got %d", fake.sells[0])
	}
	if !fake.stops[0].Equal(decimal.RequireFromString("1.50")) {
		t.Fatalf("expected stop floored at cost 1.50, got %s", fake.stops[0])
	}
}

func TestHandleTrade_TrimSingleContractCloses(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 1}
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "1.50")

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionTrim, intent.Price{}), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeClosed {
		t.Fatalf("expected closed, got %s", res.Outcome)
	}
	if fake.sells[0] != 1 || fake.hasCall("stop") {
		t.Fatalf("expected a single-contract sell and no stop, got %v", fake.calls)
	}
	if _, ok := store.Find(channelID, option.Contract{}); ok {
		t.Fatalf("expected tracked position cleared")
	}
}

func TestHandleTrade_BreakevenResolvesToPurchasePrice(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 4}
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "1.50")

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionExit, intent.Breakeven()), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeClosed {
		t.Fatalf("expected closed, got %s: %s", res.Outcome, res.Summary)
	}
	if res.Intent.Price.Breakeven || !res.Intent.Price.Amount.Equal(decimal.RequireFromString("1.50")) {
		t.Fatalf("expected BE resolved to 1.50, got %s", res.Intent.Price)
	}
}

func TestHandleTrade_BreakevenWithoutPurchasePriceRejected(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 4}
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "0")

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionExit, intent.Breakeven()), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %s", res.Outcome)
	}
	if fake.hasCall("sell") || fake.hasCall("find") {
		t.Fatalf("expected no broker activity, got %v", fake.calls)
	}
}

func TestHandleTrade_ExitCancelsThenSellsAll(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 24}
	fake.openOrder = []broker.Order{{ID: "stop-a"}, {ID: "stop-b"}}
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "2.00")

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionExit, intent.Price{}), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeClosed {
		t.Fatalf("expected closed, got %s: %s", res.Outcome, res.Summary)
	}
	want := []string{"find", "orders", "cancel:stop-a", "cancel:stop-b", "sell"}
	if strings.Join(fake.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected call order %v", fake.calls)
	}
	if fake.sells[0] != 24 {
		t.Fatalf("expected full sell of 24, got %d", fake.sells[0])
	}
	if _, ok := store.Find(channelID, option.Contract{}); ok {
		t.Fatalf("expected tracked position removed")
	}
}

func TestHandleTrade_ExitTwiceIsIdempotent(t *testing.T) {
	fake := newRecordingBroker()
	fake.position = &broker.PositionSnapshot{Instrument: "SPY250321C00450000", Quantity: 2}
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "2.00")

	first := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionExit, intent.Price{}), testChannel(), ExecutionContext{})
	if first.Outcome != OutcomeClosed {
		t.Fatalf("expected first exit to close, got %s", first.Outcome)
	}
	second := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionExit, intent.Price{}), testChannel(), ExecutionContext{})
	if second.Outcome != OutcomeNoPosition || second.Summary != "no tracked position found" {
		t.Fatalf("expected no tracked position, got %s: %s", second.Outcome, second.Summary)
	}
	if len(fake.sells) != 1 {
		t.Fatalf("expected exactly one sell, got %v", fake.sells)
	}
}

func TestHandleTrade_ReconcilesFlatBroker(t *testing.T) {
	for _, snap := range []*broker.PositionSnapshot{nil, {Instrument: "SPY250321C00450000", Quantity: 0}} {
		fake := newRecordingBroker()
		fake.position = snap
		eng, store := newTestEngine(t, fake)
		seedPosition(t, store, "2.00")

		res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionTrim, intent.Price{}), testChannel(), ExecutionContext{})
		if res.Outcome != OutcomeReconciled {
			t.Fatalf("expected reconciled, got %s: %s", res.Outcome, res.Summary)
		}
		if fake.hasCall("sell") || fake.hasCall("orders") {
			t.Fatalf("no orders may be placed when broker is flat, got %v", fake.calls)
		}
		if _, ok := store.Find(channelID, option.Contract{}); ok {
			t.Fatalf("expected tracked position cleared")
		}
	}
}

func TestHandleTrade_BrokerQueryFailureKeepsPosition(t *testing.T) {
	fake := newRecordingBroker()
	fake.findErr = errors.New("timeout")
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "2.00")

	res := eng.HandleTrade(context.Background(), channelID, spyIntent(intent.ActionExit, intent.Price{}), testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %s", res.Outcome)
	}
	if _, ok := store.Find(channelID, option.Contract{}); !ok {
		t.Fatalf("position must be kept when the broker cannot be queried")
	}
}

func TestHandleTrade_NoPositionForUnknownTicker(t *testing.T) {
	fake := newRecordingBroker()
	eng, store := newTestEngine(t, fake)
	seedPosition(t, store, "2.00")

	in := spyIntent(intent.ActionExit, intent.Price{})
	in.Ticker = "QQQ"
	res := eng.HandleTrade(context.Background(), channelID, in, testChannel(), ExecutionContext{})
	if res.Outcome != OutcomeNoPosition {
		t.Fatalf("expected no position, got %s: %s", res.Outcome, res.Summary)
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no broker calls, got %v", fake.calls)
	}
}

func TestHandleTrade_SelectsBrokerPerCall(t *testing.T) {
	live := newRecordingBroker()
	live.name = "live"
	sim := newRecordingBroker()
	sim.name = "sim"

	store, err := position.Open(filepath.Join(t.TempDir(), "tracked.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := New(store, testSizer(), live, sim, nil, nil)
	buy := spyIntent(intent.ActionBuy, intent.At(decimal.RequireFromString("2.00")))

	if res := eng.HandleTrade(context.Background(), channelID, buy, testChannel(), ExecutionContext{UseLiveBroker: true}); res.Broker != "live" {
		t.Fatalf("expected live broker, got %s", res.Broker)
	}
	if res := eng.HandleTrade(context.Background(), channelID, buy, testChannel(), ExecutionContext{}); res.Broker != "sim" {
		t.Fatalf("expected simulated broker, got %s", res.Broker)
	}
	if len(live.buys) != 1 || len(sim.buys) != 1 {
		t.Fatalf("expected one buy on each broker, live=%v sim=%v", live.buys, sim.buys)
	}

	noLive := New(store, testSizer(), nil, sim, nil, nil)
	if res := noLive.HandleTrade(context.Background(), channelID, buy, testChannel(), ExecutionContext{UseLiveBroker: true}); res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection without live broker, got %s", res.Outcome)
	}
}

func TestHandleTrade_ConcurrentExitsSellOnce(t *testing.T) {
	sim := broker.NewSimulated(decimal.Zero, nil)
	eng, store := newTestEngine(t, sim)
	ctx := context.Background()

	open := eng.HandleTrade(ctx, channelID, spyIntent(intent.ActionBuy, intent.At(decimal.RequireFromString("2.00"))), testChannel(), ExecutionContext{})
	if open.Outcome != OutcomeOpened {
		t.Fatalf("expected opened, got %s: %s", open.Outcome, open.Summary)
	}

	const workers = 8
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.HandleTrade(ctx, channelID, spyIntent(intent.ActionExit, intent.Price{}), testChannel(), ExecutionContext{})
		}(i)
	}
	wg.Wait()

	closed := 0
	for _, r := range results {
		switch r.Outcome {
		case OutcomeClosed:
			closed++
		case OutcomeNoPosition:
		default:
			t.Fatalf("unexpected outcome %s: %s", r.Outcome, r.Summary)
		}
	}
	if closed != 1 {
		t.Fatalf("expected exactly one exit to sell, got %d", closed)
	}
	if _, ok := store.Find(channelID, option.Contract{}); ok {
		t.Fatalf("expected tracked position cleared")
	}
	if orders, _ := sim.OpenOrders(ctx); len(orders) != 0 {
		t.Fatalf("expected stop order cancelled, got %+v", orders)
	}
}

func TestHandleTrade_UnparseableFieldNeverBorrowsTrackedContract(t *testing.T) {
	bad := map[string]interface{}{
		"expiration": "Mar 28",
		"strike":     "455C",
		"type":       "straddle",
	}
	for field, value := range bad {
		fake := newRecordingBroker()
		eng, store := newTestEngine(t, fake)
		seedPosition(t, store, "1.50")

		raw := intent.Record{
			"action":     "buy",
			"channel_id": channelID,
			"ticker":     "SPY",
			"strike":     450,
			"type":       "call",
			"expiration": "2025-03-28",
			"price":      1.20,
		}
		raw[field] = value

		in, err := intent.NormalizeAt(raw, time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("%s: normalize: %v", field, err)
		}

		res := eng.HandleTrade(context.Background(), channelID, in, testChannel(), ExecutionContext{})
		if res.Outcome != OutcomeRejected {
			t.Fatalf("%s: expected rejection, got %s: %s", field, res.Outcome, res.Summary)
		}
		if !strings.Contains(res.Summary, "invalid contract information: "+field) {
			t.Errorf("%s: unexpected summary %q", field, res.Summary)
		}
		if len(fake.calls) != 0 {
			t.Errorf("%s: expected no broker calls, got %v", field, fake.calls)
		}
		if len(store.List(channelID)) != 1 {
			t.Errorf("%s: tracked positions must be untouched", field)
		}
	}
}

func TestResult_OK(t *testing.T) {
	cases := map[Outcome]bool{
		OutcomeOpened:     true,
		OutcomeTrimmed:    true,
		OutcomeClosed:     true,
		OutcomeReconciled: true,
		OutcomeNoPosition: true,
		OutcomeRejected:   false,
		OutcomeFailed:     false,
	}
	for outcome, want := range cases {
		if got := (Result{Outcome: outcome}).OK(); got != want {
			t.Errorf("%s: OK()=%v, want %v", outcome, got, want)
		}
	}
}

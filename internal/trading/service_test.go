package trading

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/internal/ledger"
	"github.com/betbot/bracketbot/internal/risk"
	"github.com/betbot/bracketbot/internal/tradelocker"
)

type fakeBroker struct {
	mu sync.Mutex

	account    domain.Account
	accountErr error

	placeID  string
	placeErr error
	placed   []tradelocker.OrderRequest

	cancelErr map[string]error
	canceled  []string
	onCancel  func(id string)

	modifyErr map[string]error
	modified  map[string]tradelocker.Modification

	remoteIDs    []string
	onOpenOrders func()
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		account:   domain.Account{ID: "123", AccountNumber: "2", Balance: 10000},
		placeID:   "9001",
		cancelErr: map[string]error{},
		modifyErr: map[string]error{},
		modified:  map[string]tradelocker.Modification{},
	}
}

func (b *fakeBroker) PrimaryAccount(context.Context) (domain.Account, error) {
	return b.account, b.accountErr
}

func (b *fakeBroker) PlaceOrder(_ context.Context, _ domain.Account, req tradelocker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	return b.placeID, b.placeErr
}

func (b *fakeBroker) CancelOrder(_ context.Context, _ domain.Account, id string) error {
	b.mu.Lock()
	b.canceled = append(b.canceled, id)
	hook := b.onCancel
	err := b.cancelErr[id]
	b.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return err
}

func (b *fakeBroker) ModifyOrder(_ context.Context, _ domain.Account, id string, m tradelocker.Modification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modified[id] = m
	return b.modifyErr[id]
}

// OpenOrderIDs returns the remote list as of the call, then runs onOpenOrders
// before the response reaches the caller.
func (b *fakeBroker) OpenOrderIDs(context.Context, domain.Account) ([]string, error) {
	b.mu.Lock()
	ids := append([]string(nil), b.remoteIDs...)
	hook := b.onOpenOrders
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ids, nil
}

type staticInstruments map[string]domain.Instrument

func (s staticInstruments) Lookup(symbol string) (domain.Instrument, error) {
	if ins, ok := s[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return ins, nil
	}
	return domain.Instrument{}, &apperr.InstrumentNotFoundError{Symbol: symbol}
}

var eurusd = staticInstruments{"EURUSD": {Symbol: "EURUSD", TradableInstrumentID: 278, RouteID: 9}}

func newTestService(t *testing.T, b *fakeBroker, opts ...Option) (*Service, ledger.Ledger) {
	t.Helper()
	l, err := ledger.OpenFile(filepath.Join(t.TempDir(), "tradeIds.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return NewService(b, l, eurusd, Config{RiskPercent: 1}, opts...), l
}

func seed(t *testing.T, l ledger.Ledger, recs ...domain.OrderRecord) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}
}

func order(id string) domain.OrderRecord {
	return domain.OrderRecord{ID: id, Symbol: "EURUSD", Side: domain.SideBuy, EntryPrice: 1.1, TakeProfit: 1.12, StopLoss: 1.095}
}

func ledgerIDs(t *testing.T, l ledger.Ledger) []string {
	t.Helper()
	all, err := l.All()
	require.NoError(t, err)
	ids := []string{}
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	return ids
}

var openReq = OpenRequest{Side: "buy", Symbol: "EURUSD", EntryPrice: 1.1, TakeProfit: 1.12, StopLoss: 1.095}

func TestOpenPlacesBracketAndRecords(t *testing.T) {
	b := newFakeBroker()
	svc, l := newTestService(t, b)

	rec, err := svc.Open(context.Background(), openReq)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRecord{ID: "9001", Symbol: "EURUSD", Side: domain.SideBuy, EntryPrice: 1.1, TakeProfit: 1.12, StopLoss: 1.095, Quantity: 0.2}, rec)

	require.Len(t, b.placed, 1)
	assert.Equal(t, tradelocker.OrderRequest{
		Price: 1.1, Qty: 0.2, RouteID: 9, Side: "buy", Validity: "GTC", Type: "limit",
		TakeProfit: 1.12, TakeProfitType: "absolute", StopLoss: 1.095, StopLossType: "absolute",
		StopPrice: 1.095, TrStopOffset: 0, TradableInstrumentID: 278,
	}, b.placed[0])
	assert.Equal(t, []string{"9001"}, ledgerIDs(t, l))
}

func TestOpenMalformedResponseLeavesLedger(t *testing.T) {
	b := newFakeBroker()
	b.placeID = ""
	b.placeErr = &apperr.MalformedResponseError{Op: "place order", Reason: "response carries no d.orderId"}
	svc, l := newTestService(t, b)

	_, err := svc.Open(context.Background(), openReq)
	assert.Equal(t, apperr.KindMalformedResponse, apperr.KindOf(err))
	assert.Empty(t, ledgerIDs(t, l))

	// a failed open does not hold the dedupe slot
	b.placeID, b.placeErr = "9002", nil
	_, err = svc.Open(context.Background(), openReq)
	assert.NoError(t, err)
}

func TestOpenRejectsBeforeAnyRemoteCall(t *testing.T) {
	tests := []struct {
		name string
		req  OpenRequest
		kind apperr.Kind
	}{
		{"bad side", OpenRequest{Side: "long", Symbol: "EURUSD", EntryPrice: 1.1, TakeProfit: 1.2, StopLoss: 1.0}, apperr.KindValidation},
		{"entry equals stop", OpenRequest{Side: "buy", Symbol: "EURUSD", EntryPrice: 1.1, TakeProfit: 1.2, StopLoss: 1.1}, apperr.KindValidation},
		{"no symbol", OpenRequest{Side: "sell", EntryPrice: 1.1, TakeProfit: 1.0, StopLoss: 1.2}, apperr.KindValidation},
		{"unknown instrument", OpenRequest{Side: "buy", Symbol: "XAUUSD", EntryPrice: 1900, TakeProfit: 1950, StopLoss: 1880}, apperr.KindInstrumentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			b.accountErr = &apperr.RequestError{Method: "GET", Path: "/auth/jwt/all-accounts", Status: 500}
			svc, _ := newTestService(t, b)
			_, err := svc.Open(context.Background(), tt.req)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Empty(t, b.placed)
		})
	}
}

func TestOpenAccountProblems(t *testing.T) {
	b := newFakeBroker()
	b.account.Balance = 0
	svc, _ := newTestService(t, b)
	_, err := svc.Open(context.Background(), openReq)
	assert.Equal(t, apperr.KindAccountUnavailable, apperr.KindOf(err))

	b = newFakeBroker()
	b.account.Balance = 1
	svc, _ = newTestService(t, b)
	_, err = svc.Open(context.Background(), openReq)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, b.placed)
}

func TestOpenDuplicateWithinWindow(t *testing.T) {
	b := newFakeBroker()
	svc, _ := newTestService(t, b)

	_, err := svc.Open(context.Background(), openReq)
	require.NoError(t, err)
	_, err = svc.Open(context.Background(), openReq)
	assert.Equal(t, apperr.KindDuplicate, apperr.KindOf(err))
	assert.Len(t, b.placed, 1)
}

func TestOpenCircuitBreaker(t *testing.T) {
	b := newFakeBroker()
	b.placeErr = &apperr.RequestError{Method: "POST", Path: "/trade/accounts/123/orders", Status: 500}
	cb := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 1})
	svc, _ := newTestService(t, b, WithCircuitBreaker(cb))

	_, err := svc.Open(context.Background(), openReq)
	assert.Equal(t, apperr.KindRequest, apperr.KindOf(err))
	_, err = svc.Open(context.Background(), openReq)
	assert.Equal(t, apperr.KindHalted, apperr.KindOf(err))
	assert.Len(t, b.placed, 1)

	NewCommands(svc).ResumeTrading()
	b.placeErr = nil
	_, err = svc.Open(context.Background(), openReq)
	assert.NoError(t, err)
}

func TestCloseIsolatesPerItemFailures(t *testing.T) {
	b := newFakeBroker()
	b.cancelErr["2"] = &apperr.RequestError{Method: "DELETE", Path: "/trade/orders/2", Status: 400, Body: map[string]any{"s": "error"}}
	svc, l := newTestService(t, b)
	seed(t, l, order("1"), order("2"), order("3"))

	res, err := svc.Close(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, b.canceled)
	assert.Equal(t, []string{"1", "3"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "2", res.Failed[0].OrderID)
	assert.Equal(t, apperr.KindRequest, res.Failed[0].Kind)
	assert.Equal(t, []string{"2"}, ledgerIDs(t, l))
}

func TestCloseNoOrders(t *testing.T) {
	svc, _ := newTestService(t, newFakeBroker())
	_, err := svc.Close(context.Background(), "EURUSD")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCloseStopsStartingItemsAfterCancel(t *testing.T) {
	b := newFakeBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.onCancel = func(id string) {
		if id == "1" {
			cancel()
		}
	}
	svc, l := newTestService(t, b)
	seed(t, l, order("1"), order("2"), order("3"))

	res, err := svc.Close(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, b.canceled)
	assert.Equal(t, []string{"1"}, res.Succeeded)
	assert.Equal(t, []string{"2", "3"}, res.Skipped)
	assert.Equal(t, []string{"2", "3"}, ledgerIDs(t, l))
}

func TestModifyBreakEven(t *testing.T) {
	b := newFakeBroker()
	svc, l := newTestService(t, b)
	other := order("2")
	other.EntryPrice = 1.2
	seed(t, l, order("1"), other)

	tp := 9.9
	res, err := svc.Modify(context.Background(), ModifyRequest{Symbol: "EURUSD", BreakEven: true, TakeProfit: &tp})
	require.NoError(t, err)
	assert.True(t, res.Complete())

	m := b.modified["1"]
	require.NotNil(t, m.StopLoss)
	require.NotNil(t, m.StopPrice)
	assert.Equal(t, 1.1, *m.StopLoss)
	assert.Equal(t, 1.1, *m.StopPrice)
	assert.Nil(t, m.TakeProfit)
	assert.Equal(t, "GTC", m.Validity)
	assert.Equal(t, 1.2, *b.modified["2"].StopLoss)

	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, 1.1, all[0].StopLoss)
	assert.Equal(t, 1.12, all[0].TakeProfit)
	assert.Equal(t, 1.2, all[1].StopLoss)
}

func TestModifyPartialFailureKeepsFailedRecord(t *testing.T) {
	b := newFakeBroker()
	b.modifyErr["2"] = &apperr.MalformedResponseError{Op: "modify order", Reason: "unexpected status"}
	svc, l := newTestService(t, b)
	seed(t, l, order("1"), order("2"))

	tp := 1.15
	res, err := svc.Modify(context.Background(), ModifyRequest{Symbol: "EURUSD", TakeProfit: &tp})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Succeeded)
	assert.Equal(t, "2", res.Failed[0].OrderID)

	m := b.modified["1"]
	assert.Equal(t, 1.15, *m.TakeProfit)
	assert.Nil(t, m.StopLoss)
	assert.Nil(t, m.StopPrice)

	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, 1.15, all[0].TakeProfit)
	assert.Equal(t, 1.12, all[1].TakeProfit)
}

func TestModifyNothingToChange(t *testing.T) {
	b := newFakeBroker()
	svc, l := newTestService(t, b)
	seed(t, l, order("1"))

	_, err := svc.Modify(context.Background(), ModifyRequest{Symbol: "EURUSD"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, b.modified)
}

func TestReconcileRemovesStaleEntries(t *testing.T) {
	b := newFakeBroker()
	b.remoteIDs = []string{"2", "99"}
	svc, l := newTestService(t, b)
	seed(t, l, order("1"), order("2"), order("3"))

	removed, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, removed)
	assert.Equal(t, []string{"2"}, ledgerIDs(t, l))
}

func TestReconcileKeepsOrderOpenedDuringRemoteFetch(t *testing.T) {
	b := newFakeBroker()
	svc, l := newTestService(t, b)
	seed(t, l, order("1"))

	// the remote list is captured before the open lands at the broker
	b.onOpenOrders = func() {
		_, err := svc.Open(context.Background(), openReq)
		require.NoError(t, err)
		b.mu.Lock()
		b.remoteIDs = append(b.remoteIDs, "9001")
		b.mu.Unlock()
	}

	removed, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, removed)
	assert.Equal(t, []string{"9001"}, ledgerIDs(t, l))

	// the next pass sees 9001 remotely and keeps it
	b.onOpenOrders = nil
	removed, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"9001"}, ledgerIDs(t, l))
}

func TestSymbolCaseIsCanonicalized(t *testing.T) {
	b := newFakeBroker()
	svc, l := newTestService(t, b)

	lower := openReq
	lower.Symbol = "eurusd"
	rec, err := svc.Open(context.Background(), lower)
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", rec.Symbol)

	recs, err := l.FindBySymbol("EURUSD")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	res, err := svc.Modify(context.Background(), ModifyRequest{Symbol: "EurUsd", BreakEven: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"9001"}, res.Succeeded)

	res, err = svc.Close(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, []string{"9001"}, res.Succeeded)
	assert.Empty(t, ledgerIDs(t, l))
}

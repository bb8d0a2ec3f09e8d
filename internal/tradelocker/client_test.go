package tradelocker

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/internal/gateway"
	sdkhttp "github.com/betbot/bracketbot/pkg/sdk/http"
)

type stubGateway struct {
	calls []gateway.Call
	body  string
	err   error
}

func (s *stubGateway) Request(_ context.Context, call gateway.Call) (*sdkhttp.Response, error) {
	s.calls = append(s.calls, call)
	if s.err != nil {
		return nil, s.err
	}
	return &sdkhttp.Response{StatusCode: http.StatusOK, Body: []byte(s.body)}, nil
}

var acct = domain.Account{ID: "123", AccountNumber: "2", Balance: 10000}

func TestAccounts(t *testing.T) {
	gw := &stubGateway{body: `{"accounts":[{"id":"123","accNum":"2","accountBalance":"10000.50"},{"id":456,"accNum":3,"accountBalance":7}]}`}
	c := NewClient(gw)

	accts, err := c.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Account{
		{ID: "123", AccountNumber: "2", Balance: 10000.5},
		{ID: "456", AccountNumber: "3", Balance: 7},
	}, accts)
	assert.Equal(t, "/auth/jwt/all-accounts", gw.calls[0].Path)
	assert.Empty(t, gw.calls[0].AccountNumber)

	first, err := c.PrimaryAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123", first.ID)
}

func TestPrimaryAccountNone(t *testing.T) {
	c := NewClient(&stubGateway{body: `{"accounts":[]}`})
	_, err := c.PrimaryAccount(context.Background())
	assert.Equal(t, apperr.KindAccountUnavailable, apperr.KindOf(err))
}

func TestPlaceOrder(t *testing.T) {
	gw := &stubGateway{body: `{"s":"ok","d":{"orderId":"7277816997850873235"}}`}
	c := NewClient(gw)

	req := OrderRequest{Price: 1.1, Qty: 0.2, RouteID: 9, Side: "buy", Validity: ValidityGTC, Type: OrderTypeLimit,
		TakeProfit: 1.12, TakeProfitType: LegAbsolute, StopLoss: 1.095, StopLossType: LegAbsolute, StopPrice: 1.095, TradableInstrumentID: 278}
	id, err := c.PlaceOrder(context.Background(), acct, req)
	require.NoError(t, err)
	assert.Equal(t, "7277816997850873235", id)

	call := gw.calls[0]
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "/trade/accounts/123/orders", call.Path)
	assert.Equal(t, "2", call.AccountNumber)

	b, err := json.Marshal(call.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":1.1,"qty":0.2,"routeId":9,"side":"buy","validity":"GTC","type":"limit",
		"takeProfit":1.12,"takeProfitType":"absolute","stopLoss":1.095,"stopLossType":"absolute",
		"stopPrice":1.095,"trStopOffset":0,"tradableInstrumentId":278}`, string(b))
}

func TestPlaceOrderResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind apperr.Kind
		id   string
	}{
		{"numeric id", `{"d":{"orderId":42}}`, "", "42"},
		{"no d", `{"s":"ok"}`, apperr.KindMalformedResponse, ""},
		{"empty id", `{"s":"ok","d":{"orderId":""}}`, apperr.KindMalformedResponse, ""},
		{"not json", `<html>`, apperr.KindMalformedResponse, ""},
		{"broker error", `{"s":"error","errmsg":"Insufficient margin"}`, apperr.KindRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewClient(&stubGateway{body: tt.body}).PlaceOrder(context.Background(), acct, OrderRequest{})
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	gw := &stubGateway{body: `{"s":"ok"}`}
	require.NoError(t, NewClient(gw).CancelOrder(context.Background(), acct, "77"))
	assert.Equal(t, http.MethodDelete, gw.calls[0].Method)
	assert.Equal(t, "/trade/orders/77", gw.calls[0].Path)
	assert.Equal(t, "2", gw.calls[0].AccountNumber)

	err := NewClient(&stubGateway{body: `{"s":"error","errmsg":"not found"}`}).CancelOrder(context.Background(), acct, "77")
	assert.Equal(t, apperr.KindRequest, apperr.KindOf(err))

	err = NewClient(&stubGateway{body: `{}`}).CancelOrder(context.Background(), acct, "77")
	assert.Equal(t, apperr.KindMalformedResponse, apperr.KindOf(err))

	transport := &apperr.RequestError{Method: "DELETE", Path: "/trade/orders/77", Err: errors.New("timeout")}
	err = NewClient(&stubGateway{err: transport}).CancelOrder(context.Background(), acct, "77")
	assert.Equal(t, transport, err)
}

func TestModifyOrderSendsOnlyGivenLegs(t *testing.T) {
	gw := &stubGateway{body: `{"s":"ok"}`}
	sl := 1.1
	require.NoError(t, NewClient(gw).ModifyOrder(context.Background(), acct, "5", Modification{StopLoss: &sl, StopPrice: &sl}))

	call := gw.calls[0]
	assert.Equal(t, http.MethodPatch, call.Method)
	b, err := json.Marshal(call.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stopLoss":1.1,"stopPrice":1.1,"validity":"GTC"}`, string(b))
}

func TestOpenOrderIDs(t *testing.T) {
	gw := &stubGateway{body: `{"s":"ok","d":{"orders":[["101","278","9",0.2,"buy"],[102,"278"],[]]}}`}
	ids, err := NewClient(gw).OpenOrderIDs(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, ids)
	assert.Equal(t, "/trade/accounts/123/orders", gw.calls[0].Path)

	_, err = NewClient(&stubGateway{body: `{"s":"ok"}`}).OpenOrderIDs(context.Background(), acct)
	assert.Equal(t, apperr.KindMalformedResponse, apperr.KindOf(err))
}

func TestInstruments(t *testing.T) {
	gw := &stubGateway{body: `{"s":"ok","d":{"instruments":[{"name":"EURUSD","tradableInstrumentId":"278","routes":[{"id":"1","type":"INFO"},{"id":9,"type":"TRADE"}]}]}}`}
	ins, err := NewClient(gw).Instruments(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, "EURUSD", ins[0].Name)
	assert.Equal(t, FlexInt(278), ins[0].TradableInstrumentID)

	route, ok := ins[0].TradeRouteID()
	assert.True(t, ok)
	assert.Equal(t, int64(9), route)

	_, ok = InstrumentInfo{}.TradeRouteID()
	assert.False(t, ok)
	route, _ = InstrumentInfo{Routes: []Route{{ID: 3, Type: "INFO"}}}.TradeRouteID()
	assert.Equal(t, int64(3), route)
}

func TestFlexTypes(t *testing.T) {
	var s FlexString
	require.NoError(t, json.Unmarshal([]byte(`123`), &s))
	assert.Equal(t, FlexString("123"), s)
	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	assert.Equal(t, FlexString(""), s)
	assert.Error(t, json.Unmarshal([]byte(`true`), &s))

	var f FlexFloat
	require.NoError(t, json.Unmarshal([]byte(`"1.5"`), &f))
	assert.Equal(t, FlexFloat(1.5), f)
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))

	var i FlexInt
	require.NoError(t, json.Unmarshal([]byte(`"7"`), &i))
	assert.Equal(t, FlexInt(7), i)
}

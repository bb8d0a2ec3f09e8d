package tradelocker

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FlexString decodes a JSON string or number. The broker is not consistent
// about which one it sends for ids.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexFloat decodes a JSON number or numeric string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	str := strings.TrimSpace(string(s))
	if str == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %q", str)
	}
	*f = FlexFloat(v)
	return nil
}

// FlexInt decodes a JSON integer or integer string.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	str := strings.TrimSpace(string(s))
	if str == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %q", str)
	}
	*f = FlexInt(v)
	return nil
}

type accountsResponse struct {
	Accounts []struct {
		ID             FlexString `json:"id"`
		AccNum         FlexString `json:"accNum"`
		AccountBalance FlexFloat  `json:"accountBalance"`
	} `json:"accounts"`
}

// OrderRequest is the body of POST /trade/accounts/{id}/orders.
type OrderRequest struct {
	Price                float64 `json:"price"`
	Qty                  float64 `json:"qty"`
	RouteID              int64   `json:"routeId"`
	Side                 string  `json:"side"`
	Validity             string  `json:"validity"`
	Type                 string  `json:"type"`
	TakeProfit           float64 `json:"takeProfit"`
	TakeProfitType       string  `json:"takeProfitType"`
	StopLoss             float64 `json:"stopLoss"`
	StopLossType         string  `json:"stopLossType"`
	StopPrice            float64 `json:"stopPrice"`
	TrStopOffset         float64 `json:"trStopOffset"`
	TradableInstrumentID int64   `json:"tradableInstrumentId"`
}

// Modification is the body of PATCH /trade/orders/{id}. Nil legs are not
// sent.
type Modification struct {
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	Validity   string   `json:"validity"`
}

type placeOrderResponse struct {
	S string `json:"s"`
	D *struct {
		OrderID FlexString `json:"orderId"`
	} `json:"d"`
	Errmsg string `json:"errmsg"`
}

type statusResponse struct {
	S      string `json:"s"`
	Errmsg string `json:"errmsg"`
}

type ordersResponse struct {
	S string `json:"s"`
	D *struct {
		Orders [][]json.RawMessage `json:"orders"`
	} `json:"d"`
}

// Route is one of an instrument's order routes.
type Route struct {
	ID   FlexInt `json:"id"`
	Type string  `json:"type"`
}

// InstrumentInfo is one entry of the instrument table, in the shape the
// broker returns and the instruments file stores.
type InstrumentInfo struct {
	Name                 string  `json:"name"`
	TradableInstrumentID FlexInt `json:"tradableInstrumentId"`
	Routes               []Route `json:"routes"`
}

// TradeRouteID is the TRADE route if there is one, else the first route.
func (i InstrumentInfo) TradeRouteID() (int64, bool) {
	if len(i.Routes) == 0 {
		return 0, false
	}
	for _, r := range i.Routes {
		if strings.EqualFold(r.Type, "TRADE") {
			return int64(r.ID), true
		}
	}
	return int64(i.Routes[0].ID), true
}

type instrumentsResponse struct {
	S string `json:"s"`
	D *struct {
		Instruments []InstrumentInfo `json:"instruments"`
	} `json:"d"`
}

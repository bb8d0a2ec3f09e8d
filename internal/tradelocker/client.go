// Package tradelocker maps broker endpoints onto typed calls over the
// authorized gateway.
package tradelocker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/internal/gateway"
)

const (
	ValidityGTC    = "GTC"
	OrderTypeLimit = "limit"
	LegAbsolute    = "absolute"

	statusOK    = "ok"
	statusError = "error"
)

type Client struct {
	gw gateway.Requester
}

func NewClient(gw gateway.Requester) *Client {
	return &Client{gw: gw}
}

// Accounts lists the trading accounts of the session.
func (c *Client) Accounts(ctx context.Context) ([]domain.Account, error) {
	resp, err := c.gw.Request(ctx, gateway.Call{Method: http.MethodGet, Path: "/auth/jwt/all-accounts"})
	if err != nil {
		return nil, err
	}
	var ar accountsResponse
	if err := resp.Decode(&ar); err != nil {
		return nil, &apperr.MalformedResponseError{Op: "list accounts", Reason: err.Error(), Body: resp.ErrorBody()}
	}
	out := make([]domain.Account, 0, len(ar.Accounts))
	for _, a := range ar.Accounts {
		out = append(out, domain.Account{
			ID:            a.ID.String(),
			AccountNumber: a.AccNum.String(),
			Balance:       float64(a.AccountBalance),
		})
	}
	return out, nil
}

// PrimaryAccount is the first account, the one the bot trades on.
func (c *Client) PrimaryAccount(ctx context.Context) (domain.Account, error) {
	accts, err := c.Accounts(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	if len(accts) == 0 {
		return domain.Account{}, apperr.WithKind(apperr.KindAccountUnavailable, errors.New("no trading account on this session"))
	}
	a := accts[0]
	if a.ID == "" || a.AccountNumber == "" {
		return domain.Account{}, &apperr.MalformedResponseError{Op: "list accounts", Reason: "account has no id or accNum"}
	}
	return a, nil
}

// PlaceOrder submits req and returns the broker-issued order id. A success
// response without an id is a MalformedResponseError.
func (c *Client) PlaceOrder(ctx context.Context, acct domain.Account, req OrderRequest) (string, error) {
	resp, err := c.gw.Request(ctx, gateway.Call{
		Method:        http.MethodPost,
		Path:          fmt.Sprintf("/trade/accounts/%s/orders", url.PathEscape(acct.ID)),
		Body:          req,
		AccountNumber: acct.AccountNumber,
	})
	if err != nil {
		return "", err
	}

	var pr placeOrderResponse
	if err := resp.Decode(&pr); err != nil {
		return "", &apperr.MalformedResponseError{Op: "place order", Reason: err.Error(), Body: resp.ErrorBody()}
	}
	if pr.S == statusError {
		return "", &apperr.RequestError{Method: http.MethodPost, Path: "/trade/accounts/{id}/orders", Status: resp.StatusCode, Body: resp.ErrorBody()}
	}
	if pr.D == nil || pr.D.OrderID == "" {
		return "", &apperr.MalformedResponseError{Op: "place order", Reason: "response carries no d.orderId", Body: resp.ErrorBody()}
	}
	return pr.D.OrderID.String(), nil
}

// CancelOrder closes orderID. Only an explicit {"s":"ok"} counts as done.
func (c *Client) CancelOrder(ctx context.Context, acct domain.Account, orderID string) error {
	return c.statusCall(ctx, "close order", gateway.Call{
		Method:        http.MethodDelete,
		Path:          "/trade/orders/" + url.PathEscape(orderID),
		AccountNumber: acct.AccountNumber,
	})
}

// ModifyOrder changes the legs of orderID.
func (c *Client) ModifyOrder(ctx context.Context, acct domain.Account, orderID string, m Modification) error {
	if m.Validity == "" {
		m.Validity = ValidityGTC
	}
	return c.statusCall(ctx, "modify order", gateway.Call{
		Method:        http.MethodPatch,
		Path:          "/trade/orders/" + url.PathEscape(orderID),
		Body:          m,
		AccountNumber: acct.AccountNumber,
	})
}

func (c *Client) statusCall(ctx context.Context, op string, call gateway.Call) error {
	resp, err := c.gw.Request(ctx, call)
	if err != nil {
		return err
	}
	var sr statusResponse
	if err := resp.Decode(&sr); err != nil {
		return &apperr.MalformedResponseError{Op: op, Reason: err.Error(), Body: resp.ErrorBody()}
	}
	switch sr.S {
	case statusOK:
		return nil
	case statusError:
		return &apperr.RequestError{Method: call.Method, Path: call.Path, Status: resp.StatusCode, Body: resp.ErrorBody()}
	default:
		return &apperr.MalformedResponseError{Op: op, Reason: fmt.Sprintf("unexpected status %q", sr.S), Body: resp.ErrorBody()}
	}
}

// OpenOrderIDs lists ids of the account's working orders. Each order row is
// an array whose first column is the id.
func (c *Client) OpenOrderIDs(ctx context.Context, acct domain.Account) ([]string, error) {
	resp, err := c.gw.Request(ctx, gateway.Call{
		Method:        http.MethodGet,
		Path:          fmt.Sprintf("/trade/accounts/%s/orders", url.PathEscape(acct.ID)),
		AccountNumber: acct.AccountNumber,
	})
	if err != nil {
		return nil, err
	}
	var or ordersResponse
	if err := resp.Decode(&or); err != nil {
		return nil, &apperr.MalformedResponseError{Op: "list orders", Reason: err.Error(), Body: resp.ErrorBody()}
	}
	if or.S != "" && or.S != statusOK {
		return nil, &apperr.RequestError{Method: http.MethodGet, Path: "/trade/accounts/{id}/orders", Status: resp.StatusCode, Body: resp.ErrorBody()}
	}
	if or.D == nil {
		return nil, &apperr.MalformedResponseError{Op: "list orders", Reason: "response carries no d.orders", Body: resp.ErrorBody()}
	}
	ids := make([]string, 0, len(or.D.Orders))
	for _, row := range or.D.Orders {
		if len(row) == 0 {
			continue
		}
		var id FlexString
		if err := json.Unmarshal(row[0], &id); err != nil || id == "" {
			return nil, &apperr.MalformedResponseError{Op: "list orders", Reason: "order row without id"}
		}
		ids = append(ids, id.String())
	}
	return ids, nil
}

// Instruments downloads the account's instrument table.
func (c *Client) Instruments(ctx context.Context, acct domain.Account) ([]InstrumentInfo, error) {
	resp, err := c.gw.Request(ctx, gateway.Call{
		Method:        http.MethodGet,
		Path:          fmt.Sprintf("/trade/accounts/%s/instruments", url.PathEscape(acct.ID)),
		AccountNumber: acct.AccountNumber,
	})
	if err != nil {
		return nil, err
	}
	var ir instrumentsResponse
	if err := resp.Decode(&ir); err != nil {
		return nil, &apperr.MalformedResponseError{Op: "list instruments", Reason: err.Error()}
	}
	if ir.D == nil {
		return nil, &apperr.MalformedResponseError{Op: "list instruments", Reason: "response carries no d.instruments", Body: resp.ErrorBody()}
	}
	return ir.D.Instruments, nil
}

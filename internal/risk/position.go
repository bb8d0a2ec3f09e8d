// Package risk sizes positions and guards order placement.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/bracketbot/internal/apperr"
)

const (
	DefaultPipValue = 10
	DefaultPipScale = 10000
)

// Inputs to Size. Zero PipValue or PipScale fall back to the EURUSD
// defaults (10 per pip per lot, 4 decimal pip).
type Inputs struct {
	Balance     decimal.Decimal
	RiskPercent decimal.Decimal
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	PipValue    decimal.Decimal
	PipScale    decimal.Decimal
}

type Result struct {
	Quantity   decimal.Decimal
	PipsAtRisk decimal.Decimal
	RiskAmount decimal.Decimal
}

// Size computes
//
//	pipsAtRisk = |entry - stop| * pipScale
//	riskAmount = balance * riskPercent / 100
//	quantity   = riskAmount / (pipsAtRisk * pipValue), rounded to 2 places
//
// entry == stop is rejected since the quantity would be unbounded.
func Size(in Inputs) (Result, error) {
	if in.PipValue.IsZero() {
		in.PipValue = decimal.NewFromInt(DefaultPipValue)
	}
	if in.PipScale.IsZero() {
		in.PipScale = decimal.NewFromInt(DefaultPipScale)
	}

	switch {
	case !in.Balance.IsPositive():
		return Result{}, apperr.Invalid("balance", "must be positive")
	case !in.RiskPercent.IsPositive():
		return Result{}, apperr.Invalid("riskPercent", "must be positive")
	case !in.EntryPrice.IsPositive():
		return Result{}, apperr.Invalid("entryPrice", "must be positive")
	case !in.StopLoss.IsPositive():
		return Result{}, apperr.Invalid("stopLoss", "must be positive")
	case !in.PipValue.IsPositive():
		return Result{}, apperr.Invalid("pipValue", "must be positive")
	case !in.PipScale.IsPositive():
		return Result{}, apperr.Invalid("pipScale", "must be positive")
	case in.EntryPrice.Equal(in.StopLoss):
		return Result{}, apperr.Invalid("stopLoss", "must differ from entryPrice")
	}

	pips := in.EntryPrice.Sub(in.StopLoss).Abs().Mul(in.PipScale)
	riskAmount := in.Balance.Mul(in.RiskPercent).Div(decimal.NewFromInt(100))
	qty := riskAmount.Div(pips.Mul(in.PipValue)).Round(2)

	return Result{Quantity: qty, PipsAtRisk: pips, RiskAmount: riskAmount}, nil
}

// SizeFloat is Size for float64 callers using the default pip constants.
func SizeFloat(balance, riskPercent, entryPrice, stopLoss float64) (float64, error) {
	res, err := Size(Inputs{
		Balance:     decimal.NewFromFloat(balance),
		RiskPercent: decimal.NewFromFloat(riskPercent),
		EntryPrice:  decimal.NewFromFloat(entryPrice),
		StopLoss:    decimal.NewFromFloat(stopLoss),
	})
	if err != nil {
		return 0, err
	}
	return res.Quantity.InexactFloat64(), nil
}

package trading

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/metrics"
)

// CommandResult is what the command surface hands back. Kind is empty on
// success.
type CommandResult struct {
	Success bool        `json:"success"`
	Kind    apperr.Kind `json:"kind,omitempty"`
	Message string      `json:"message"`
	Data    any         `json:"data,omitempty"`
}

func failure(err error, data any) CommandResult {
	kind := apperr.KindOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if kind == apperr.KindInternal {
			kind = apperr.KindCanceled
		}
	}
	metrics.CommandFailures.Add(string(kind), 1)
	return CommandResult{Success: false, Kind: kind, Message: err.Error(), Data: data}
}

// Commands adapts Service to trade intents: every outcome, including
// transport failures, becomes a CommandResult.
type Commands struct {
	svc *Service
}

func NewCommands(svc *Service) *Commands {
	return &Commands{svc: svc}
}

func (c *Commands) OpenTrade(ctx context.Context, req OpenRequest) CommandResult {
	rec, err := c.svc.Open(ctx, req)
	if err != nil {
		if rec.ID != "" {
			return failure(err, rec)
		}
		return failure(err, nil)
	}
	metrics.OrdersOpened.Add(1)
	return CommandResult{Success: true, Message: fmt.Sprintf("order %s opened", rec.ID), Data: rec}
}

func (c *Commands) CloseTrade(ctx context.Context, symbol string) CommandResult {
	res, err := c.svc.Close(ctx, symbol)
	if err != nil {
		return failure(err, nil)
	}
	metrics.OrdersClosed.Add(int64(len(res.Succeeded)))
	return batchOutcome("closed", res)
}

func (c *Commands) ModifyTrade(ctx context.Context, req ModifyRequest) CommandResult {
	res, err := c.svc.Modify(ctx, req)
	if err != nil {
		if res.Symbol != "" {
			return failure(err, res)
		}
		return failure(err, nil)
	}
	metrics.OrdersModified.Add(int64(len(res.Succeeded)))
	return batchOutcome("modified", res)
}

func (c *Commands) Reconcile(ctx context.Context) CommandResult {
	removed, err := c.svc.Reconcile(ctx)
	metrics.ReconcileRuns.Add(1)
	metrics.ReconcileRemoved.Add(int64(len(removed)))
	if err != nil {
		return failure(err, map[string]any{"removed": removed})
	}
	return CommandResult{
		Success: true,
		Message: fmt.Sprintf("%d stale orders removed", len(removed)),
		Data:    map[string]any{"removed": removed},
	}
}

func (c *Commands) Orders() CommandResult {
	recs, err := c.svc.Orders()
	if err != nil {
		return failure(err, nil)
	}
	return CommandResult{Success: true, Message: fmt.Sprintf("%d open orders", len(recs)), Data: recs}
}

// ResumeTrading clears a tripped circuit breaker.
func (c *Commands) ResumeTrading() CommandResult {
	c.svc.Breaker().Resume()
	return CommandResult{Success: true, Message: "trading resumed"}
}

// batchOutcome: every item ok is success; some ok is partial_failure; none
// ok carries the first failure's kind, or canceled if nothing was tried.
func batchOutcome(verb string, res BatchResult) CommandResult {
	if res.Complete() {
		return CommandResult{Success: true, Message: fmt.Sprintf("%d orders %s", len(res.Succeeded), verb), Data: res}
	}
	msg := fmt.Sprintf("%d orders %s, %d failed, %d skipped", len(res.Succeeded), verb, len(res.Failed), len(res.Skipped))
	kind := apperr.KindCanceled
	switch {
	case len(res.Succeeded) > 0:
		kind = apperr.KindPartial
	case len(res.Failed) > 0:
		kind = res.Failed[0].Kind
	}
	metrics.CommandFailures.Add(string(kind), 1)
	return CommandResult{Kind: kind, Message: msg, Data: res}
}

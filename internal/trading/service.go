// Package trading opens, closes, modifies and reconciles bracket orders. The
// ledger is only mutated after the broker confirms the remote change.
package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/internal/execution"
	"github.com/betbot/bracketbot/internal/instruments"
	"github.com/betbot/bracketbot/internal/ledger"
	"github.com/betbot/bracketbot/internal/risk"
	"github.com/betbot/bracketbot/internal/tradelocker"
	"github.com/betbot/bracketbot/pkg/logger"
)

// Broker is the subset of *tradelocker.Client the service uses.
type Broker interface {
	PrimaryAccount(ctx context.Context) (domain.Account, error)
	PlaceOrder(ctx context.Context, acct domain.Account, req tradelocker.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, acct domain.Account, orderID string) error
	ModifyOrder(ctx context.Context, acct domain.Account, orderID string, m tradelocker.Modification) error
	OpenOrderIDs(ctx context.Context, acct domain.Account) ([]string, error)
}

type Config struct {
	RiskPercent  float64
	PipValue     float64
	PipScale     float64
	DedupeWindow time.Duration
}

type Service struct {
	broker      Broker
	ledger      ledger.Ledger
	instruments instruments.Reference
	breaker     *risk.CircuitBreaker
	dedupe      *execution.InFlightDeduper
	cfg         Config
}

type Option func(*Service)

// WithCircuitBreaker refuses new opens while cb is tripped.
func WithCircuitBreaker(cb *risk.CircuitBreaker) Option {
	return func(s *Service) { s.breaker = cb }
}

func NewService(broker Broker, l ledger.Ledger, ref instruments.Reference, cfg Config, opts ...Option) *Service {
	if cfg.RiskPercent <= 0 {
		cfg.RiskPercent = 1
	}
	s := &Service{
		broker:      broker,
		ledger:      l,
		instruments: ref,
		dedupe:      execution.NewInFlightDeduper(cfg.DedupeWindow, 0),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Breaker() *risk.CircuitBreaker { return s.breaker }

type OpenRequest struct {
	Side       string  `json:"side"`
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entryPrice"`
	TakeProfit float64 `json:"takeProfit"`
	StopLoss   float64 `json:"stopLoss"`
}

func (r OpenRequest) validate() (domain.Side, error) {
	side, ok := domain.ParseSide(r.Side)
	switch {
	case !ok:
		return "", apperr.Invalid("side", "must be buy or sell")
	case strings.TrimSpace(r.Symbol) == "":
		return "", apperr.Invalid("symbol", "is required")
	case r.EntryPrice <= 0:
		return "", apperr.Invalid("entryPrice", "must be positive")
	case r.TakeProfit <= 0:
		return "", apperr.Invalid("takeProfit", "must be positive")
	case r.StopLoss <= 0:
		return "", apperr.Invalid("stopLoss", "must be positive")
	case r.EntryPrice == r.StopLoss:
		return "", apperr.Invalid("stopLoss", "must differ from entryPrice")
	}
	return side, nil
}

func (r OpenRequest) dedupeKey() string {
	return fmt.Sprintf("%s|%s|%v|%v|%v", strings.ToUpper(r.Symbol), strings.ToLower(r.Side), r.EntryPrice, r.TakeProfit, r.StopLoss)
}

// Open places a GTC limit order with absolute stop-loss and take-profit legs
// and records it once the broker returns its id.
func (s *Service) Open(ctx context.Context, req OpenRequest) (domain.OrderRecord, error) {
	side, err := req.validate()
	if err != nil {
		return domain.OrderRecord{}, err
	}
	symbol := strings.TrimSpace(req.Symbol)
	log := logger.WithFields(logrus.Fields{"op": "open", "symbol": symbol, "side": side})

	ins, err := s.instruments.Lookup(symbol)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if err := s.breaker.AllowTrading(); err != nil {
		return domain.OrderRecord{}, apperr.WithKind(apperr.KindHalted, err)
	}

	key := req.dedupeKey()
	if err := s.dedupe.TryAcquire(key); err != nil {
		return domain.OrderRecord{}, apperr.WithKind(apperr.KindDuplicate, errors.Wrap(err, "identical open already submitted"))
	}
	placed := false
	defer func() {
		if !placed {
			s.dedupe.Release(key)
		}
	}()

	acct, err := s.broker.PrimaryAccount(ctx)
	if err != nil {
		return domain.OrderRecord{}, errors.WithMessage(err, "fetch account")
	}
	if acct.Balance <= 0 {
		return domain.OrderRecord{}, apperr.WithKind(apperr.KindAccountUnavailable,
			errors.Errorf("account %s balance unavailable (%v)", acct.ID, acct.Balance))
	}

	sized, err := risk.Size(risk.Inputs{
		Balance:     decimal.NewFromFloat(acct.Balance),
		RiskPercent: decimal.NewFromFloat(s.cfg.RiskPercent),
		EntryPrice:  decimal.NewFromFloat(req.EntryPrice),
		StopLoss:    decimal.NewFromFloat(req.StopLoss),
		PipValue:    decimal.NewFromFloat(s.cfg.PipValue),
		PipScale:    decimal.NewFromFloat(s.cfg.PipScale),
	})
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if !sized.Quantity.IsPositive() {
		return domain.OrderRecord{}, apperr.Invalid("qty", fmt.Sprintf("position size rounds to zero (risk %s over %s pips)", sized.RiskAmount, sized.PipsAtRisk))
	}
	qty := sized.Quantity.InexactFloat64()

	orderID, err := s.broker.PlaceOrder(ctx, acct, tradelocker.OrderRequest{
		Price:                req.EntryPrice,
		Qty:                  qty,
		RouteID:              ins.RouteID,
		Side:                 string(side),
		Validity:             tradelocker.ValidityGTC,
		Type:                 tradelocker.OrderTypeLimit,
		TakeProfit:           req.TakeProfit,
		TakeProfitType:       tradelocker.LegAbsolute,
		StopLoss:             req.StopLoss,
		StopLossType:         tradelocker.LegAbsolute,
		StopPrice:            req.StopLoss,
		TrStopOffset:         0,
		TradableInstrumentID: ins.TradableInstrumentID,
	})
	if err != nil {
		s.breaker.OnError()
		log.Warnf("place order failed: %v", err)
		return domain.OrderRecord{}, errors.WithMessage(err, "place order")
	}
	s.breaker.OnSuccess()
	placed = true

	rec := domain.OrderRecord{
		ID:         orderID,
		Symbol:     canonicalSymbol(ins, symbol),
		Side:       side,
		EntryPrice: req.EntryPrice,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		Quantity:   qty,
	}
	if err := s.ledger.Append(rec); err != nil {
		// the order is live at the broker but unknown locally
		log.WithField("order_id", orderID).Errorf("order placed but not recorded: %v", err)
		return rec, err
	}
	log.WithFields(logrus.Fields{"order_id": orderID, "qty": qty}).Info("order opened")
	return rec, nil
}

// ItemFailure is one order of a batch that could not be processed.
type ItemFailure struct {
	OrderID string      `json:"orderId"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// BatchResult reports per-order outcomes of Close and Modify. Skipped ids
// were never attempted because the batch was canceled.
type BatchResult struct {
	Symbol    string        `json:"symbol"`
	Succeeded []string      `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
	Skipped   []string      `json:"skipped"`
}

func newBatchResult(symbol string) *BatchResult {
	return &BatchResult{Symbol: symbol, Succeeded: []string{}, Failed: []ItemFailure{}, Skipped: []string{}}
}

func (r *BatchResult) fail(id string, err error) {
	r.Failed = append(r.Failed, ItemFailure{OrderID: id, Kind: apperr.KindOf(err), Message: err.Error()})
}

func (r *BatchResult) skipRest(recs []domain.OrderRecord) {
	for _, rec := range recs {
		r.Skipped = append(r.Skipped, rec.ID)
	}
}

// Complete reports whether every order succeeded.
func (r BatchResult) Complete() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

// canonicalSymbol is the instrument table's spelling of symbol, so that
// records match whatever case a later command uses.
func canonicalSymbol(ins domain.Instrument, symbol string) string {
	if ins.Symbol != "" {
		return ins.Symbol
	}
	return symbol
}

func (s *Service) ordersFor(symbol string) ([]domain.OrderRecord, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, apperr.Invalid("symbol", "is required")
	}
	// an instrument dropped from the table since the open still resolves to
	// the symbol as given
	if ins, err := s.instruments.Lookup(symbol); err == nil {
		symbol = canonicalSymbol(ins, symbol)
	}
	recs, err := s.ledger.FindBySymbol(symbol)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &apperr.NotFoundError{What: fmt.Sprintf("orders for %s", symbol)}
	}
	return recs, nil
}

// Close closes every recorded order for symbol. Each order is independent:
// a failure is recorded and the rest are still attempted. Once ctx is done
// the order in flight finishes and the remaining ones are skipped.
func (s *Service) Close(ctx context.Context, symbol string) (BatchResult, error) {
	recs, err := s.ordersFor(symbol)
	if err != nil {
		return BatchResult{}, err
	}
	acct, err := s.broker.PrimaryAccount(ctx)
	if err != nil {
		return BatchResult{}, errors.WithMessage(err, "fetch account")
	}

	res := newBatchResult(symbol)
	for i, rec := range recs {
		if ctx.Err() != nil {
			res.skipRest(recs[i:])
			break
		}
		log := logger.WithFields(logrus.Fields{"op": "close", "symbol": symbol, "order_id": rec.ID})

		if err := s.broker.CancelOrder(context.WithoutCancel(ctx), acct, rec.ID); err != nil {
			log.Warnf("close failed: %v", err)
			res.fail(rec.ID, err)
			continue
		}
		if err := s.ledger.RemoveByID(rec.ID); err != nil {
			log.Errorf("closed remotely but ledger not updated: %v", err)
			res.fail(rec.ID, err)
			continue
		}
		log.Info("order closed")
		res.Succeeded = append(res.Succeeded, rec.ID)
	}
	return *res, nil
}

type ModifyRequest struct {
	Symbol     string   `json:"symbol"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	BreakEven  bool     `json:"breakEven,omitempty"`
}

func (r ModifyRequest) validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return apperr.Invalid("symbol", "is required")
	}
	if r.BreakEven {
		return nil
	}
	if r.TakeProfit == nil && r.StopLoss == nil {
		return apperr.Invalid("", "nothing to modify: give takeProfit, stopLoss or breakEven")
	}
	if r.TakeProfit != nil && *r.TakeProfit <= 0 {
		return apperr.Invalid("takeProfit", "must be positive")
	}
	if r.StopLoss != nil && *r.StopLoss <= 0 {
		return apperr.Invalid("stopLoss", "must be positive")
	}
	return nil
}

// plan returns the broker modification and the record as it will look once
// the broker confirms it. Break-even moves only the stop, to the entry.
func (r ModifyRequest) plan(rec domain.OrderRecord) (tradelocker.Modification, domain.OrderRecord) {
	m := tradelocker.Modification{Validity: tradelocker.ValidityGTC}
	next := rec
	if r.BreakEven {
		entry := rec.EntryPrice
		m.StopLoss = &entry
		m.StopPrice = &entry
		next.StopLoss = entry
		return m, next
	}
	if r.TakeProfit != nil {
		tp := *r.TakeProfit
		m.TakeProfit = &tp
		next.TakeProfit = tp
	}
	if r.StopLoss != nil {
		sl := *r.StopLoss
		m.StopLoss = &sl
		next.StopLoss = sl
	}
	return m, next
}

// Modify submits one modification per recorded order for the symbol, then
// persists every confirmed change in a single ledger write. An order whose
// remote modify failed keeps its previous record.
func (s *Service) Modify(ctx context.Context, req ModifyRequest) (BatchResult, error) {
	if err := req.validate(); err != nil {
		return BatchResult{}, err
	}
	symbol := strings.TrimSpace(req.Symbol)
	recs, err := s.ordersFor(symbol)
	if err != nil {
		return BatchResult{}, err
	}
	acct, err := s.broker.PrimaryAccount(ctx)
	if err != nil {
		return BatchResult{}, errors.WithMessage(err, "fetch account")
	}

	res := newBatchResult(symbol)
	confirmed := make([]domain.OrderRecord, 0, len(recs))
	for i, rec := range recs {
		if ctx.Err() != nil {
			res.skipRest(recs[i:])
			break
		}
		log := logger.WithFields(logrus.Fields{"op": "modify", "symbol": symbol, "order_id": rec.ID, "break_even": req.BreakEven})

		m, next := req.plan(rec)
		if err := s.broker.ModifyOrder(context.WithoutCancel(ctx), acct, rec.ID, m); err != nil {
			log.Warnf("modify failed: %v", err)
			res.fail(rec.ID, err)
			continue
		}
		log.Info("order modified")
		confirmed = append(confirmed, next)
		res.Succeeded = append(res.Succeeded, rec.ID)
	}

	if len(confirmed) > 0 {
		if err := s.ledger.ReplaceMany(confirmed); err != nil {
			logger.Errorf("modify %s: remote changes applied but ledger not updated: %v", symbol, err)
			return *res, err
		}
	}
	return *res, nil
}

// Reconcile drops ledger entries the broker no longer lists as open and
// returns their ids. The local snapshot is taken before the remote one: a
// record appended while the remote list is in flight is left alone.
func (s *Service) Reconcile(ctx context.Context) ([]string, error) {
	acct, err := s.broker.PrimaryAccount(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "fetch account")
	}
	local, err := s.ledger.All()
	if err != nil {
		return nil, err
	}
	remote, err := s.broker.OpenOrderIDs(ctx, acct)
	if err != nil {
		return nil, errors.WithMessage(err, "list remote orders")
	}
	open := make(map[string]struct{}, len(remote))
	for _, id := range remote {
		open[id] = struct{}{}
	}

	removed := []string{}
	for _, rec := range local {
		if _, ok := open[rec.ID]; ok {
			continue
		}
		if err := s.ledger.RemoveByID(rec.ID); err != nil {
			return removed, err
		}
		logger.WithFields(logrus.Fields{"op": "reconcile", "symbol": rec.Symbol, "order_id": rec.ID}).Info("order no longer open remotely, removed")
		removed = append(removed, rec.ID)
	}
	return removed, nil
}

// Orders lists the ledger.
func (s *Service) Orders() ([]domain.OrderRecord, error) {
	return s.ledger.All()
}

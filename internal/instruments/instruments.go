// Package instruments resolves symbols to broker routing metadata.
package instruments

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/internal/tradelocker"
	"github.com/betbot/bracketbot/pkg/cache"
	"github.com/betbot/bracketbot/pkg/logger"
	"github.com/betbot/bracketbot/pkg/persistence"
)

// Reference is a read-only symbol table.
type Reference interface {
	Lookup(symbol string) (domain.Instrument, error)
}

const tableKey = "table"

// FileReference reads the instrument table written by Sync. The parsed table
// is cached for ttl so an updated file is picked up without a restart.
type FileReference struct {
	path  string
	ttl   time.Duration
	cache *cache.InMemoryCache[string, map[string]domain.Instrument]
}

func NewFileReference(path string, ttl time.Duration) *FileReference {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FileReference{
		path:  path,
		ttl:   ttl,
		cache: cache.NewInMemoryCache[string, map[string]domain.Instrument](ttl),
	}
}

// Lookup returns InstrumentNotFoundError when symbol is not in the table,
// including when the table file does not exist yet.
func (r *FileReference) Lookup(symbol string) (domain.Instrument, error) {
	table, err := r.table()
	if err != nil {
		return domain.Instrument{}, err
	}
	ins, ok := table[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return domain.Instrument{}, &apperr.InstrumentNotFoundError{Symbol: symbol}
	}
	return ins, nil
}

func (r *FileReference) table() (map[string]domain.Instrument, error) {
	if t, ok := r.cache.Get(tableKey); ok {
		return t, nil
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("instrument table %s missing, run sync-instruments", r.path)
			return map[string]domain.Instrument{}, nil
		}
		return nil, errors.Wrap(err, "read instrument table")
	}
	var infos []tradelocker.InstrumentInfo
	if err := json.Unmarshal(b, &infos); err != nil {
		return nil, errors.Wrapf(err, "parse instrument table %s", r.path)
	}
	t := Index(infos)
	r.cache.Set(tableKey, t, r.ttl)
	return t, nil
}

// Invalidate drops the cached table.
func (r *FileReference) Invalidate() { r.cache.Clear() }

func (r *FileReference) Close() { r.cache.Close() }

// Index builds the symbol table. Entries without a name or route are skipped.
func Index(infos []tradelocker.InstrumentInfo) map[string]domain.Instrument {
	t := make(map[string]domain.Instrument, len(infos))
	for _, in := range infos {
		name := strings.ToUpper(strings.TrimSpace(in.Name))
		route, ok := in.TradeRouteID()
		if name == "" || !ok {
			continue
		}
		if _, dup := t[name]; dup {
			continue
		}
		t[name] = domain.Instrument{
			Symbol:               in.Name,
			TradableInstrumentID: int64(in.TradableInstrumentID),
			RouteID:              route,
		}
	}
	return t
}

// Source is the broker side of Sync.
type Source interface {
	PrimaryAccount(ctx context.Context) (domain.Account, error)
	Instruments(ctx context.Context, acct domain.Account) ([]tradelocker.InstrumentInfo, error)
}

// Sync downloads the instrument table of the primary account and replaces
// the file atomically. It returns the number of instruments written.
func Sync(ctx context.Context, src Source, path string) (int, error) {
	acct, err := src.PrimaryAccount(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "resolve account")
	}
	infos, err := src.Instruments(ctx, acct)
	if err != nil {
		return 0, errors.WithMessage(err, "download instruments")
	}
	b, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return 0, errors.Wrap(err, "encode instruments")
	}
	if err := persistence.WriteFileAtomic(path, b, 0o644); err != nil {
		return 0, errors.Wrap(err, "write instruments")
	}
	logger.Infof("wrote %d instruments to %s", len(infos), path)
	return len(infos), nil
}

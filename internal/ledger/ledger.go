// Package ledger is the durable record of orders believed open at the broker.
package ledger

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
)

// ErrDuplicateOrder is returned by Append when the id is already recorded.
var ErrDuplicateOrder = apperr.WithKind(apperr.KindDuplicate, errors.New("order id already in ledger"))

// Ledger implementations serialize every mutation and make each one durable
// as a unit: a read after a successful mutation sees exactly that mutation,
// and a failed mutation leaves the previous state in place.
type Ledger interface {
	// Append records a newly confirmed order.
	Append(rec domain.OrderRecord) error
	// FindBySymbol returns matches in insertion order, never nil.
	FindBySymbol(symbol string) ([]domain.OrderRecord, error)
	// RemoveByID is a no-op when id is unknown.
	RemoveByID(id string) error
	// ReplaceMany overwrites records with matching ids in place and ignores
	// unknown ids, as one atomic write.
	ReplaceMany(recs []domain.OrderRecord) error
	// All returns every record in insertion order.
	All() ([]domain.OrderRecord, error)
	Close() error
}

const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

type Config struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Open returns the configured backend. An empty backend is "file".
func Open(cfg Config) (Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger: path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		return OpenFile(cfg.Path)
	case BackendBadger:
		return OpenBadger(cfg.Path)
	case BackendSQLite:
		return OpenSQLite(cfg.Path)
	default:
		return nil, errors.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &apperr.LedgerWriteError{Op: op, Err: err}
}

func validate(rec domain.OrderRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return apperr.Invalid("id", "is required")
	}
	if strings.TrimSpace(rec.Symbol) == "" {
		return apperr.Invalid("symbol", "is required")
	}
	return nil
}

// replaceInPlace applies recs over cur by id and reports whether anything
// changed.
func replaceInPlace(cur, recs []domain.OrderRecord) ([]domain.OrderRecord, bool) {
	byID := make(map[string]domain.OrderRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]domain.OrderRecord, len(cur))
	changed := false
	for i, r := range cur {
		if nr, ok := byID[r.ID]; ok {
			out[i] = nr
			changed = changed || nr != r
			continue
		}
		out[i] = r
	}
	return out, changed
}

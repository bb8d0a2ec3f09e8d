package ledger

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/pkg/logger"
	"github.com/betbot/bracketbot/pkg/persistence"
)

type fileDoc struct {
	Orders []domain.OrderRecord `json:"orders"`
}

// FileLedger keeps the whole collection in one JSON document. Every
// mutation is read-modify-write of the full document under the process
// mutex and an advisory lock on "<path>.lock", written by atomic replace.
type FileLedger struct {
	mu   sync.Mutex
	doc  persistence.Store
	lock *fileLock
}

func OpenFile(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ledger: create directory")
	}
	lk, err := openFileLock(path + ".lock")
	if err != nil {
		return nil, errors.Wrap(err, "ledger: open lock file")
	}
	l := &FileLedger{doc: persistence.NewJSONFileStore(path), lock: lk}

	// fail fast on a corrupt file rather than on the first trade
	if _, err := l.All(); err != nil {
		_ = lk.close()
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) withLock(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.lock(); err != nil {
		return errors.Wrap(err, "ledger: acquire file lock")
	}
	defer func() {
		if err := l.lock.unlock(); err != nil {
			logger.Warnf("ledger: release file lock: %v", err)
		}
	}()
	return fn()
}

func (l *FileLedger) read() ([]domain.OrderRecord, error) {
	var doc fileDoc
	if err := l.doc.Load(&doc); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return []domain.OrderRecord{}, nil
		}
		return nil, errors.Wrap(err, "ledger: read")
	}
	if doc.Orders == nil {
		doc.Orders = []domain.OrderRecord{}
	}
	return doc.Orders, nil
}

func (l *FileLedger) write(op string, recs []domain.OrderRecord) error {
	return writeErr(op, l.doc.Save(fileDoc{Orders: recs}))
}

func (l *FileLedger) Append(rec domain.OrderRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	return l.withLock(func() error {
		cur, err := l.read()
		if err != nil {
			return writeErr("append", err)
		}
		for _, r := range cur {
			if r.ID == rec.ID {
				return ErrDuplicateOrder
			}
		}
		return l.write("append", append(cur, rec))
	})
}

func (l *FileLedger) FindBySymbol(symbol string) ([]domain.OrderRecord, error) {
	out := []domain.OrderRecord{}
	err := l.withLock(func() error {
		cur, err := l.read()
		if err != nil {
			return err
		}
		for _, r := range cur {
			if r.Symbol == symbol {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (l *FileLedger) RemoveByID(id string) error {
	return l.withLock(func() error {
		cur, err := l.read()
		if err != nil {
			return writeErr("remove", err)
		}
		kept := make([]domain.OrderRecord, 0, len(cur))
		for _, r := range cur {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(cur) {
			return nil
		}
		return l.write("remove", kept)
	})
}

func (l *FileLedger) ReplaceMany(recs []domain.OrderRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return l.withLock(func() error {
		cur, err := l.read()
		if err != nil {
			return writeErr("replace", err)
		}
		next, changed := replaceInPlace(cur, recs)
		if !changed {
			return nil
		}
		return l.write("replace", next)
	})
}

func (l *FileLedger) All() ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	err := l.withLock(func() error {
		var err error
		out, err = l.read()
		return err
	})
	return out, err
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock.close()
}

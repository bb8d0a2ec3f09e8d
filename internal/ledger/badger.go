package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/domain"
)

var (
	badgerSeqKey    = []byte("ledger/meta/seq")
	badgerRecPrefix = []byte("ledger/rec/")
)

func badgerRecKey(seq uint64) []byte { return []byte(fmt.Sprintf("ledger/rec/%020d", seq)) }
func badgerIDKey(id string) []byte   { return []byte("ledger/id/" + id) }

// BadgerLedger stores one key per record under a zero-padded sequence so
// prefix iteration yields insertion order, plus an id -> sequence index.
// Each mutation is a single badger transaction.
type BadgerLedger struct {
	mu sync.Mutex
	db *badger.DB
}

func OpenBadger(dir string) (*BadgerLedger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "ledger: open badger")
	}
	return &BadgerLedger{db: db}, nil
}

func (l *BadgerLedger) Append(rec domain.OrderRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return writeErr("append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err = l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerIDKey(rec.ID)); err == nil {
			return ErrDuplicateOrder
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := readSeq(txn)
		if err != nil {
			return err
		}
		seq++
		if err := txn.Set(badgerRecKey(seq), val); err != nil {
			return err
		}
		if err := txn.Set(badgerIDKey(rec.ID), []byte(strconv.FormatUint(seq, 10))); err != nil {
			return err
		}
		return txn.Set(badgerSeqKey, []byte(strconv.FormatUint(seq, 10)))
	})
	if errors.Is(err, ErrDuplicateOrder) {
		return ErrDuplicateOrder
	}
	return writeErr("append", err)
}

func (l *BadgerLedger) FindBySymbol(symbol string) ([]domain.OrderRecord, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	out := []domain.OrderRecord{}
	for _, r := range all {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *BadgerLedger) RemoveByID(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(txn *badger.Txn) error {
		seq, ok, err := lookupSeq(txn, id)
		if err != nil || !ok {
			return err
		}
		if err := txn.Delete(badgerRecKey(seq)); err != nil {
			return err
		}
		return txn.Delete(badgerIDKey(id))
	})
	return writeErr("remove", err)
}

func (l *BadgerLedger) ReplaceMany(recs []domain.OrderRecord) error {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(txn *badger.Txn) error {
		for _, r := range recs {
			seq, ok, err := lookupSeq(txn, r.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := txn.Set(badgerRecKey(seq), val); err != nil {
				return err
			}
		}
		return nil
	})
	return writeErr("replace", err)
}

func (l *BadgerLedger) All() ([]domain.OrderRecord, error) {
	out := []domain.OrderRecord{}
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerRecPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec domain.OrderRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", it.Item().Key())
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ledger: read")
	}
	return out, nil
}

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

func readSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(badgerSeqKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(v []byte) error {
		seq, err = strconv.ParseUint(string(v), 10, 64)
		return err
	})
	return seq, err
}

func lookupSeq(txn *badger.Txn, id string) (uint64, bool, error) {
	item, err := txn.Get(badgerIDKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var seq uint64
	err = item.Value(func(v []byte) error {
		var perr error
		seq, perr = strconv.ParseUint(string(v), 10, 64)
		return perr
	})
	return seq, err == nil, err
}

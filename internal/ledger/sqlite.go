package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/bracketbot/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS orders (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  entry_price REAL NOT NULL,
  take_profit REAL NOT NULL,
  stop_loss REAL NOT NULL,
  qty REAL NOT NULL DEFAULT 0
);`

const sqliteIndex = `CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);`

const sqliteTimeout = 10 * time.Second

// SQLiteLedger keeps one row per record; seq preserves insertion order and
// each mutation runs in one transaction.
type SQLiteLedger struct {
	mu sync.Mutex
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ledger: create directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	for _, stmt := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA synchronous=FULL;`, sqliteSchema, sqliteIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "ledger: migrate")
		}
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) inTx(op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr(op, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrDuplicateOrder) {
			return err
		}
		return writeErr(op, err)
	}
	return writeErr(op, tx.Commit())
}

func (l *SQLiteLedger) Append(rec domain.OrderRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	return l.inTx("append", func(ctx context.Context, tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE id = ?`, rec.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateOrder
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, symbol, side, entry_price, take_profit, stop_loss, qty) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Symbol, string(rec.Side), rec.EntryPrice, rec.TakeProfit, rec.StopLoss, rec.Quantity)
		return err
	})
}

func (l *SQLiteLedger) FindBySymbol(symbol string) ([]domain.OrderRecord, error) {
	return l.query(`SELECT id, symbol, side, entry_price, take_profit, stop_loss, qty FROM orders WHERE symbol = ? ORDER BY seq`, symbol)
}

func (l *SQLiteLedger) RemoveByID(id string) error {
	return l.inTx("remove", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
		return err
	})
}

func (l *SQLiteLedger) ReplaceMany(recs []domain.OrderRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return l.inTx("replace", func(ctx context.Context, tx *sql.Tx) error {
		for _, r := range recs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE orders SET symbol = ?, side = ?, entry_price = ?, take_profit = ?, stop_loss = ?, qty = ? WHERE id = ?`,
				r.Symbol, string(r.Side), r.EntryPrice, r.TakeProfit, r.StopLoss, r.Quantity, r.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *SQLiteLedger) All() ([]domain.OrderRecord, error) {
	return l.query(`SELECT id, symbol, side, entry_price, take_profit, stop_loss, qty FROM orders ORDER BY seq`)
}

func (l *SQLiteLedger) query(q string, args ...any) ([]domain.OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: query")
	}
	defer rows.Close()

	out := []domain.OrderRecord{}
	for rows.Next() {
		var (
			r    domain.OrderRecord
			side string
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &side, &r.EntryPrice, &r.TakeProfit, &r.StopLoss, &r.Quantity); err != nil {
			return nil, errors.Wrap(err, "ledger: scan")
		}
		r.Side = domain.Side(side)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "ledger: rows")
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

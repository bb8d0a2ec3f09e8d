package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/domain"
	"github.com/betbot/bracketbot/pkg/persistence"
)

type opener func(t *testing.T, dir string) Ledger

var backends = map[string]opener{
	BackendFile: func(t *testing.T, dir string) Ledger {
		l, err := Open(Config{Backend: BackendFile, Path: filepath.Join(dir, "tradeIds.json")})
		require.NoError(t, err)
		return l
	},
	BackendBadger: func(t *testing.T, dir string) Ledger {
		l, err := Open(Config{Backend: BackendBadger, Path: filepath.Join(dir, "ledger.badger")})
		require.NoError(t, err)
		return l
	},
	BackendSQLite: func(t *testing.T, dir string) Ledger {
		l, err := Open(Config{Backend: BackendSQLite, Path: filepath.Join(dir, "ledger.db")})
		require.NoError(t, err)
		return l
	},
}

func rec(id, symbol string) domain.OrderRecord {
	return domain.OrderRecord{ID: id, Symbol: symbol, Side: domain.SideBuy, EntryPrice: 1.1, TakeProfit: 1.12, StopLoss: 1.095, Quantity: 0.2}
}

func ids(recs []domain.OrderRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestLedgerContract(t *testing.T) {
	for name, open := range backends {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("append and reload keeps insertion order", func(t *testing.T) {
				dir := t.TempDir()
				l := open(t, dir)
				require.NoError(t, l.Append(rec("1", "EURUSD")))
				require.NoError(t, l.Append(rec("2", "GBPUSD")))
				require.NoError(t, l.Append(rec("3", "EURUSD")))
				require.NoError(t, l.Close())

				l = open(t, dir)
				defer l.Close()
				all, err := l.All()
				require.NoError(t, err)
				assert.Equal(t, []string{"1", "2", "3"}, ids(all))
				assert.Equal(t, rec("2", "GBPUSD"), all[1])

				got, err := l.FindBySymbol("EURUSD")
				require.NoError(t, err)
				assert.Equal(t, []string{"1", "3"}, ids(got))
			})

			t.Run("find on empty ledger is empty not nil", func(t *testing.T) {
				l := open(t, t.TempDir())
				defer l.Close()
				got, err := l.FindBySymbol("EURUSD")
				require.NoError(t, err)
				assert.NotNil(t, got)
				assert.Empty(t, got)
			})

			t.Run("duplicate id rejected", func(t *testing.T) {
				l := open(t, t.TempDir())
				defer l.Close()
				require.NoError(t, l.Append(rec("1", "EURUSD")))
				err := l.Append(rec("1", "GBPUSD"))
				assert.ErrorIs(t, err, ErrDuplicateOrder)
				assert.Equal(t, apperr.KindDuplicate, apperr.KindOf(err))

				all, err := l.All()
				require.NoError(t, err)
				assert.Len(t, all, 1)
				assert.Equal(t, "EURUSD", all[0].Symbol)
			})

			t.Run("invalid record rejected", func(t *testing.T) {
				l := open(t, t.TempDir())
				defer l.Close()
				assert.Equal(t, apperr.KindValidation, apperr.KindOf(l.Append(domain.OrderRecord{Symbol: "EURUSD"})))
			})

			t.Run("remove is idempotent", func(t *testing.T) {
				dir := t.TempDir()
				l := open(t, dir)
				require.NoError(t, l.Append(rec("1", "EURUSD")))
				require.NoError(t, l.Append(rec("2", "EURUSD")))

				require.NoError(t, l.RemoveByID("1"))
				require.NoError(t, l.RemoveByID("1"))
				require.NoError(t, l.RemoveByID("missing"))
				require.NoError(t, l.Close())

				l = open(t, dir)
				defer l.Close()
				all, err := l.All()
				require.NoError(t, err)
				assert.Equal(t, []string{"2"}, ids(all))
			})

			t.Run("replace many in place", func(t *testing.T) {
				dir := t.TempDir()
				l := open(t, dir)
				require.NoError(t, l.Append(rec("1", "EURUSD")))
				require.NoError(t, l.Append(rec("2", "EURUSD")))
				require.NoError(t, l.Append(rec("3", "GBPUSD")))

				r1 := rec("1", "EURUSD")
				r1.StopLoss = 1.1
				r3 := rec("3", "GBPUSD")
				r3.TakeProfit = 1.3
				require.NoError(t, l.ReplaceMany([]domain.OrderRecord{r3, r1, rec("ghost", "EURUSD")}))
				require.NoError(t, l.ReplaceMany(nil))
				require.NoError(t, l.Close())

				l = open(t, dir)
				defer l.Close()
				all, err := l.All()
				require.NoError(t, err)
				assert.Equal(t, []domain.OrderRecord{r1, rec("2", "EURUSD"), r3}, all)
			})

			t.Run("concurrent appends are not lost", func(t *testing.T) {
				l := open(t, t.TempDir())
				defer l.Close()

				const n = 20
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						assert.NoError(t, l.Append(rec(string(rune('a'+i)), "EURUSD")))
					}(i)
				}
				wg.Wait()

				all, err := l.All()
				require.NoError(t, err)
				assert.Len(t, all, n)
			})
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "postgres", Path: "x"})
	assert.Error(t, err)
	_, err = Open(Config{Backend: BackendFile})
	assert.Error(t, err)
}

func TestFileLedgerWritesOrdersDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradeIds.json")
	l, err := OpenFile(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(rec("42", "EURUSD")))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orders":[{"id":"42","symbol":"EURUSD","side":"buy","entryPrice":1.1,"takeProfit":1.12,"stopLoss":1.095,"qty":0.2}]}`, string(raw))
}

func TestFileLedgerCorruptFileFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradeIds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"orders":[`), 0o644))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

type failingStore struct {
	persistence.Store
	fail bool
}

func (f *failingStore) Save(v interface{}) error {
	if f.fail {
		return errors.New("no space left on device")
	}
	return f.Store.Save(v)
}

func TestFileLedgerWriteFailureKeepsPriorState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradeIds.json")
	l, err := OpenFile(path)
	require.NoError(t, err)
	defer l.Close()

	fs := &failingStore{Store: l.doc}
	l.doc = fs
	require.NoError(t, l.Append(rec("1", "EURUSD")))

	fs.fail = true
	err = l.Append(rec("2", "EURUSD"))
	var lwe *apperr.LedgerWriteError
	require.ErrorAs(t, err, &lwe)
	assert.Equal(t, "append", lwe.Op)

	assert.Equal(t, apperr.KindLedgerWrite, apperr.KindOf(l.RemoveByID("1")))
	assert.Equal(t, apperr.KindLedgerWrite, apperr.KindOf(l.ReplaceMany([]domain.OrderRecord{{ID: "1", Symbol: "EURUSD", StopLoss: 9}})))

	fs.fail = false
	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderRecord{rec("1", "EURUSD")}, all)
}

package engine_test

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/leftmike/mvstore/config"
	"github.com/leftmike/mvstore/engine"
	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/service"
	"github.com/leftmike/mvstore/storage/snapshot"
	"github.com/leftmike/mvstore/storage/wal"
	"github.com/leftmike/mvstore/testutil"
)

var (
	logger *log.Logger
)

func TestMain(m *testing.M) {
	flag.Parse()
	logger = testutil.SetupLogger(filepath.Join("testdata", "engine.log"))
	os.Exit(m.Run())
}

func testDir(t *testing.T) string {
	t.Helper()

	dir := filepath.Join("testdata", strings.ReplaceAll(t.Name(), "/", "_"))
	err := testutil.CleanDir(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func openEngine(t *testing.T, dir, kind string) *engine.Engine {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SnapshotStore = kind
	cfg.Durability = wal.DurabilityCommit
	cfg.Shards = 4
	cfg.ScanChunkRows = 64
	cfg.Logger = logger

	e, err := engine.Open(cfg)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", dir, err)
	}
	return e
}

func createAccounts(t *testing.T, e *engine.Engine) {
	t.Helper()

	err := e.CreateTable(context.Background(), "accounts",
		[]sql.Column{
			{Name: "id", Type: sql.IntegerType},
			{Name: "owner", Type: sql.StringType},
			{Name: "balance", Type: sql.IntegerType, NotNull: true, Default: sql.Int64Value(0)},
		}, "id")
	require.NoError(t, err)
}

func insertAccount(t *testing.T, e *engine.Engine, id int64, owner string, balance int64) {
	t.Helper()

	err := e.Update(context.Background(), service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(context.Background(), "accounts",
				[]sql.Value{sql.Int64Value(id), sql.StringValue(owner), sql.Int64Value(balance)})
			return err
		})
	require.NoError(t, err)
}

func readAll(t *testing.T, tx *engine.Transaction, tbl string,
	pred engine.Predicate) [][]sql.Value {

	t.Helper()

	ctx := context.Background()
	rows, err := tx.Read(ctx, tbl, pred)
	require.NoError(t, err)
	defer rows.Close()

	var all [][]sql.Value
	for {
		dest := make([]sql.Value, len(rows.Columns()))
		err := rows.Next(ctx, dest)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		all = append(all, dest)
	}
	return all
}

func getBalance(t *testing.T, tx *engine.Transaction, id int64) (int64, bool) {
	t.Helper()

	row, ok, err := tx.Get(context.Background(), "accounts", id)
	require.NoError(t, err)
	if !ok {
		return 0, false
	}
	return int64(row[2].(sql.Int64Value)), true
}

func TestSnapshotStability(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	insertAccount(t, e, 1, "alice", 10)

	old := e.Begin(service.Snapshot)
	defer old.Rollback()
	bal, ok := getBalance(t, old, 1)
	require.True(t, ok)
	require.Equal(t, int64(10), bal)

	insertAccount(t, e, 2, "bob", 5)
	err := e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Update(ctx, "accounts", engine.Eq("id", sql.Int64Value(1)),
				[]sql.ColumnUpdate{{Column: "balance", Value: sql.Int64Value(20)}})
			return err
		})
	require.NoError(t, err)

	bal, ok = getBalance(t, old, 1)
	require.True(t, ok)
	require.Equal(t, int64(10), bal, "snapshot sees the old version")
	_, ok = getBalance(t, old, 2)
	require.False(t, ok, "snapshot does not see a later insert")
	require.Len(t, readAll(t, old, "accounts", nil), 1)

	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			bal, ok := getBalance(t, tx, 1)
			require.True(t, ok)
			require.Equal(t, int64(20), bal)
			require.Len(t, readAll(t, tx, "accounts", nil), 2)
			return nil
		})
	require.NoError(t, err)
}

func TestReadCommitted(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()

	createAccounts(t, e)
	insertAccount(t, e, 1, "alice", 10)

	rc := e.Begin(service.ReadCommitted)
	defer rc.Rollback()
	require.Len(t, readAll(t, rc, "accounts", nil), 1)

	insertAccount(t, e, 2, "bob", 5)
	require.Len(t, readAll(t, rc, "accounts", nil), 2, "each statement sees the latest commits")
}

func TestWriteConflict(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	insertAccount(t, e, 1, "alice", 10)

	setBalance := func(tx *engine.Transaction, bal int64) error {
		_, err := tx.Update(ctx, "accounts", engine.Eq("id", sql.Int64Value(1)),
			[]sql.ColumnUpdate{{Column: "balance", Value: sql.Int64Value(bal)}})
		return err
	}

	tx1 := e.Begin(service.Snapshot)
	tx2 := e.Begin(service.Snapshot)
	require.NoError(t, setBalance(tx1, 11))
	require.NoError(t, tx1.Commit(ctx))

	require.NoError(t, setBalance(tx2, 12))
	err := tx2.Commit(ctx)
	require.True(t, errors.Is(err, errs.ErrWriteConflict), "commit: %v", err)
	_, _, err = tx2.Get(ctx, "accounts", 1)
	require.True(t, errors.Is(err, errs.ErrWriteConflict), "aborted: %v", err)

	// A row pending in another transaction can not be written.
	tx3 := e.Begin(service.Snapshot)
	tx4 := e.Begin(service.Snapshot)
	require.NoError(t, setBalance(tx3, 13))
	err = setBalance(tx4, 14)
	require.True(t, errors.Is(err, errs.ErrWriteConflict), "update: %v", err)
	_, err = tx4.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(2), nil, nil})
	require.True(t, errors.Is(err, errs.ErrWriteConflict), "aborted: %v", err)
	require.NoError(t, tx3.Commit(ctx))

	// Read committed does not check the write-set.
	tx5 := e.Begin(service.ReadCommitted)
	tx6 := e.Begin(service.Snapshot)
	require.NoError(t, setBalance(tx6, 15))
	require.NoError(t, tx6.Commit(ctx))
	require.NoError(t, setBalance(tx5, 16))
	require.NoError(t, tx5.Commit(ctx))

	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			bal, _ := getBalance(t, tx, 1)
			require.Equal(t, int64(16), bal)
			return nil
		})
	require.NoError(t, err)
}

func TestCommitAtomic(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	require.NoError(t, e.CreateIndex(ctx, "accounts", "owners", []string{"owner"},
		sql.AutoIndex, true))

	tx1 := e.Begin(service.Snapshot)
	_, err := tx1.Insert(ctx, "accounts",
		[]sql.Value{sql.Int64Value(99), sql.StringValue("zed"), sql.Int64Value(1)})
	require.NoError(t, err)
	_, err = tx1.Insert(ctx, "accounts",
		[]sql.Value{sql.Int64Value(100), sql.StringValue("carol"), sql.Int64Value(1)})
	require.NoError(t, err)

	insertAccount(t, e, 101, "carol", 2)

	err = tx1.Commit(ctx)
	require.True(t, errors.Is(err, errs.ErrUniqueViolation), "commit: %v", err)

	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, ok := getBalance(t, tx, 99)
			require.False(t, ok, "no write of a failed commit is visible")
			_, ok = getBalance(t, tx, 100)
			require.False(t, ok)
			require.Len(t, readAll(t, tx, "accounts", nil), 1)
			return nil
		})
	require.NoError(t, err)
}

func TestUniqueStatement(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	require.NoError(t, e.CreateIndex(ctx, "accounts", "owners", []string{"owner"},
		sql.EqualityIndex, true))
	insertAccount(t, e, 1, "alice", 10)
	insertAccount(t, e, 2, "bob", 10)

	err := e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(ctx, "accounts",
				[]sql.Value{sql.Int64Value(3), sql.StringValue("alice"), sql.Int64Value(1)})
			require.True(t, errors.Is(err, errs.ErrUniqueViolation), "insert: %v", err)

			_, err = tx.Insert(ctx, "accounts",
				[]sql.Value{sql.Int64Value(1), sql.StringValue("zed"), sql.Int64Value(1)})
			require.True(t, errors.Is(err, errs.ErrUniqueViolation), "primary key: %v", err)

			// NULL keys never collide.
			_, err = tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(4), nil})
			require.NoError(t, err)
			_, err = tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(5), nil})
			require.NoError(t, err)

			n, err := tx.Update(ctx, "accounts", engine.Range("id", nil, nil, false, false),
				[]sql.ColumnUpdate{{Column: "owner", Value: sql.StringValue("same")}})
			require.True(t, errors.Is(err, errs.ErrUniqueViolation), "update: %v", err)
			require.Equal(t, 0, n)

			// Swapping keys within one statement is allowed.
			_, err = tx.Delete(ctx, "accounts", engine.Eq("id", sql.Int64Value(2)))
			require.NoError(t, err)
			_, err = tx.Insert(ctx, "accounts",
				[]sql.Value{sql.Int64Value(6), sql.StringValue("bob"), sql.Int64Value(3)})
			require.NoError(t, err)
			return nil
		})
	require.NoError(t, err)

	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			rows := readAll(t, tx, "accounts", engine.Eq("owner", sql.StringValue("bob")))
			require.Equal(t, [][]sql.Value{
				{sql.Int64Value(6), sql.StringValue("bob"), sql.Int64Value(3)},
			}, rows)
			require.Len(t, readAll(t, tx, "accounts", nil), 4)
			return nil
		})
	require.NoError(t, err)
}

func TestTombstone(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	insertAccount(t, e, 1, "alice", 10)
	insertAccount(t, e, 2, "bob", 20)

	old := e.Begin(service.Snapshot)
	defer old.Rollback()

	err := e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			n, err := tx.Delete(ctx, "accounts", engine.Eq("owner", sql.StringValue("alice")))
			require.Equal(t, 1, n)
			return err
		})
	require.NoError(t, err)

	_, ok := getBalance(t, old, 1)
	require.True(t, ok, "deleted row visible to an older snapshot")
	agg, err := old.Aggregate(ctx, "accounts", "")
	require.NoError(t, err)
	require.Equal(t, int64(2), agg.Count)

	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, ok := getBalance(t, tx, 1)
			require.False(t, ok)
			agg, err := tx.Aggregate(ctx, "accounts", "balance")
			require.NoError(t, err)
			require.Equal(t, int64(1), agg.Count)
			require.Equal(t, sql.Int64Value(20), agg.Min)
			return nil
		})
	require.NoError(t, err)

	// The id of a deleted row may be inserted again.
	insertAccount(t, e, 1, "alice", 30)
}

func TestUpdateView(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	errStop := errors.New("stop")
	err := e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(1)})
			require.NoError(t, err)
			return errStop
		})
	require.Equal(t, errStop, err)

	err = e.View(ctx, service.ReadCommitted,
		func(tx *engine.Transaction) error {
			require.Len(t, readAll(t, tx, "accounts", nil), 0)
			_, err := tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(1)})
			return err
		})
	require.NoError(t, err)

	err = e.View(ctx, service.ReadCommitted,
		func(tx *engine.Transaction) error {
			require.Len(t, readAll(t, tx, "accounts", nil), 0, "views never commit")
			return nil
		})
	require.NoError(t, err)

	tx := e.Begin(service.Snapshot)
	require.NoError(t, tx.Commit(ctx))
	require.Error(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback())
	_, err = tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(1)})
	require.Error(t, err)
}

type item struct {
	sku    string
	price  int64
	color  string
	active bool
}

var colors = []string{"red", "green", "blue", "black"}

func makeItems(n int) []item {
	items := make([]item, n)
	for i := range items {
		items[i] = item{
			sku:    fmt.Sprintf("sku-%03d", i),
			price:  int64((i * 37) % 100),
			color:  colors[i%len(colors)],
			active: i%3 == 0,
		}
	}
	return items
}

func createItems(t *testing.T, e *engine.Engine, items []item) {
	t.Helper()
	ctx := context.Background()

	err := e.CreateTable(ctx, "items",
		[]sql.Column{
			{Name: "sku", Type: sql.StringType, NotNull: true},
			{Name: "price", Type: sql.IntegerType},
			{Name: "color", Type: sql.StringType},
			{Name: "active", Type: sql.BooleanType},
		}, "")
	require.NoError(t, err)

	err = e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			for _, it := range items {
				_, err := tx.Insert(ctx, "items",
					[]sql.Value{sql.StringValue(it.sku), sql.Int64Value(it.price),
						sql.StringValue(it.color), sql.BoolValue(it.active)})
				if err != nil {
					return err
				}
			}
			return nil
		})
	require.NoError(t, err)
}

func createItemIndexes(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.CreateIndex(ctx, "items", "skus", []string{"sku"}, sql.OrderedIndex,
		true))
	require.NoError(t, e.CreateIndex(ctx, "items", "prices", []string{"price"},
		sql.OrderedIndex, false))
	require.NoError(t, e.CreateIndex(ctx, "items", "colors", []string{"color"},
		sql.EqualityIndex, false))
	require.NoError(t, e.CreateIndex(ctx, "items", "actives", []string{"active"},
		sql.BitmapIndex, false))
	require.NoError(t, e.CreateIndex(ctx, "items", "color_prices", []string{"color", "price"},
		sql.OrderedIndex, false))
}

func skus(rows [][]sql.Value) []string {
	testutil.SortRows(rows, 0)
	var s []string
	for _, row := range rows {
		s = append(s, string(row[0].(sql.StringValue)))
	}
	return s
}

func expectSkus(items []item, fn func(it item) bool) []string {
	var s []string
	for _, it := range items {
		if fn(it) {
			s = append(s, it.sku)
		}
	}
	sort.Strings(s)
	return s
}

type predCase struct {
	pred engine.Predicate
	fn   func(it item) bool
}

var predCases = []predCase{
	{
		pred: engine.Eq("price", sql.Int64Value(37)),
		fn:   func(it item) bool { return it.price == 37 },
	},
	{
		pred: engine.Range("price", sql.Int64Value(10), sql.Int64Value(20), true, false),
		fn:   func(it item) bool { return it.price >= 10 && it.price < 20 },
	},
	{
		pred: engine.Range("price", nil, sql.Int64Value(5), false, true),
		fn:   func(it item) bool { return it.price <= 5 },
	},
	{
		pred: engine.In("color", sql.StringValue("red"), sql.StringValue("blue")),
		fn:   func(it item) bool { return it.color == "red" || it.color == "blue" },
	},
	{
		pred: engine.Prefix("sku", "sku-01"),
		fn:   func(it item) bool { return strings.HasPrefix(it.sku, "sku-01") },
	},
	{
		pred: engine.Eq("active", sql.BoolValue(true)),
		fn:   func(it item) bool { return it.active },
	},
	{
		pred: engine.And(engine.Eq("color", sql.StringValue("green")),
			engine.Range("price", sql.Int64Value(50), nil, false, false)),
		fn: func(it item) bool { return it.color == "green" && it.price > 50 },
	},
	{
		pred: engine.And(engine.Eq("color", sql.StringValue("black")),
			engine.Eq("price", sql.Int64Value(11))),
		fn: func(it item) bool { return it.color == "black" && it.price == 11 },
	},
	{
		pred: engine.Or(engine.Eq("color", sql.StringValue("green")),
			engine.Eq("price", sql.Int64Value(0))),
		fn: func(it item) bool { return it.color == "green" || it.price == 0 },
	},
	{
		pred: engine.Or(engine.Eq("active", sql.BoolValue(false)),
			engine.Prefix("sku", "sku-00")),
		fn: func(it item) bool { return !it.active || strings.HasPrefix(it.sku, "sku-00") },
	},
}

func checkPredicates(t *testing.T, tx *engine.Transaction, items []item) {
	t.Helper()

	for _, pc := range predCases {
		got := skus(readAll(t, tx, "items", pc.pred))
		require.Equal(t, expectSkus(items, pc.fn), got, pc.pred.String())
	}
}

func TestPredicates(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	items := makeItems(200)
	createItems(t, e, items)

	err := e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			checkPredicates(t, tx, items)
			return nil
		})
	require.NoError(t, err)

	createItemIndexes(t, e)
	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			checkPredicates(t, tx, items)
			return nil
		})
	require.NoError(t, err)

	// Pending writes of the transaction are merged with indexed reads.
	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(ctx, "items",
				[]sql.Value{sql.StringValue("sku-900"), sql.Int64Value(37),
					sql.StringValue("green"), sql.BoolValue(true)})
			require.NoError(t, err)
			_, err = tx.Delete(ctx, "items", engine.Eq("sku", sql.StringValue("sku-000")))
			require.NoError(t, err)
			_, err = tx.Update(ctx, "items", engine.Eq("sku", sql.StringValue("sku-001")),
				[]sql.ColumnUpdate{{Column: "price", Value: sql.Int64Value(37)}})
			require.NoError(t, err)

			pending := append([]item(nil), items[2:]...)
			pending = append(pending,
				item{sku: "sku-900", price: 37, color: "green", active: true},
				item{sku: "sku-001", price: 37, color: items[1].color, active: items[1].active})
			checkPredicates(t, tx, pending)
			return nil
		})
	require.NoError(t, err)

	_, err = e.Begin(service.Snapshot).Read(ctx, "items", engine.Eq("missing", nil))
	require.Error(t, err)
	_, err = e.Begin(service.Snapshot).Read(ctx, "items", engine.Prefix("price", "1"))
	require.Error(t, err)
}

func orderedPrices(t *testing.T, tx *engine.Transaction, ascending bool, limit,
	offset int) []int64 {

	t.Helper()
	ctx := context.Background()

	rows, err := tx.ReadOrdered(ctx, "items", "price", ascending, limit, offset)
	require.NoError(t, err)

	var prices []int64
	dest := make([]sql.Value, len(rows.Columns()))
	for rows.Next(ctx, dest) == nil {
		prices = append(prices, int64(dest[1].(sql.Int64Value)))
	}
	return prices
}

func TestReadOrdered(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	items := makeItems(200)
	createItems(t, e, items)

	all := make([]int64, 0, len(items))
	for _, it := range items {
		all = append(all, it.price)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	desc := make([]int64, len(all))
	for n := range all {
		desc[n] = all[len(all)-n-1]
	}

	check := func() {
		err := e.View(ctx, service.Snapshot,
			func(tx *engine.Transaction) error {
				require.Equal(t, all, orderedPrices(t, tx, true, 0, 0))
				require.Equal(t, all[5:15], orderedPrices(t, tx, true, 10, 5))
				require.Equal(t, desc[:7], orderedPrices(t, tx, false, 7, 0))
				require.Len(t, orderedPrices(t, tx, true, 10, 500), 0)
				return nil
			})
		require.NoError(t, err)
	}

	check()
	require.NoError(t, e.CreateIndex(ctx, "items", "prices", []string{"price"},
		sql.OrderedIndex, false))
	check()

	// NULLs are not ordered.
	err := e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(ctx, "items", []sql.Value{sql.StringValue("sku-null")})
			return err
		})
	require.NoError(t, err)
	check()
}

func TestAggregate(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createItems(t, e, makeItems(200))
	require.NoError(t, e.CreateIndex(ctx, "items", "prices", []string{"price"},
		sql.OrderedIndex, false))

	for i := 0; i < 2; i++ {
		err := e.View(ctx, service.Snapshot,
			func(tx *engine.Transaction) error {
				agg, err := tx.Aggregate(ctx, "items", "price")
				require.NoError(t, err)
				require.Equal(t, int64(200), agg.Count)
				require.Equal(t, sql.Int64Value(0), agg.Min)
				require.Equal(t, sql.Int64Value(99), agg.Max)

				agg, err = tx.Aggregate(ctx, "items", "color")
				require.NoError(t, err)
				require.Equal(t, sql.StringValue("black"), agg.Min)
				require.Equal(t, sql.StringValue("red"), agg.Max)
				return nil
			})
		require.NoError(t, err)
	}

	err := e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(ctx, "items",
				[]sql.Value{sql.StringValue("sku-900"), sql.Int64Value(500)})
			require.NoError(t, err)

			agg, err := tx.Aggregate(ctx, "items", "price")
			require.NoError(t, err)
			require.Equal(t, int64(201), agg.Count)
			require.Equal(t, sql.Int64Value(500), agg.Max)

			agg, err = tx.Aggregate(ctx, "items", "")
			require.NoError(t, err)
			require.Equal(t, int64(201), agg.Count)
			return nil
		})
	require.NoError(t, err)
}

func TestSchemaChanges(t *testing.T) {
	dir := testDir(t)
	e := openEngine(t, dir, snapshot.BBoltKind)
	ctx := context.Background()

	createAccounts(t, e)
	insertAccount(t, e, 1, "alice", 10)

	require.Error(t, e.CreateTable(ctx, "accounts", []sql.Column{{Name: "x"}}, ""))
	require.Error(t, e.CreateTable(ctx, "bad", []sql.Column{{Name: "x", Type: sql.StringType}},
		"x"))
	require.Error(t, e.CreateTable(ctx, "bad",
		[]sql.Column{{Name: "x", Type: sql.StringType}, {Name: "x", Type: sql.IntegerType}}, ""))

	require.Error(t, e.AlterTable(ctx, "accounts",
		engine.AddColumn(sql.Column{Name: "score", Type: sql.IntegerType, NotNull: true})))
	require.NoError(t, e.AlterTable(ctx, "accounts",
		engine.AddColumn(sql.Column{Name: "score", Type: sql.IntegerType, NotNull: true,
			Default: sql.Int64Value(7)})))
	require.Error(t, e.AlterTable(ctx, "accounts", engine.DropColumn("id")))

	require.NoError(t, e.CreateIndex(ctx, "accounts", "scores", []string{"score"},
		sql.AutoIndex, false))
	require.Error(t, e.AlterTable(ctx, "accounts", engine.DropColumn("score")))
	require.NoError(t, e.AlterTable(ctx, "accounts", engine.DropColumn("owner")))

	err := e.Update(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			_, err := tx.Insert(ctx, "accounts",
				[]sql.Value{sql.Int64Value(2), sql.Int64Value(20), sql.Int64Value(8)})
			return err
		})
	require.NoError(t, err)

	check := func(e *engine.Engine) {
		schema, err := e.Schema("accounts")
		require.NoError(t, err)
		require.Equal(t, []string{"id", "balance", "score"}, schema.ColumnNames())

		err = e.View(ctx, service.Snapshot,
			func(tx *engine.Transaction) error {
				require.Equal(t, [][]sql.Value{
					{sql.Int64Value(1), sql.Int64Value(10), sql.Int64Value(7)},
					{sql.Int64Value(2), sql.Int64Value(20), sql.Int64Value(8)},
				}, readAll(t, tx, "accounts", nil))
				require.Len(t, readAll(t, tx, "accounts", engine.Eq("score", sql.Int64Value(7))),
					1)
				return nil
			})
		require.NoError(t, err)
	}

	check(e)
	require.NoError(t, e.Close())

	e = openEngine(t, dir, snapshot.BBoltKind)
	check(e)
	require.NoError(t, e.DropIndex(ctx, "accounts", "scores"))
	require.Error(t, e.DropIndex(ctx, "accounts", "scores"))
	require.NoError(t, e.AlterTable(ctx, "accounts", engine.DropColumn("score")))
	require.NoError(t, e.Close())

	e = openEngine(t, dir, snapshot.BBoltKind)
	defer e.Close()
	schema, err := e.Schema("accounts")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "balance"}, schema.ColumnNames())
	require.Len(t, schema.Indexes, 0)
}

func TestDropTable(t *testing.T) {
	dir := testDir(t)
	e := openEngine(t, dir, snapshot.BBoltKind)
	ctx := context.Background()

	createAccounts(t, e)
	insertAccount(t, e, 1, "alice", 10)

	tx := e.Begin(service.Snapshot)
	_, err := tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(2)})
	require.NoError(t, err)

	require.NoError(t, e.DropTable(ctx, "accounts"))
	require.Error(t, tx.Commit(ctx))
	require.Error(t, e.DropTable(ctx, "accounts"))
	require.Equal(t, []string{}, e.Tables())

	createAccounts(t, e)
	insertAccount(t, e, 1, "bob", 5)
	require.NoError(t, e.Close())

	e = openEngine(t, dir, snapshot.BBoltKind)
	defer e.Close()
	require.Equal(t, []string{"accounts"}, e.Tables())
	err = e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			require.Equal(t, [][]sql.Value{
				{sql.Int64Value(1), sql.StringValue("bob"), sql.Int64Value(5)},
			}, readAll(t, tx, "accounts", nil))
			return nil
		})
	require.NoError(t, err)
}

func TestCheckpoint(t *testing.T) {
	kinds := []string{
		snapshot.BBoltKind,
		snapshot.BadgerKind,
		snapshot.PebbleKind,
		snapshot.FileKind,
	}

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			dir := testDir(t)
			e := openEngine(t, dir, kind)
			ctx := context.Background()

			items := makeItems(300)
			createItems(t, e, items[:200])
			createItemIndexes(t, e)
			createAccounts(t, e)
			insertAccount(t, e, 1, "alice", 10)

			require.NoError(t, e.Checkpoint(ctx))

			// After the checkpoint: more rows, a delete, and a schema change.
			err := e.Update(ctx, service.Snapshot,
				func(tx *engine.Transaction) error {
					for _, it := range items[200:] {
						_, err := tx.Insert(ctx, "items",
							[]sql.Value{sql.StringValue(it.sku), sql.Int64Value(it.price),
								sql.StringValue(it.color), sql.BoolValue(it.active)})
						if err != nil {
							return err
						}
					}
					_, err := tx.Delete(ctx, "accounts", nil)
					return err
				})
			require.NoError(t, err)
			require.NoError(t, e.DropIndex(ctx, "items", "colors"))
			require.NoError(t, e.Checkpoint(ctx))
			insertAccount(t, e, 2, "bob", 20)
			require.NoError(t, e.Close())

			e = openEngine(t, dir, kind)
			defer e.Close()

			schema, err := e.Schema("items")
			require.NoError(t, err)
			require.Len(t, schema.Indexes, 4)

			err = e.View(ctx, service.Snapshot,
				func(tx *engine.Transaction) error {
					checkPredicates(t, tx, items)
					require.Equal(t, [][]sql.Value{
						{sql.Int64Value(2), sql.StringValue("bob"), sql.Int64Value(20)},
					}, readAll(t, tx, "accounts", nil))
					return nil
				})
			require.NoError(t, err)

			// Generated row ids continue after the recovered ones, and unique indexes are
			// still enforced.
			err = e.Update(ctx, service.Snapshot,
				func(tx *engine.Transaction) error {
					_, err := tx.Insert(ctx, "items", []sql.Value{sql.StringValue("sku-000")})
					require.True(t, errors.Is(err, errs.ErrUniqueViolation), "insert: %v", err)

					_, err = tx.Insert(ctx, "items", []sql.Value{sql.StringValue("sku-999")})
					return err
				})
			require.NoError(t, err)

			err = e.View(ctx, service.Snapshot,
				func(tx *engine.Transaction) error {
					agg, err := tx.Aggregate(ctx, "items", "sku")
					require.NoError(t, err)
					require.Equal(t, int64(301), agg.Count)
					return nil
				})
			require.NoError(t, err)
		})
	}
}

const (
	durableCommitted   = 10
	durableRowsPerTxn  = 100
	durableUncommitted = 50
)

// TestDurableHelper runs in a child process started by TestDurable. It commits rows and then
// exits without closing the engine.
func TestDurableHelper(t *testing.T) {
	if testutil.DurablePhase() != "write" {
		t.Skip("run by TestDurable")
	}

	e := openEngine(t, filepath.Join("testdata", "TestDurable"), snapshot.BBoltKind)
	ctx := context.Background()

	createAccounts(t, e)
	for n := 0; n < durableCommitted; n++ {
		err := e.Update(ctx, service.Snapshot,
			func(tx *engine.Transaction) error {
				for id := n * durableRowsPerTxn; id < (n+1)*durableRowsPerTxn; id++ {
					_, err := tx.Insert(ctx, "accounts",
						[]sql.Value{sql.Int64Value(id), sql.StringValue("owner"),
							sql.Int64Value(id)})
					if err != nil {
						return err
					}
				}
				return nil
			})
		require.NoError(t, err)
		if n == durableCommitted/2 {
			require.NoError(t, e.Checkpoint(ctx))
		}
	}

	tx := e.Begin(service.Snapshot)
	for id := 5000; id < 5000+durableUncommitted; id++ {
		_, err := tx.Insert(ctx, "accounts", []sql.Value{sql.Int64Value(id)})
		require.NoError(t, err)
	}

	os.Exit(0)
}

func TestDurable(t *testing.T) {
	if testutil.DurablePhase() != "" {
		t.Skip("running as a helper")
	}

	dir := testDir(t)
	testutil.RunDurablePhase(t, "TestDurableHelper", "write")

	e := openEngine(t, dir, snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	err := e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			rows := readAll(t, tx, "accounts", nil)
			require.Len(t, rows, durableCommitted*durableRowsPerTxn)
			for n, row := range rows {
				require.Equal(t, sql.Int64Value(n), row[0])
				require.Equal(t, sql.Int64Value(n), row[2])
			}

			require.Len(t, readAll(t, tx, "accounts",
				engine.Range("id", sql.Int64Value(5000), nil, true, false)), 0)
			return nil
		})
	require.NoError(t, err)

	insertAccount(t, e, 5000, "after", 1)
}

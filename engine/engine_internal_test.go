package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/leftmike/mvstore/config"
	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/service"
	"github.com/leftmike/mvstore/testutil"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()

	dir := filepath.Join("testdata", t.Name())
	err := testutil.CleanDir(dir, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Logger = log.New()
	cfg.Logger.SetLevel(log.WarnLevel)

	e, err := Open(cfg)
	require.NoError(t, err)
	return e
}

func TestRollbackChains(t *testing.T) {
	e := openTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.CreateTable(ctx, "t",
		[]sql.Column{{Name: "id", Type: sql.IntegerType}, {Name: "v", Type: sql.IntegerType}},
		"id"))
	err := e.Update(ctx, service.Snapshot,
		func(tx *Transaction) error {
			for id := int64(1); id <= 3; id++ {
				_, err := tx.Insert(ctx, "t", []sql.Value{sql.Int64Value(id), sql.Int64Value(id)})
				if err != nil {
					return err
				}
			}
			return nil
		})
	require.NoError(t, err)

	tbl, err := e.lookupTable("t")
	require.NoError(t, err)
	lengths := map[int64]int{}
	for id := int64(1); id <= 3; id++ {
		lengths[id] = tbl.vs.ChainLength(id)
	}

	tx := e.Begin(service.Snapshot)
	_, err = tx.Insert(ctx, "t", []sql.Value{sql.Int64Value(99)})
	require.NoError(t, err)
	n, err := tx.Update(ctx, "t", Eq("id", sql.Int64Value(1)),
		[]sql.ColumnUpdate{{Column: "v", Value: sql.Int64Value(100)}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = tx.Delete(ctx, "t", Eq("id", sql.Int64Value(2)))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	writer, ok := tbl.vs.Writer(1)
	require.True(t, ok)
	require.Equal(t, tx.ID(), writer)
	require.NoError(t, tx.Rollback())

	_, ok = tbl.vs.Writer(1)
	require.False(t, ok, "rollback releases claimed rows")
	require.Equal(t, 0, tbl.vs.ChainLength(99))
	for id, l := range lengths {
		require.Equal(t, l, tbl.vs.ChainLength(id))
	}

	err = e.View(ctx, service.Snapshot,
		func(tx *Transaction) error {
			_, ok, err := tx.Get(ctx, "t", 99)
			require.NoError(t, err)
			require.False(t, ok)
			row, ok, err := tx.Get(ctx, "t", 1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []sql.Value{sql.Int64Value(1), sql.Int64Value(1)}, row)
			return nil
		})
	require.NoError(t, err)
}

func TestPoison(t *testing.T) {
	e := openTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.CreateTable(ctx, "t",
		[]sql.Column{{Name: "v", Type: sql.StringType}}, ""))
	tx := e.Begin(service.Snapshot)
	_, err := tx.Insert(ctx, "t", []sql.Value{sql.StringValue("a")})
	require.NoError(t, err)

	err = func() (err error) {
		defer e.guard(&err)
		panic("inconsistent")
	}()
	require.True(t, errors.Is(err, errs.ErrInternalState))
	require.True(t, errs.Fatal(e.Err()))

	err = tx.Commit(ctx)
	require.True(t, errors.Is(err, errs.ErrInternalState), "commit: %v", err)
	_, err = e.Begin(service.Snapshot).Read(ctx, "t", nil)
	require.True(t, errors.Is(err, errs.ErrInternalState), "read: %v", err)
	require.Error(t, e.CreateTable(ctx, "u", []sql.Column{{Name: "v", Type: sql.StringType}},
		""))
	require.Error(t, e.Checkpoint(ctx))

	// The first failure sticks.
	e.poison(errs.Durability(errors.New("disk full"), "append"))
	require.False(t, errors.Is(e.Err(), errs.ErrDurability))
}

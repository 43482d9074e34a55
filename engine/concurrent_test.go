package engine_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/mvstore/engine"
	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/service"
	"github.com/leftmike/mvstore/storage/snapshot"
)

const (
	transferAccounts  = 10
	transferWorkers   = 8
	transfersByWorker = 50
	startBalance      = 1000
)

func transfer(ctx context.Context, e *engine.Engine, iso service.Isolation, from, to,
	amount int64) error {

	return e.Update(ctx, iso,
		func(tx *engine.Transaction) error {
			for _, acct := range []struct {
				id    int64
				delta int64
			}{{from, -amount}, {to, amount}} {
				row, ok, err := tx.Get(ctx, "accounts", acct.id)
				if err != nil {
					return err
				} else if !ok {
					return errors.Newf("account %d not found", acct.id)
				}
				bal := int64(row[2].(sql.Int64Value)) + acct.delta
				_, err = tx.Update(ctx, "accounts", engine.Eq("id", sql.Int64Value(acct.id)),
					[]sql.ColumnUpdate{{Column: "balance", Value: sql.Int64Value(bal)}})
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func TestConcurrentTransfers(t *testing.T) {
	e := openEngine(t, testDir(t), snapshot.BBoltKind)
	defer e.Close()
	ctx := context.Background()

	createAccounts(t, e)
	for id := int64(0); id < transferAccounts; id++ {
		insertAccount(t, e, id, "owner", startBalance)
	}

	var g errgroup.Group
	for w := 0; w < transferWorkers; w++ {
		w := w
		g.Go(func() error {
			for n := 0; n < transfersByWorker; n++ {
				from := int64((w + n) % transferAccounts)
				to := int64((w*3 + n + 1) % transferAccounts)
				if from == to {
					continue
				}
				for {
					err := transfer(ctx, e, service.Snapshot, from, to, int64(n%7+1))
					if err == nil {
						break
					} else if !errors.Is(err, errs.ErrWriteConflict) {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	err := e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			var total int64
			for _, row := range readAll(t, tx, "accounts", nil) {
				total += int64(row[2].(sql.Int64Value))
			}
			require.Equal(t, int64(transferAccounts*startBalance), total)
			return nil
		})
	require.NoError(t, err)
}

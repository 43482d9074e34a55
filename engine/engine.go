// Package engine coordinates tables, transactions, the write-ahead log and snapshots into a
// multi-version storage engine.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/config"
	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/mvcc"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/service"
	"github.com/leftmike/mvstore/storage/snapshot"
	"github.com/leftmike/mvstore/storage/util"
	"github.com/leftmike/mvstore/storage/wal"
)

const (
	walFile     = "mvstore.wal"
	snapshotDir = "snapshot"
)

type table struct {
	name string
	id   int64
	vs   *mvcc.VersionStore
	// Commits hold the latch shared; DDL holds it exclusive.
	latch string
}

func (tbl *table) rowLatch(rowID int64) string {
	return fmt.Sprintf("%s/r/%d", tbl.latch, rowID)
}

func (tbl *table) uniqueLatch(idx string, key string) string {
	return fmt.Sprintf("%s/u/%s/%s", tbl.latch, idx, key)
}

type Engine struct {
	cfg    config.Config
	logger *log.Logger
	reg    *service.Registry
	wal    *wal.WAL
	snaps  *snapshot.Store
	cache  *ristretto.Cache[string, mvcc.Aggregate]

	latches util.Latches
	// Commits and DDL hold the gate shared; a checkpoint holds it exclusive.
	gate sync.RWMutex

	mutex       sync.RWMutex
	tables      map[string]*table
	nextTableID int64

	failMutex sync.Mutex
	failed    error
	closed    bool
}

// Open the engine in cfg.DataDir, recovering the tables from the latest snapshot and the
// write-ahead log.
func Open(cfg config.Config) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(cfg.DataDir, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "engine")
	}

	logger := cfg.MakeLogger()
	cache, err := mvcc.NewAggregateCache(int64(cfg.AggCacheSize))
	if err != nil {
		return nil, errors.Wrap(err, "engine: aggregate cache")
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		reg:         service.NewRegistry(),
		cache:       cache,
		tables:      map[string]*table{},
		nextTableID: 1,
	}

	e.snaps, err = snapshot.Open(cfg.SnapshotStore, filepath.Join(cfg.DataDir, snapshotDir),
		logger)
	if err != nil {
		return nil, errors.Wrap(err, "engine: snapshot store")
	}

	start := time.Now()
	lastLSN, err := e.recover()
	if err != nil {
		e.snaps.Close()
		return nil, err
	}

	e.wal, err = wal.Open(e.walPath(), wal.Options{
		Durability:   cfg.Durability,
		SyncInterval: cfg.SyncInterval,
		LastLSN:      lastLSN,
		Logger:       logger,
	})
	if err != nil {
		e.snaps.Close()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"data":       cfg.DataDir,
		"durability": cfg.Durability,
		"tables":     len(e.tables),
		"watermark":  e.reg.Watermark(),
		"elapsed":    time.Since(start),
	}).Info("engine open")
	return e, nil
}

func (e *Engine) walPath() string {
	return filepath.Join(e.cfg.DataDir, walFile)
}

func (e *Engine) storeOptions() mvcc.Options {
	return mvcc.Options{
		Shards:      e.cfg.Shards,
		ScanWorkers: e.cfg.ScanWorkers,
		ChunkRows:   e.cfg.ScanChunkRows,
		Cache:       e.cache,
	}
}

// Close syncs the log and closes the engine; transactions still open can not commit.
func (e *Engine) Close() error {
	e.failMutex.Lock()
	if e.closed {
		e.failMutex.Unlock()
		return nil
	}
	e.closed = true
	e.failMutex.Unlock()

	e.gate.Lock()
	defer e.gate.Unlock()

	err := e.wal.Close()
	if serr := e.snaps.Close(); err == nil {
		err = serr
	}
	if e.cache != nil {
		e.cache.Close()
	}
	e.logger.Info("engine closed")
	return err
}

// poison makes every later operation fail with err.
func (e *Engine) poison(err error) {
	e.failMutex.Lock()
	defer e.failMutex.Unlock()

	if e.failed == nil {
		e.failed = err
		e.logger.WithError(err).Error("engine failed")
	}
}

func (e *Engine) check() error {
	e.failMutex.Lock()
	defer e.failMutex.Unlock()

	if e.failed != nil {
		return e.failed
	} else if e.closed {
		return errors.New("engine: closed")
	}
	return nil
}

// Err returns the failure that poisoned the engine, if any.
func (e *Engine) Err() error {
	e.failMutex.Lock()
	defer e.failMutex.Unlock()

	return e.failed
}

// guard turns a panic while shared state is being changed into a fatal error.
func (e *Engine) guard(err *error) {
	if r := recover(); r != nil {
		*err = errs.InternalState(r)
		e.poison(*err)
	}
}

func (e *Engine) lookupTable(name string) (*table, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	tbl, ok := e.tables[name]
	if !ok {
		return nil, errors.Newf("engine: table %s not found", name)
	}
	return tbl, nil
}

func (e *Engine) current(tbl *table) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.tables[tbl.name] == tbl
}

// Tables returns the names of the tables, sorted.
func (e *Engine) Tables() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns a copy of the current schema of a table.
func (e *Engine) Schema(name string) (*sql.Schema, error) {
	tbl, err := e.lookupTable(name)
	if err != nil {
		return nil, err
	}
	return tbl.vs.Schema().Clone(), nil
}

// Begin a transaction. The transaction must be completed with Commit or Rollback; Rollback
// after Commit does nothing, so it is always safe to defer.
func (e *Engine) Begin(iso service.Isolation) *Transaction {
	tid, beginSeq := e.reg.Begin()
	return &Transaction{
		e:        e,
		tid:      tid,
		iso:      iso,
		beginSeq: beginSeq,
		tables:   map[int64]*txTable{},
	}
}

// Update runs fn in a new transaction and commits it if fn succeeds. The transaction is
// rolled back if fn returns an error or panics.
func (e *Engine) Update(ctx context.Context, iso service.Isolation,
	fn func(tx *Transaction) error) error {

	tx := e.Begin(iso)
	defer tx.Rollback()

	err := fn(tx)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn in a new transaction which is always rolled back.
func (e *Engine) View(ctx context.Context, iso service.Isolation,
	fn func(tx *Transaction) error) error {

	tx := e.Begin(iso)
	defer tx.Rollback()

	return fn(tx)
}

// Checkpoint saves a snapshot of every table as of the latest commit and then empties the
// write-ahead log. Commits wait while the snapshot is taken.
func (e *Engine) Checkpoint(ctx context.Context) error {
	err := e.check()
	if err != nil {
		return err
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	start := time.Now()
	snap := &snapshot.Snapshot{
		Seq:     e.reg.Watermark(),
		LastTID: e.reg.LastTID(),
		LastLSN: e.wal.LastLSN(),
	}

	e.mutex.RLock()
	snap.NextTableID = e.nextTableID
	tbls := make([]*table, 0, len(e.tables))
	for _, tbl := range e.tables {
		tbls = append(tbls, tbl)
	}
	e.mutex.RUnlock()

	var cnt int
	for _, tbl := range tbls {
		if err := ctx.Err(); err != nil {
			return err
		}

		st := &snapshot.Table{
			Schema:    tbl.vs.Schema(),
			NextRowID: tbl.vs.LastRowID(),
		}
		tbl.vs.Latest(
			func(rv mvcc.RowVersion, seq uint64) error {
				st.Rows = append(st.Rows, snapshot.Row{ID: rv.RowID, Data: rv.Data})
				return nil
			})
		cnt += len(st.Rows)
		snap.Tables = append(snap.Tables, st)
	}

	err = e.snaps.Save(snap)
	if err != nil {
		return errors.Wrap(err, "engine: checkpoint")
	}

	walSize := e.wal.Size()
	err = e.wal.Reset()
	if err != nil {
		e.poison(err)
		return err
	}

	e.logger.WithFields(log.Fields{
		"seq":     snap.Seq,
		"tables":  len(snap.Tables),
		"rows":    cnt,
		"wal":     humanize.Bytes(uint64(walSize)),
		"elapsed": time.Since(start),
	}).Info("checkpoint")
	return nil
}

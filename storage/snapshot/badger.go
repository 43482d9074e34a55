package snapshot

import (
	"io"
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

type badgerKV struct {
	mutex sync.Mutex
	db    *badger.DB
}

type badgerIterator struct {
	tx     *badger.Txn
	it     *badger.Iterator
	prefix []byte
}

type badgerUpdater struct {
	kv *badgerKV
	tx *badger.Txn
}

func MakeBadgerKV(dataDir string, logger *log.Logger) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithLogger(logger)
	// Snapshots are rare and must survive a crash once the latest pointer is written.
	opts = opts.WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerKV{
		db: db,
	}, nil
}

func (bkv *badgerKV) Iterate(prefix []byte) (Iterator, error) {
	tx := bkv.db.NewTransaction(false)
	it := tx.NewIterator(badger.DefaultIteratorOptions)
	it.Seek(prefix)

	return badgerIterator{
		tx:     tx,
		it:     it,
		prefix: prefix,
	}, nil
}

func (bit badgerIterator) Item(fn func(key, val []byte) error) error {
	if !bit.it.ValidForPrefix(bit.prefix) {
		return io.EOF
	}

	item := bit.it.Item()
	err := item.Value(
		func(val []byte) error {
			return fn(item.Key(), val)
		})
	if err != nil {
		return err
	}

	bit.it.Next()
	return nil
}

func (bit badgerIterator) Close() {
	bit.it.Close()
	bit.tx.Discard()
}

func (bkv *badgerKV) Get(key []byte, fn func(val []byte) error) error {
	tx := bkv.db.NewTransaction(false)
	defer tx.Discard()

	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return io.EOF
		}
		return err
	}
	return item.Value(fn)
}

func (bkv *badgerKV) Updater() (Updater, error) {
	bkv.mutex.Lock()

	return &badgerUpdater{
		kv: bkv,
		tx: bkv.db.NewTransaction(true),
	}, nil
}

func (bkv *badgerKV) Close() error {
	return bkv.db.Close()
}

// Snapshots can be larger than a single badger transaction; when a transaction fills up,
// it is committed and a new one started. Atomicity comes from the latest pointer being
// written last.
func (bu *badgerUpdater) write(fn func(tx *badger.Txn) error) error {
	err := fn(bu.tx)
	if err == badger.ErrTxnTooBig {
		err = bu.tx.Commit()
		if err != nil {
			return err
		}
		bu.tx = bu.kv.db.NewTransaction(true)
		err = fn(bu.tx)
	}
	return err
}

func (bu *badgerUpdater) Set(key, val []byte) error {
	// Badger keeps references to keys and values until commit.
	key = append([]byte(nil), key...)
	val = append([]byte(nil), val...)
	return bu.write(
		func(tx *badger.Txn) error {
			return tx.Set(key, val)
		})
}

func (bu *badgerUpdater) Delete(key []byte) error {
	key = append([]byte(nil), key...)
	return bu.write(
		func(tx *badger.Txn) error {
			return tx.Delete(key)
		})
}

func (bu *badgerUpdater) Commit(sync bool) error {
	defer bu.kv.mutex.Unlock()

	return bu.tx.Commit()
}

func (bu *badgerUpdater) Rollback() {
	bu.tx.Discard()
	bu.kv.mutex.Unlock()
}

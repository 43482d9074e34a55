// Package wal is the write-ahead log: an append-only file of checksummed frames. Every
// committed transaction is a run of entries followed by a commit marker.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/crc32"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/errs"
)

const (
	walVersion = 1
	headerSize = 16

	// length | crc | type | lsn | txn
	frameHeaderSize = 4 + 4 + 1 + 8 + 8
	// Bytes covered by the length: type, lsn, txn and payload.
	frameFixedSize = 1 + 8 + 8

	maxPayload = 1 << 30
)

var (
	headerSignature = [8]byte{'m', 'v', 's', 't', 'w', 'a', 'l', 0}

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

type Durability int

const (
	// DurabilityNone leaves flushing to the operating system.
	DurabilityNone Durability = iota
	// DurabilityGroup syncs in the background; a commit waits for the sync covering it.
	DurabilityGroup
	// DurabilityCommit syncs as part of every commit.
	DurabilityCommit
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityGroup:
		return "group"
	case DurabilityCommit:
		return "commit"
	}
	return fmt.Sprintf("Durability(%d)", int(d))
}

func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(s) {
	case "none":
		return DurabilityNone, nil
	case "group", "":
		return DurabilityGroup, nil
	case "commit":
		return DurabilityCommit, nil
	}
	return 0, fmt.Errorf("wal: unknown durability: %s", s)
}

type Options struct {
	Durability Durability
	// How often the background syncer runs with DurabilityGroup.
	SyncInterval time.Duration
	// LSN of the last entry already in the log, as returned by Replay.
	LastLSN uint64
	Logger  *log.Logger
}

type WAL struct {
	mutex      sync.Mutex
	file       *os.File
	path       string
	durability Durability
	logger     *log.Logger
	buf        []byte
	lastLSN    uint64
	size       int64
	// Sticky: once an append or sync fails, the log accepts nothing more.
	failed error

	syncCond *sync.Cond
	synced   uint64 // last LSN known to be on disk
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func writeHeader(f *os.File) error {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, headerSignature[:]...)
	buf = append(buf, walVersion)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0)
	_, err := f.WriteAt(buf, 0)
	return err
}

func checkHeader(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("wal: short header: %d bytes", len(buf))
	}
	if string(buf[:8]) != string(headerSignature[:]) {
		return fmt.Errorf("wal: bad signature: %v", buf[:8])
	}
	if buf[8] > walVersion {
		return fmt.Errorf("wal: bad version: %d", buf[8])
	}
	return nil
}

// Open the log for appending, creating it if necessary. An existing log must already have
// been replayed.
func Open(path string, opts Options) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < headerSize {
		err = f.Truncate(0)
		if err == nil {
			err = writeHeader(f)
		}
		if err == nil {
			err = f.Sync()
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		size = headerSize
	} else {
		var hdr [headerSize]byte
		_, err = f.ReadAt(hdr[:], 0)
		if err == nil {
			err = checkHeader(hdr[:])
		}
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 2 * time.Millisecond
	}

	w := &WAL{
		file:       f,
		path:       path,
		durability: opts.Durability,
		logger:     opts.Logger,
		lastLSN:    opts.LastLSN,
		synced:     opts.LastLSN,
		size:       size,
	}
	w.syncCond = sync.NewCond(&w.mutex)

	if w.durability == DurabilityGroup {
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go w.syncer(opts.SyncInterval)
	}
	return w, nil
}

func appendFrame(buf []byte, typ EntryType, lsn, txn uint64, payload []byte) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(frameFixedSize+len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // crc
	buf = append(buf, byte(typ))
	buf = binary.LittleEndian.AppendUint64(buf, lsn)
	buf = binary.LittleEndian.AppendUint64(buf, txn)
	buf = append(buf, payload...)
	binary.LittleEndian.PutUint32(buf[start+4:], crc32.Checksum(buf[start+8:], crcTable))
	return buf
}

// Append writes the records of a transaction followed by a commit marker stamped with seq,
// as one write. Depending on the durability, it returns once the commit is on disk. Every
// failure is a durability failure; the log is unusable afterwards.
func (w *WAL) Append(txn, seq uint64, recs []Record) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.failed != nil {
		return w.failed
	}

	firstLSN := w.lastLSN + 1
	buf := w.buf[:0]
	for _, rec := range recs {
		if len(rec.Payload) > maxPayload {
			return fmt.Errorf("wal: payload too large: %d bytes", len(rec.Payload))
		}
		w.lastLSN += 1
		buf = appendFrame(buf, rec.Type, w.lastLSN, txn, rec.Payload)
	}
	w.lastLSN += 1
	commitLSN := w.lastLSN
	buf = appendFrame(buf, CommitEntry, commitLSN, txn,
		AppendCommit(nil, Commit{Seq: seq, FirstLSN: firstLSN, Count: uint32(len(recs))}))
	w.buf = buf

	_, err := w.file.WriteAt(buf, w.size)
	if err != nil {
		w.failed = errs.Durability(err, "append")
		return w.failed
	}
	w.size += int64(len(buf))

	switch w.durability {
	case DurabilityCommit:
		err = w.file.Sync()
		if err != nil {
			w.failed = errs.Durability(err, "sync")
			return w.failed
		}
		w.synced = commitLSN
	case DurabilityGroup:
		for w.synced < commitLSN && w.failed == nil {
			w.syncCond.Wait()
		}
		if w.synced < commitLSN {
			return w.failed
		}
	}
	return nil
}

// syncer runs with DurabilityGroup: every interval, one fsync covers every commit appended
// since the last one.
func (w *WAL) syncer(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.groupSync()
		}
	}
}

func (w *WAL) groupSync() {
	w.mutex.Lock()
	target := w.lastLSN
	if target == w.synced || w.failed != nil {
		w.mutex.Unlock()
		return
	}
	w.mutex.Unlock()

	err := w.file.Sync()

	w.mutex.Lock()
	if err != nil {
		w.failed = errs.Durability(err, "group sync")
		w.logger.WithError(err).WithField("path", w.path).Error("wal: sync failed")
	} else if target > w.synced {
		w.synced = target
	}
	w.syncCond.Broadcast()
	w.mutex.Unlock()
}

func (w *WAL) Sync() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if err := w.file.Sync(); err != nil {
		w.failed = errs.Durability(err, "sync")
		return w.failed
	}
	w.synced = w.lastLSN
	w.syncCond.Broadcast()
	return nil
}

// Reset discards every entry; used once a checkpoint covers the whole log. LSNs keep
// increasing across a reset.
func (w *WAL) Reset() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.failed != nil {
		return w.failed
	}
	err := w.file.Truncate(headerSize)
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		w.failed = errs.Durability(err, "reset")
		return w.failed
	}
	w.size = headerSize
	w.synced = w.lastLSN
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) LastLSN() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.lastLSN
}

func (w *WAL) Size() int64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.size
}

func (w *WAL) Close() error {
	if w.stopCh != nil {
		close(w.stopCh)
		w.wg.Wait()
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	var err error
	if w.failed == nil {
		err = w.file.Sync()
		if err == nil {
			w.synced = w.lastLSN
		}
	}
	w.failed = errs.Durability(os.ErrClosed, "closed")
	w.syncCond.Broadcast()
	cerr := w.file.Close()
	if err == nil {
		err = cerr
	}
	return err
}

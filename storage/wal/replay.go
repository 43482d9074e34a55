package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/crc32"

	"github.com/leftmike/mvstore/errs"
)

// Txn is a committed transaction read back from the log.
type Txn struct {
	ID      uint64
	Commit  Commit
	Entries []Entry
}

type Result struct {
	LastLSN   uint64
	LastTxnID uint64
	Committed int
	// Transactions with entries but no commit marker.
	Discarded int
	// Set when the log ended in a damaged frame and was truncated there.
	Truncated error
	Size      int64
}

var (
	errShortFrame  = errors.New("wal: short frame")
	errBadChecksum = errors.New("wal: bad checksum")
)

func parseFrame(buf []byte) (Entry, int, error) {
	if len(buf) < frameHeaderSize {
		return Entry{}, 0, errShortFrame
	}
	length := binary.LittleEndian.Uint32(buf)
	if length < frameFixedSize || length > maxPayload+frameFixedSize {
		return Entry{}, 0, fmt.Errorf("wal: bad frame length: %d", length)
	}
	if uint64(len(buf)) < 8+uint64(length) {
		return Entry{}, 0, errShortFrame
	}
	body := buf[8 : 8+length]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(buf[4:]) {
		return Entry{}, 0, errBadChecksum
	}

	typ := EntryType(body[0])
	if typ < InsertEntry || typ > RollbackEntry {
		return Entry{}, 0, fmt.Errorf("wal: bad entry type: %d", body[0])
	}
	return Entry{
		Type:    typ,
		LSN:     binary.LittleEndian.Uint64(body[1:]),
		TxnID:   binary.LittleEndian.Uint64(body[9:]),
		Payload: body[frameFixedSize:],
	}, 8 + int(length), nil
}

// plausibleFrame checks the header of a frame, without its checksum, and that its lsn is
// between minLSN and maxLSN.
func plausibleFrame(buf []byte, minLSN, maxLSN uint64) bool {
	if len(buf) < frameHeaderSize {
		return false
	}
	length := binary.LittleEndian.Uint32(buf)
	if length < frameFixedSize || uint64(len(buf)) < 8+uint64(length) {
		return false
	}
	typ := EntryType(buf[8])
	if typ < InsertEntry || typ > RollbackEntry {
		return false
	}
	lsn := binary.LittleEndian.Uint64(buf[9:])
	return minLSN <= lsn && lsn <= maxLSN
}

// resync returns the offset of the first intact frame in buf after the damaged frame at its
// start, which should have held lsn. Frames are at least frameHeaderSize bytes and lsns are
// consecutive, so a frame off bytes along holds at most lsn + off / frameHeaderSize; only
// frames passing that check are checksummed.
func resync(buf []byte, lsn uint64) (int, bool) {
	for off := 1; off+frameHeaderSize <= len(buf); off++ {
		if !plausibleFrame(buf[off:], lsn, lsn+uint64(off/frameHeaderSize)) {
			continue
		}
		if _, _, err := parseFrame(buf[off:]); err == nil {
			return off, true
		}
	}
	return 0, false
}

// committedLater reports whether a valid commit marker after the damaged frame at the start
// of buf covers lsn. The frames are walked from the first intact frame found by resync and
// the walk stops at the next damaged frame.
func committedLater(buf []byte, lsn uint64) bool {
	off, ok := resync(buf, lsn)
	if !ok {
		return false
	}
	for off < len(buf) {
		ent, n, err := parseFrame(buf[off:])
		if err != nil {
			break
		}
		if ent.Type == CommitEntry {
			c, err := DecodeCommit(ent.Payload)
			if err == nil && c.FirstLSN <= lsn && lsn < ent.LSN {
				return true
			}
		}
		off += n
	}
	return false
}

func truncate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	err = f.Truncate(size)
	if err == nil {
		err = f.Sync()
	}
	return err
}

// Replay reads the log at path and calls fn, in log order, for every transaction with a
// commit marker. A damaged frame ends the log: if a later commit marker covers it, the log is
// corrupt and replay fails; otherwise the file is truncated at the frame and replay stops
// there.
func Replay(path string, fn func(txn *Txn) error) (Result, error) {
	var res Result

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return res, nil
	} else if err != nil {
		return res, err
	}
	if len(buf) < headerSize {
		return res, nil
	}
	if err := checkHeader(buf); err != nil {
		return res, errs.RecoveryCorruption(0, err)
	}

	pending := map[uint64][]Entry{}
	off := headerSize
	for off < len(buf) {
		ent, n, err := parseFrame(buf[off:])
		if err == nil && ent.LSN <= res.LastLSN {
			err = fmt.Errorf("wal: lsn %d out of order after %d", ent.LSN, res.LastLSN)
		}
		if err != nil {
			lsn := res.LastLSN + 1
			if committedLater(buf[off:], lsn) {
				return res, errs.RecoveryCorruption(lsn, err)
			}
			if terr := truncate(path, int64(off)); terr != nil {
				return res, terr
			}
			res.Truncated = errs.RecoveryTruncation(lsn, err)
			break
		}
		off += n

		res.LastLSN = ent.LSN
		if ent.TxnID > res.LastTxnID {
			res.LastTxnID = ent.TxnID
		}

		switch ent.Type {
		case CommitEntry:
			c, err := DecodeCommit(ent.Payload)
			if err != nil {
				return res, errs.RecoveryCorruption(ent.LSN, err)
			}
			entries := pending[ent.TxnID]
			delete(pending, ent.TxnID)
			if len(entries) != int(c.Count) || (len(entries) > 0 && entries[0].LSN != c.FirstLSN) {
				return res, errs.RecoveryCorruption(ent.LSN,
					fmt.Errorf("wal: commit of transaction %d covers %d entries from lsn %d; "+
						"found %d", ent.TxnID, c.Count, c.FirstLSN, len(entries)))
			}
			res.Committed += 1
			if err := fn(&Txn{ID: ent.TxnID, Commit: c, Entries: entries}); err != nil {
				return res, err
			}
		case RollbackEntry:
			delete(pending, ent.TxnID)
		default:
			pending[ent.TxnID] = append(pending[ent.TxnID], ent)
		}
	}

	res.Discarded = len(pending)
	res.Size = int64(off)
	return res, nil
}

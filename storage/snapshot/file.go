package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"github.com/klauspost/compress/zstd"
)

const (
	fileName      = "snapshot.zst"
	fileSignature = "mvstsnap"
)

// fileKV keeps every key in memory and rewrites a single zstd compressed file on each
// commit.
type fileKV struct {
	treeMutex   sync.Mutex
	updateMutex sync.Mutex
	tree        *btree.BTree
	path        string
}

type fileIterator struct {
	idx   int
	items []fileItem
}

type fileUpdater struct {
	fkv  *fileKV
	tree *btree.BTree
}

type fileItem struct {
	key []byte
	val []byte
}

func (fi fileItem) Less(item btree.Item) bool {
	return bytes.Compare(fi.key, item.(fileItem).key) < 0
}

func MakeFileKV(dataDir string) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}

	fkv := &fileKV{
		tree: btree.New(16),
		path: filepath.Join(dataDir, fileName),
	}
	err = fkv.load()
	if err != nil {
		return nil, err
	}
	return fkv, nil
}

func (fkv *fileKV) load() error {
	f, err := os.Open(fkv.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	r := bufio.NewReader(dec)
	sig := make([]byte, len(fileSignature))
	_, err = io.ReadFull(r, sig)
	if err != nil || string(sig) != fileSignature {
		return fmt.Errorf("snapshot: %s: bad signature", fkv.path)
	}

	for {
		key, err := readBytes(r)
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("snapshot: %s: %s", fkv.path, err)
		}
		val, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("snapshot: %s: %s", fkv.path, err)
		}
		fkv.tree.ReplaceOrInsert(fileItem{key: key, val: val})
	}
	return nil
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	_, err = io.ReadFull(r, buf)
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, err
}

func writeBytes(w *bufio.Writer, buf []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	_, err := w.Write(hdr[:binary.PutUvarint(hdr[:], uint64(len(buf)))])
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (fkv *fileKV) save(tree *btree.BTree, sync bool) error {
	tmp := fkv.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	err = func() error {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(enc)
		_, err = w.WriteString(fileSignature)
		if err != nil {
			enc.Close()
			return err
		}

		tree.Ascend(
			func(item btree.Item) bool {
				fi := item.(fileItem)
				err = writeBytes(w, fi.key)
				if err == nil {
					err = writeBytes(w, fi.val)
				}
				return err == nil
			})
		if err != nil {
			enc.Close()
			return err
		}
		err = w.Flush()
		if err != nil {
			enc.Close()
			return err
		}
		err = enc.Close()
		if err != nil {
			return err
		}
		if sync {
			return f.Sync()
		}
		return nil
	}()
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fkv.path)
}

func (fkv *fileKV) Iterate(prefix []byte) (Iterator, error) {
	fkv.treeMutex.Lock()
	tree := fkv.tree
	fkv.treeMutex.Unlock()

	var items []fileItem
	tree.AscendGreaterOrEqual(fileItem{key: prefix},
		func(item btree.Item) bool {
			fi := item.(fileItem)
			if !bytes.HasPrefix(fi.key, prefix) {
				return false
			}
			items = append(items, fi)
			return true
		})

	return &fileIterator{
		items: items,
	}, nil
}

func (fit *fileIterator) Item(fn func(key, val []byte) error) error {
	if fit.idx == len(fit.items) {
		return io.EOF
	}

	err := fn(fit.items[fit.idx].key, fit.items[fit.idx].val)
	fit.idx += 1
	return err
}

func (fit *fileIterator) Close() {}

func (fkv *fileKV) Get(key []byte, fn func(val []byte) error) error {
	fkv.treeMutex.Lock()
	item := fkv.tree.Get(fileItem{key: key})
	fkv.treeMutex.Unlock()

	if item == nil {
		return io.EOF
	}
	return fn(item.(fileItem).val)
}

func (fkv *fileKV) Updater() (Updater, error) {
	fkv.updateMutex.Lock()

	fkv.treeMutex.Lock()
	tree := fkv.tree.Clone()
	fkv.treeMutex.Unlock()

	return fileUpdater{
		fkv:  fkv,
		tree: tree,
	}, nil
}

func (fkv *fileKV) Close() error {
	return nil
}

func (fu fileUpdater) Set(key, val []byte) error {
	if len(key) == 0 {
		return errors.New("snapshot: empty key")
	}
	fu.tree.ReplaceOrInsert(fileItem{
		key: append([]byte(nil), key...),
		val: append([]byte(nil), val...),
	})
	return nil
}

func (fu fileUpdater) Delete(key []byte) error {
	fu.tree.Delete(fileItem{key: key})
	return nil
}

func (fu fileUpdater) Commit(sync bool) error {
	defer fu.fkv.updateMutex.Unlock()

	err := fu.fkv.save(fu.tree, sync)
	if err != nil {
		return err
	}

	fu.fkv.treeMutex.Lock()
	fu.fkv.tree = fu.tree
	fu.fkv.treeMutex.Unlock()
	return nil
}

func (fu fileUpdater) Rollback() {
	fu.fkv.updateMutex.Unlock()
}

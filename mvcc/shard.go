package mvcc

import (
	"sync"
)

type shard struct {
	mutex   sync.RWMutex
	heads   map[int64]handle
	writers map[int64]uint64 // row -> uncommitted writing transaction
}

type shards []*shard

func newShards(n int) shards {
	if n <= 0 {
		n = 16
	}
	ss := make(shards, n)
	for i := range ss {
		ss[i] = &shard{
			heads:   map[int64]handle{},
			writers: map[int64]uint64{},
		}
	}
	return ss
}

func (ss shards) shard(rowID int64) *shard {
	return ss[uint64(rowID)%uint64(len(ss))]
}

func (ss shards) head(rowID int64) handle {
	sh := ss.shard(rowID)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()

	return sh.heads[rowID]
}

func (ss shards) setHead(rowID int64, h handle) {
	sh := ss.shard(rowID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	sh.heads[rowID] = h
}

func (ss shards) claim(rowID int64, tid uint64) bool {
	sh := ss.shard(rowID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if w, ok := sh.writers[rowID]; ok && w != tid {
		return false
	}
	sh.writers[rowID] = tid
	return true
}

func (ss shards) release(rowID int64, tid uint64) {
	sh := ss.shard(rowID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if sh.writers[rowID] == tid {
		delete(sh.writers, rowID)
	}
}

func (ss shards) writer(rowID int64) (uint64, bool) {
	sh := ss.shard(rowID)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()

	tid, ok := sh.writers[rowID]
	return tid, ok
}

// forEach calls fn for every row head, one shard at a time; fn must not call back into ss.
func (ss shards) forEach(fn func(rowID int64, h handle) error) error {
	for _, sh := range ss {
		sh.mutex.RLock()
		for rowID, h := range sh.heads {
			if err := fn(rowID, h); err != nil {
				sh.mutex.RUnlock()
				return err
			}
		}
		sh.mutex.RUnlock()
	}
	return nil
}

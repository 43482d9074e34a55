package util

import (
	"sort"
	"sync"
)

// Latches are named shared/exclusive locks held for the duration of a commit. Waiters are
// granted the latch in arrival order.
type Latches struct {
	mutex   sync.Mutex
	latches map[string]*latch
}

// Holder is the set of latches held by one committer; a Holder is not safe for concurrent use.
type Holder struct {
	held map[string]*latch

	// A Holder waits on at most one latch; next links the queue of waiters.
	next      *Holder
	wakeCh    chan struct{}
	exclusive bool
}

type latch struct {
	mutex sync.Mutex

	// 0: free, -1: held exclusive, > 0: number of shared holders
	count int
	// Holders of or waiters on this latch; protected by Latches.mutex.
	refs int

	first *Holder
	last  *Holder
}

func (ls *Latches) ref(key string) *latch {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if ls.latches == nil {
		ls.latches = map[string]*latch{}
	}
	l, ok := ls.latches[key]
	if !ok {
		l = &latch{}
		ls.latches[key] = l
	}
	l.refs += 1
	return l
}

func (ls *Latches) unref(key string, l *latch) {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	l.refs -= 1
	if l.refs == 0 {
		delete(ls.latches, key)
	}
}

// Len returns the number of latches currently held or waited on.
func (ls *Latches) Len() int {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	return len(ls.latches)
}

func (ls *Latches) acquire(h *Holder, key string, exclusive bool) bool {
	if h.held == nil {
		h.held = map[string]*latch{}
	}

	if l, ok := h.held[key]; ok {
		if !exclusive {
			return true
		}

		l.mutex.Lock()
		defer l.mutex.Unlock()

		if l.count < 0 {
			return true
		}
		// The only shared holder and nobody waiting: upgrade in place.
		if l.count == 1 && l.first == nil {
			l.count = -1
			return true
		}
		return false
	}

	l := ls.ref(key)

	l.mutex.Lock()
	if l.first == nil {
		if exclusive && l.count == 0 {
			l.count = -1
			h.held[key] = l
			l.mutex.Unlock()
			return true
		} else if !exclusive && l.count >= 0 {
			l.count += 1
			h.held[key] = l
			l.mutex.Unlock()
			return true
		}
	}

	h.next = nil
	if l.last != nil {
		l.last.next = h
	} else {
		l.first = h
	}
	l.last = h
	if h.wakeCh == nil {
		h.wakeCh = make(chan struct{}, 1)
	}
	h.exclusive = exclusive

	l.mutex.Unlock()
	<-h.wakeCh
	l.mutex.Lock()

	if exclusive && l.count != 0 {
		panic("util: woken for exclusive latch: count != 0")
	} else if !exclusive && l.count < 0 {
		panic("util: woken for shared latch: count < 0")
	}

	l.first = h.next
	if l.first == nil {
		l.last = nil
	} else if !exclusive && !l.first.exclusive {
		// Consecutive shared waiters all proceed.
		l.first.wakeCh <- struct{}{}
	}

	if exclusive {
		l.count = -1
	} else {
		l.count += 1
	}
	h.held[key] = l
	l.mutex.Unlock()
	return true
}

// Shared acquires key in shared mode, waiting for any exclusive holder.
func (ls *Latches) Shared(h *Holder, key string) {
	ls.acquire(h, key, false)
}

// Exclusive acquires key in exclusive mode. It returns false only if h already holds key
// shared along with other holders, in which case the latch can not be upgraded.
func (ls *Latches) Exclusive(h *Holder, key string) bool {
	return ls.acquire(h, key, true)
}

// ExclusiveAll acquires every key exclusively in sorted order, so that two committers with
// overlapping key sets can not deadlock.
func (ls *Latches) ExclusiveAll(h *Holder, keys []string) bool {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		if !ls.acquire(h, key, true) {
			return false
		}
	}
	return true
}

func (l *latch) release() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.count > 0 {
		l.count -= 1
	} else if l.count == -1 {
		l.count = 0
	} else {
		panic("util: release of latch not held")
	}

	if l.first != nil && l.count == 0 {
		l.first.wakeCh <- struct{}{}
	}
}

// Release every latch held by h.
func (ls *Latches) Release(h *Holder) {
	for key, l := range h.held {
		l.release()
		ls.unref(key, l)
	}
	h.held = nil
}

func (h *Holder) Holds(key string) bool {
	_, ok := h.held[key]
	return ok
}

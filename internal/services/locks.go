package services

import (
	"slices"
	"sync"
)

// cardLocks serializes ledger writes per card. A write that touches several
// cards takes their locks in ascending id order.
type cardLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newCardLocks() *cardLocks {
	return &cardLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *cardLocks) get(cardID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[cardID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[cardID] = m
	}
	return m
}

// lock acquires every given card lock and returns the matching unlock.
func (l *cardLocks) lock(cardIDs ...int64) func() {
	ids := slices.Clone(cardIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		m := l.get(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

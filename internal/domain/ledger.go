package domain

// Ledger is a map that forgets its oldest keys once it holds more than a
// fixed number of entries. It is not safe for concurrent use.
type Ledger[K comparable, V any] struct {
	max   int
	seq   uint64
	items map[K]ledgerEntry[V]
	order []ledgerKey[K]
}

type ledgerEntry[V any] struct {
	value V
	seq   uint64
}

type ledgerKey[K comparable] struct {
	key K
	seq uint64
}

// NewLedger returns a Ledger holding at most max entries (minimum 1).
func NewLedger[K comparable, V any](max int) *Ledger[K, V] {
	if max < 1 {
		max = 1
	}
	return &Ledger[K, V]{max: max, items: make(map[K]ledgerEntry[V])}
}

func (l *Ledger[K, V]) Get(k K) (V, bool) {
	e, ok := l.items[k]
	return e.value, ok
}

// Put stores v under k. Updating an existing key keeps its age.
func (l *Ledger[K, V]) Put(k K, v V) {
	if e, ok := l.items[k]; ok {
		e.value = v
		l.items[k] = e
		return
	}
	l.seq++
	l.items[k] = ledgerEntry[V]{value: v, seq: l.seq}
	l.order = append(l.order, ledgerKey[K]{key: k, seq: l.seq})
	for len(l.items) > l.max {
		l.evictOldest()
	}
	if len(l.order) > 2*l.max {
		l.compact()
	}
}

func (l *Ledger[K, V]) Delete(k K) { delete(l.items, k) }

func (l *Ledger[K, V]) Len() int { return len(l.items) }

// Range calls fn for every entry until fn returns false. fn may Delete.
func (l *Ledger[K, V]) Range(fn func(K, V) bool) {
	for k, e := range l.items {
		if !fn(k, e.value) {
			return
		}
	}
}

func (l *Ledger[K, V]) evictOldest() {
	for len(l.order) > 0 {
		head := l.order[0]
		l.order = l.order[1:]
		// Skip keys deleted or re-added since this slot was queued.
		if e, ok := l.items[head.key]; ok && e.seq == head.seq {
			delete(l.items, head.key)
			return
		}
	}
}

// compact drops order slots whose key is gone or was re-added.
func (l *Ledger[K, V]) compact() {
	live := make([]ledgerKey[K], 0, len(l.items))
	for _, slot := range l.order {
		if e, ok := l.items[slot.key]; ok && e.seq == slot.seq {
			live = append(live, slot)
		}
	}
	l.order = live
}

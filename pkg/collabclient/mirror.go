package collabclient

import "slices"

type pendingKey struct {
	event string
	id    int64
}

type pendingChange[T any] struct {
	prev     T
	applied  T
	index    int
	inflight int
}

// mirror is the local copy of one record kind plus the bookkeeping for
// changes the server has not confirmed yet. Provisional records carry
// negative ids, server records positive ones.
type mirror[T any] struct {
	items []T
	id    func(T) int64
	same  func(a, b T) bool

	pending map[pendingKey]*pendingChange[T]
	// provisional refs removed before confirmation, and the server ids
	// they turned into while their removal is in flight
	discardRefs map[int64]bool
	discardIDs  map[int64]bool
}

func newMirror[T any](id func(T) int64, same func(a, b T) bool) *mirror[T] {
	m := &mirror[T]{id: id, same: same}
	m.reset(nil)
	return m
}

func (m *mirror[T]) reset(items []T) {
	m.items = make([]T, len(items))
	copy(m.items, items)
	m.pending = map[pendingKey]*pendingChange[T]{}
	m.discardRefs = map[int64]bool{}
	m.discardIDs = map[int64]bool{}
}

func (m *mirror[T]) snapshot() []T {
	out := make([]T, len(m.items))
	copy(out, m.items)
	return out
}

func (m *mirror[T]) index(id int64) int {
	return slices.IndexFunc(m.items, func(r T) bool { return m.id(r) == id })
}

func (m *mirror[T]) get(id int64) (T, bool) {
	if i := m.index(id); i >= 0 {
		return m.items[i], true
	}
	var zero T
	return zero, false
}

func (m *mirror[T]) add(rec T) { m.items = append(m.items, rec) }

func (m *mirror[T]) delete(id int64) (T, int, bool) {
	i := m.index(id)
	if i < 0 {
		var zero T
		return zero, -1, false
	}
	rec := m.items[i]
	m.items = slices.Delete(m.items, i, i+1)
	return rec, i, true
}

// confirm applies a server record. ref is the provisional id it replaces
// when mine is set. orphan is non-zero when the provisional copy was removed
// locally already and the server record must be removed too.
func (m *mirror[T]) confirm(rec T, ref int64, mine bool) (changed bool, orphan int64) {
	id := m.id(rec)
	if mine && ref != 0 && m.discardRefs[ref] {
		delete(m.discardRefs, ref)
		m.discardIDs[id] = true
		return false, id
	}
	if m.discardIDs[id] {
		return false, 0
	}
	if i := m.index(id); i >= 0 {
		m.items[i] = rec
		return true, 0
	}
	if mine && ref != 0 {
		if i := m.index(ref); i >= 0 {
			m.items[i] = rec
			return true, 0
		}
	}
	m.items = append(m.items, rec)
	return true, 0
}

// forget handles a server side removal. Absent ids are ignored.
func (m *mirror[T]) forget(id int64) bool {
	delete(m.discardIDs, id)
	_, _, ok := m.delete(id)
	return ok
}

func (m *mirror[T]) discard(ref int64) { m.discardRefs[ref] = true }

// dropProvisional removes a provisional record whose add was rejected.
func (m *mirror[T]) dropProvisional(ref int64) bool {
	if ref >= 0 {
		return false
	}
	delete(m.discardRefs, ref)
	_, _, ok := m.delete(ref)
	return ok
}

func (m *mirror[T]) track(event string, id int64, prev, applied T, index int) {
	k := pendingKey{event: event, id: id}
	if p, ok := m.pending[k]; ok {
		p.applied = applied
		p.inflight++
		return
	}
	m.pending[k] = &pendingChange[T]{prev: prev, applied: applied, index: index, inflight: 1}
}

func (m *mirror[T]) settle(event string, id int64) {
	k := pendingKey{event: event, id: id}
	p, ok := m.pending[k]
	if !ok {
		return
	}
	if p.inflight--; p.inflight <= 0 {
		delete(m.pending, k)
	}
}

// rollback undoes a rejected change. A removal is restored at its old
// position; an update is reverted unless a newer value replaced it meanwhile.
func (m *mirror[T]) rollback(event string, id int64, removal bool) bool {
	k := pendingKey{event: event, id: id}
	p, ok := m.pending[k]
	if !ok {
		delete(m.discardIDs, id)
		return false
	}
	delete(m.pending, k)

	if removal {
		if m.index(id) >= 0 {
			return false
		}
		m.items = slices.Insert(m.items, min(p.index, len(m.items)), p.prev)
		return true
	}
	i := m.index(id)
	if i < 0 || !m.same(m.items[i], p.applied) {
		return false
	}
	m.items[i] = p.prev
	return true
}

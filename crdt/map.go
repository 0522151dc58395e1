package crdt

import "sort"

// Structs

// lwwReg is a last-writer-wins register: the write with the greatest ord
// wins, deletions included. Observed state is kept even when deleted so a
// slower concurrent write cannot resurrect an older value.
type lwwReg struct {
	value   []byte
	deleted bool
	ord     ord
	set     bool
}

// lwwMap is a mapping from string keys to last-writer-wins registers.
// Concurrent writes to the same key converge on the write with the
// greatest (lamport, client) pair.
type lwwMap struct {
	regs map[string]*lwwReg
	live int
}

// Functions

func newLWWMap() *lwwMap {
	return &lwwMap{regs: make(map[string]*lwwReg)}
}

// apply merges one write into the register for key. Ties on ord cannot
// occur between distinct operations, so equal ord means a replayed
// duplicate and is ignored.
func (m *lwwMap) apply(key string, value []byte, deleted bool, o ord) {

	reg, ok := m.regs[key]
	if !ok {
		reg = &lwwReg{}
		m.regs[key] = reg
	}

	if reg.set && !o.greater(reg.ord) {
		return
	}

	if reg.set && !reg.deleted {
		m.live--
	}

	reg.value = value
	reg.deleted = deleted
	reg.ord = o
	reg.set = true

	if !deleted {
		m.live++
	}
}

// get returns the live value stored at key.
func (m *lwwMap) get(key string) ([]byte, bool) {

	reg, ok := m.regs[key]
	if !ok || !reg.set || reg.deleted {
		return nil, false
	}

	return reg.value, true
}

// keys returns all live keys in ascending order.
func (m *lwwMap) keys() []string {

	out := make([]string, 0, m.live)

	for key, reg := range m.regs {
		if reg.set && !reg.deleted {
			out = append(out, key)
		}
	}

	sort.Strings(out)

	return out
}

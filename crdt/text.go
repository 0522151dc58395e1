package crdt

import "fmt"

// Structs

// textItem is one rune in a replicated text sequence. Deleted items stay in
// the list as tombstones so that concurrent operations referencing them can
// still be placed.
type textItem struct {
	id      ID
	parent  ID
	ord     ord
	val     rune
	deleted bool
	next    *textItem
}

// textSeq is an RGA sequence of runes: a linked list rooted at a sentinel
// plus a registry for O(1) element lookup by id. Sibling elements inserted
// after the same parent are ordered by descending ord, which together with
// the causal guarantee that descendants always carry a larger Lamport
// timestamp than their ancestors keeps subtrees contiguous and all replicas
// convergent.
//
// The sequence stores content only; whether the path it belongs to exists
// is decided by its file-tree map entry. Tombstoned runes survive deletion
// so that a later re-create of the same path merges cleanly.
type textSeq struct {
	root  *textItem
	items map[ID]*textItem

	visible int

	// Remote operations whose causal dependency has not arrived yet:
	// inserts waiting for their parent element, keyed by the missing
	// parent id, and tombstones waiting for their target element.
	orphans    map[ID][]*textItem
	pendingDel map[ID]struct{}
}

// Functions

func newTextSeq() *textSeq {

	root := &textItem{id: rootID}

	return &textSeq{
		root:       root,
		items:      map[ID]*textItem{rootID: root},
		orphans:    make(map[ID][]*textItem),
		pendingDel: make(map[ID]struct{}),
	}
}

// insert expands a run of runes into chained items (each rune parented on
// its predecessor, the first on op.parent) and integrates them. A missing
// parent parks the item until the parent arrives.
func (t *textSeq) insert(o *op) {

	parent := o.parent

	for i, r := range o.runes {

		it := &textItem{
			id:     ID{Client: o.id.Client, Seq: o.id.Seq + uint64(i)},
			parent: parent,
			ord:    ord{lamport: o.lamport, client: o.id.Client},
			val:    r,
		}

		t.place(it)

		parent = it.id
	}
}

// place integrates one item or parks it as an orphan, then drains any
// orphans that were waiting for it.
func (t *textSeq) place(it *textItem) {

	if _, dup := t.items[it.id]; dup {
		return
	}

	if _, ok := t.items[it.parent]; !ok {
		t.orphans[it.parent] = append(t.orphans[it.parent], it)
		return
	}

	t.integrate(it)

	if _, ok := t.pendingDel[it.id]; ok {
		it.deleted = true
		delete(t.pendingDel, it.id)
	} else {
		t.visible++
	}

	if kids, ok := t.orphans[it.id]; ok {
		delete(t.orphans, it.id)
		for _, kid := range kids {
			t.place(kid)
		}
	}
}

// integrate links the item into the list: starting right after its parent,
// skip every element with a greater ord, insert before the first smaller
// one. Skipping greater elements walks over whole subtrees of greater
// siblings, which is what makes concurrent same-parent inserts land in the
// same relative position everywhere.
func (t *textSeq) integrate(it *textItem) {

	prev := t.items[it.parent]
	curr := prev.next

	for curr != nil && curr.ord.greater(it.ord) {
		prev = curr
		curr = curr.next
	}

	it.next = curr
	prev.next = it
	t.items[it.id] = it
}

// del tombstones the targeted elements. Targets not seen yet are remembered
// and tombstoned on arrival.
func (t *textSeq) del(runs []idRun) {

	for _, run := range runs {

		for i := uint64(0); i < run.count; i++ {

			id := ID{Client: run.client, Seq: run.start + i}

			it, ok := t.items[id]
			if !ok {
				t.pendingDel[id] = struct{}{}
				continue
			}

			if !it.deleted {
				it.deleted = true
				t.visible--
			}
		}
	}
}

// parentFor returns the id of the element a new insert at the given visible
// index must be parented on: the element currently occupying index-1, or
// the root sentinel for index 0.
func (t *textSeq) parentFor(index int) (ID, error) {

	if index < 0 || index > t.visible {
		return rootID, fmt.Errorf("insert index %d out of range 0..%d", index, t.visible)
	}

	if index == 0 {
		return rootID, nil
	}

	seen := 0
	for it := t.root.next; it != nil; it = it.next {

		if it.deleted {
			continue
		}

		seen++
		if seen == index {
			return it.id, nil
		}
	}

	return rootID, fmt.Errorf("insert index %d beyond sequence of %d visible runes", index, t.visible)
}

// targetRuns collects the ids of the visible elements in the half-open
// index range [index, index+length), compressed into per-client runs of
// consecutive sequence numbers.
func (t *textSeq) targetRuns(index, length int) ([]idRun, error) {

	if index < 0 || length < 0 || index+length > t.visible {
		return nil, fmt.Errorf("delete range [%d,%d) out of range 0..%d", index, index+length, t.visible)
	}

	runs := make([]idRun, 0, 1)
	seen := 0

	for it := t.root.next; it != nil && seen < index+length; it = it.next {

		if it.deleted {
			continue
		}

		if seen >= index {

			last := len(runs) - 1
			if last >= 0 &&
				runs[last].client == it.id.Client &&
				runs[last].start+runs[last].count == it.id.Seq {
				runs[last].count++
			} else {
				runs = append(runs, idRun{client: it.id.Client, start: it.id.Seq, count: 1})
			}
		}

		seen++
	}

	return runs, nil
}

// snapshotVisible returns the visible runes in sequence order.
func (t *textSeq) snapshotVisible() string {

	out := make([]rune, 0, t.visible)

	for it := t.root.next; it != nil; it = it.next {
		if !it.deleted {
			out = append(out, it.val)
		}
	}

	return string(out)
}

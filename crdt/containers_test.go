package crdt

import (
	"bytes"
	"testing"
)

// Functions

// TestLWWMapLastWriterWins checks that concurrent writes to one key
// converge on the write with the greater (lamport, client) pair, and that
// a delete with the greater pair sticks.
func TestLWWMapLastWriterWins(t *testing.T) {

	m := newLWWMap()

	m.apply("/f", []byte("old"), false, ord{lamport: 1, client: 1})
	m.apply("/f", []byte("new"), false, ord{lamport: 2, client: 2})

	if value, ok := m.get("/f"); !ok || !bytes.Equal(value, []byte("new")) {
		t.Fatalf("expected 'new' to win, got %q (live=%v)", value, ok)
	}

	// A slower concurrent write must not resurrect the key.
	m.apply("/f", nil, true, ord{lamport: 3, client: 1})
	m.apply("/f", []byte("late"), false, ord{lamport: 2, client: 9})

	if _, ok := m.get("/f"); ok {
		t.Fatalf("expected key to stay deleted against an older write")
	}

	if m.live != 0 {
		t.Fatalf("expected 0 live keys, got %d", m.live)
	}
}

// TestLWWMapApplyOrderIrrelevant checks that applying the same writes in
// opposite orders yields the same winner.
func TestLWWMapApplyOrderIrrelevant(t *testing.T) {

	forward := newLWWMap()
	forward.apply("k", []byte("a"), false, ord{lamport: 5, client: 1})
	forward.apply("k", []byte("b"), false, ord{lamport: 5, client: 2})

	backward := newLWWMap()
	backward.apply("k", []byte("b"), false, ord{lamport: 5, client: 2})
	backward.apply("k", []byte("a"), false, ord{lamport: 5, client: 1})

	valueF, _ := forward.get("k")
	valueB, _ := backward.get("k")

	if !bytes.Equal(valueF, valueB) {
		t.Fatalf("winners differ by apply order: %q vs %q", valueF, valueB)
	}

	if !bytes.Equal(valueF, []byte("b")) {
		t.Fatalf("expected the greater client id to break the tie, got %q", valueF)
	}
}

// TestEntryLogConvergedOrder checks that interleaved appends from two
// clients land in the same (lamport, client, seq) order regardless of
// arrival order.
func TestEntryLogConvergedOrder(t *testing.T) {

	var forward, backward entryLog

	entries := []logEntry{
		{id: ID{Client: 1, Seq: 1}, lamport: 1, payload: []byte("a1")},
		{id: ID{Client: 2, Seq: 1}, lamport: 1, payload: []byte("b1")},
		{id: ID{Client: 1, Seq: 2}, lamport: 3, payload: []byte("a2")},
		{id: ID{Client: 2, Seq: 2}, lamport: 2, payload: []byte("b2")},
	}

	for _, e := range entries {
		forward.apply(e.id, e.lamport, e.payload)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		backward.apply(e.id, e.lamport, e.payload)
	}

	listF := forward.list()
	listB := backward.list()

	if len(listF) != len(listB) {
		t.Fatalf("lengths differ: %d vs %d", len(listF), len(listB))
	}

	for i := range listF {
		if !bytes.Equal(listF[i], listB[i]) {
			t.Fatalf("order differs at %d: %q vs %q", i, listF[i], listB[i])
		}
	}

	want := []string{"a1", "b1", "b2", "a2"}
	for i, payload := range listF {
		if string(payload) != want[i] {
			t.Fatalf("expected %q at position %d, got %q", want[i], i, payload)
		}
	}
}

// TestTextDeleteRangeValidation checks delete range bounds against the
// visible length.
func TestTextDeleteRangeValidation(t *testing.T) {

	a := InitDocWithClient(1)

	a.Transact("local", func(tx *Txn) {
		if err := tx.TextInsert("/f", 0, "abc"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})

	a.Transact("local", func(tx *Txn) {
		if err := tx.TextDelete("/f", 1, 3); err == nil {
			t.Fatalf("expected out-of-range delete to fail")
		}
		if err := tx.TextInsert("/f", 4, "x"); err == nil {
			t.Fatalf("expected out-of-range insert to fail")
		}
	})

	a.Transact("local", func(tx *Txn) {
		if err := tx.TextDelete("/f", 1, 1); err != nil {
			t.Fatalf("in-range delete failed: %v", err)
		}
	})

	if text := a.TextString("/f"); text != "ac" {
		t.Fatalf("expected 'ac' after deleting the middle rune, got %q", text)
	}
}

// TestTextDeleteAndRecreate checks that content can be rebuilt at a path
// whose previous runes were all tombstoned, across replicas.
func TestTextDeleteAndRecreate(t *testing.T) {

	a := InitDocWithClient(1)
	b := InitDocWithClient(2)

	a.Transact("local", func(tx *Txn) {
		if err := tx.TextInsert("/f", 0, "v1"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})

	syncDocs(t, a, b)

	a.Transact("local", func(tx *Txn) {
		if err := tx.TextDelete("/f", 0, 2); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
	})

	syncDocs(t, a, b)

	if text := b.TextString("/f"); text != "" {
		t.Fatalf("expected empty text after delete on replica b, got %q", text)
	}

	b.Transact("local", func(tx *Txn) {
		if err := tx.TextInsert("/f", 0, "v2"); err != nil {
			t.Fatalf("re-create failed: %v", err)
		}
	})

	syncDocs(t, b, a)

	if text := a.TextString("/f"); text != "v2" {
		t.Fatalf("expected re-created 'v2' on replica a, got %q", text)
	}
}

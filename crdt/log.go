package crdt

// Structs

// logEntry is one element of the append-only entry log.
type logEntry struct {
	id      ID
	lamport uint64
	payload []byte
}

// entryLog is a grow-only sequence ordered by (lamport, client, seq).
// Appends carry the appender's Lamport timestamp, so entries from one
// replica keep their relative order everywhere and concurrent appends from
// different replicas interleave the same way on every replica.
type entryLog struct {
	entries []logEntry
}

// Functions

func (a logEntry) before(b logEntry) bool {

	if a.lamport != b.lamport {
		return a.lamport < b.lamport
	}
	if a.id.Client != b.id.Client {
		return a.id.Client < b.id.Client
	}

	return a.id.Seq < b.id.Seq
}

// apply inserts one entry at its converged position. The common case is an
// append at the tail, so the search walks backwards.
func (l *entryLog) apply(id ID, lamport uint64, payload []byte) {

	e := logEntry{id: id, lamport: lamport, payload: payload}

	pos := len(l.entries)
	for pos > 0 && e.before(l.entries[pos-1]) {
		pos--
	}

	l.entries = append(l.entries, logEntry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
}

// list returns copies of all payloads in converged order.
func (l *entryLog) list() [][]byte {

	out := make([][]byte, len(l.entries))

	for i, e := range l.entries {
		out[i] = append([]byte(nil), e.payload...)
	}

	return out
}

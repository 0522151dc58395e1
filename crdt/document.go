package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Structs

// UpdateHandler observes committed changes: the encoded update bytes and the
// origin tag of whoever produced them. Handlers run synchronously under the
// document lock and must not call back into the Doc.
type UpdateHandler func(update []byte, origin string)

// Doc is one replica of the shared session document. It owns the named
// last-writer-wins map containers, one text sequence per file path, and the
// append-only entry log, together with the operation history that feeds
// state-vector based delta exchange.
type Doc struct {
	mu sync.RWMutex

	client  uint64
	lamport uint64

	// sv holds the highest contiguously integrated sequence number per
	// client, the local replica included. history keeps every integrated
	// op per client in ascending sequence order; pending buffers remote
	// ops that arrived with a sequence gap.
	sv      map[uint64]uint64
	history map[uint64][]*op
	pending map[uint64][]*op

	maps  map[string]*lwwMap
	texts map[string]*textSeq
	log   entryLog

	handlers  map[uint64]UpdateHandler
	handlerID uint64
}

// Txn batches container mutations into a single update. All methods operate
// under the document lock taken by Transact.
type Txn struct {
	doc *Doc
	ops []*op
}

// Functions

// InitDoc returns an empty document with a fresh random client id.
func InitDoc() *Doc {
	return InitDocWithClient(newClientID())
}

// InitDocWithClient returns an empty document using the supplied client id.
// Ids must be nonzero and unique among live replicas of one session; the
// zero id is the reserved text root sentinel.
func InitDocWithClient(client uint64) *Doc {

	if client == 0 {
		panic("crdt: client id 0 is reserved")
	}

	return &Doc{
		client:   client,
		sv:       make(map[uint64]uint64),
		history:  make(map[uint64][]*op),
		pending:  make(map[uint64][]*op),
		maps:     make(map[string]*lwwMap),
		texts:    make(map[string]*textSeq),
		handlers: make(map[uint64]UpdateHandler),
	}
}

// newClientID draws a random nonzero 64-bit client id.
func newClientID() uint64 {

	var buf [8]byte

	for {

		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("crdt: reading randomness for client id: %v", err))
		}

		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}

// ClientID returns this replica's client id.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// OnUpdate registers a handler for committed updates and returns a function
// that removes it again.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {

	d.mu.Lock()
	d.handlerID++
	id := d.handlerID
	d.handlers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// Transact runs fn against a transaction and commits the batched mutations
// as one update, notifying handlers with the given origin. A transaction
// that performed no mutation produces no update and no notification.
func (d *Doc) Transact(origin string, fn func(tx *Txn)) {

	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Txn{doc: d}
	fn(tx)

	if len(tx.ops) == 0 {
		return
	}

	update := encodeUpdate([]opGroup{{client: d.client, ops: tx.ops}})
	d.notify(update, origin)
}

// ApplyUpdate integrates update bytes produced by another replica's
// EncodeStateAsUpdate or Transact. Already-integrated operations are
// skipped, operations with a sequence gap are buffered, and handlers are
// notified with the given origin only if at least one operation was new.
func (d *Doc) ApplyUpdate(update []byte, origin string) error {

	groups, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	integrated := 0

	for _, g := range groups {

		for _, o := range g.ops {

			switch {

			case o.id.Seq+o.width-1 <= d.sv[g.client]:
				// Fully covered already, a replayed duplicate.

			case o.id.Seq == d.sv[g.client]+1:
				d.integrateOp(o)
				d.sv[g.client] = o.id.Seq + o.width - 1
				d.history[g.client] = append(d.history[g.client], o)
				integrated++
				integrated += d.drainPending(g.client)

			case o.id.Seq > d.sv[g.client]+1:
				d.queuePending(g.client, o)

			default:
				return fmt.Errorf("operation %d..%d of client %d overlaps integrated state %d",
					o.id.Seq, o.id.Seq+o.width-1, g.client, d.sv[g.client])
			}
		}
	}

	if integrated > 0 {
		d.notify(update, origin)
	}

	return nil
}

// queuePending inserts o into the client's gap buffer, keeping it sorted by
// sequence number and free of duplicates.
func (d *Doc) queuePending(client uint64, o *op) {

	queue := d.pending[client]

	pos := sort.Search(len(queue), func(i int) bool {
		return queue[i].id.Seq >= o.id.Seq
	})

	if pos < len(queue) && queue[pos].id.Seq == o.id.Seq {
		return
	}

	queue = append(queue, nil)
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = o

	d.pending[client] = queue
}

// drainPending integrates buffered ops of one client for as long as they
// continue the contiguous sequence.
func (d *Doc) drainPending(client uint64) int {

	queue := d.pending[client]
	integrated := 0

	for len(queue) > 0 {

		o := queue[0]

		if o.id.Seq+o.width-1 <= d.sv[client] {
			queue = queue[1:]
			continue
		}

		if o.id.Seq != d.sv[client]+1 {
			break
		}

		queue = queue[1:]
		d.integrateOp(o)
		d.sv[client] = o.id.Seq + o.width - 1
		d.history[client] = append(d.history[client], o)
		integrated++
	}

	if len(queue) == 0 {
		delete(d.pending, client)
	} else {
		d.pending[client] = queue
	}

	return integrated
}

// integrateOp applies one operation to its container. Local and remote
// operations pass through the same switch so both sides share semantics.
func (d *Doc) integrateOp(o *op) {

	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}

	switch o.typ {

	case opMapSet:
		d.getMap(o.container).apply(o.key, o.value, false, ord{lamport: o.lamport, client: o.id.Client})

	case opMapDelete:
		d.getMap(o.container).apply(o.key, nil, true, ord{lamport: o.lamport, client: o.id.Client})

	case opTextInsert:
		d.getText(o.key).insert(o)

	case opTextDelete:
		d.getText(o.key).del(o.runs)

	case opLogAppend:
		d.log.apply(o.id, o.lamport, o.value)
	}
}

func (d *Doc) getMap(container string) *lwwMap {

	m, ok := d.maps[container]
	if !ok {
		m = newLWWMap()
		d.maps[container] = m
	}

	return m
}

func (d *Doc) getText(path string) *textSeq {

	t, ok := d.texts[path]
	if !ok {
		t = newTextSeq()
		d.texts[path] = t
	}

	return t
}

func (d *Doc) notify(update []byte, origin string) {

	for _, fn := range d.handlers {
		fn(update, origin)
	}
}

// StateVector encodes which operations this replica has integrated.
func (d *Doc) StateVector() []byte {

	d.mu.RLock()
	defer d.mu.RUnlock()

	return encodeStateVector(d.sv)
}

// EncodeStateAsUpdate encodes every operation the remote state vector has
// not covered. A nil remote vector encodes the full document, which is the
// snapshot format.
func (d *Doc) EncodeStateAsUpdate(remote []byte) ([]byte, error) {

	rsv, err := decodeStateVector(remote)
	if err != nil {
		return nil, fmt.Errorf("decoding remote state vector: %v", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	groups := make([]opGroup, 0, len(d.history))

	for client, ops := range d.history {

		have := rsv[client]

		// Ops are ascending in seq, so the remote misses a suffix.
		first := sort.Search(len(ops), func(i int) bool {
			return ops[i].id.Seq+ops[i].width-1 > have
		})

		if first == len(ops) {
			continue
		}

		groups = append(groups, opGroup{client: client, ops: ops[first:]})
	}

	return encodeUpdate(groups), nil
}

// Reads

// MapGet returns the live value stored under key in the named container.
func (d *Doc) MapGet(container, key string) ([]byte, bool) {

	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.maps[container]
	if !ok {
		return nil, false
	}

	return m.get(key)
}

// MapKeys returns the live keys of the named container in ascending order.
func (d *Doc) MapKeys(container string) []string {

	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.maps[container]
	if !ok {
		return nil
	}

	return m.keys()
}

// MapLen returns the number of live keys in the named container.
func (d *Doc) MapLen(container string) int {

	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.maps[container]
	if !ok {
		return 0
	}

	return m.live
}

// TextString returns the visible text at path, empty if the path holds no
// visible runes. Whether a path exists at all is the business of the map
// container that tracks it.
func (d *Doc) TextString(path string) string {

	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.texts[path]
	if !ok {
		return ""
	}

	return t.snapshotVisible()
}

// TextLen returns the number of visible runes at path.
func (d *Doc) TextLen(path string) int {

	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.texts[path]
	if !ok {
		return 0
	}

	return t.visible
}

// LogEntries returns copies of all entry log payloads in converged order.
func (d *Doc) LogEntries() [][]byte {

	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.log.list()
}

// LogLen returns the number of entries in the entry log.
func (d *Doc) LogLen() int {

	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.log.entries)
}

// Transaction methods

// newLocalOp reserves sequence numbers and a Lamport timestamp for a local
// operation and records it in history. The caller fills the type-specific
// fields before integrating.
func (tx *Txn) newLocalOp(typ uint8, width uint64) *op {

	d := tx.doc
	d.lamport++

	o := &op{
		typ:     typ,
		id:      ID{Client: d.client, Seq: d.sv[d.client] + 1},
		lamport: d.lamport,
		width:   width,
	}

	d.sv[d.client] += width
	d.history[d.client] = append(d.history[d.client], o)
	tx.ops = append(tx.ops, o)

	return o
}

// MapSet stores value under key in the named container.
func (tx *Txn) MapSet(container, key string, value []byte) {

	o := tx.newLocalOp(opMapSet, 1)
	o.container = container
	o.key = key
	o.value = value

	tx.doc.integrateOp(o)
}

// MapDelete removes key from the named container.
func (tx *Txn) MapDelete(container, key string) {

	o := tx.newLocalOp(opMapDelete, 1)
	o.container = container
	o.key = key

	tx.doc.integrateOp(o)
}

// TextInsert inserts s at the given visible rune index of the text at path.
func (tx *Txn) TextInsert(path string, index int, s string) error {

	if s == "" {
		return nil
	}

	t := tx.doc.getText(path)

	parent, err := t.parentFor(index)
	if err != nil {
		return err
	}

	runes := []rune(s)

	o := tx.newLocalOp(opTextInsert, uint64(len(runes)))
	o.key = path
	o.parent = parent
	o.runes = runes

	tx.doc.integrateOp(o)

	return nil
}

// TextDelete tombstones length visible runes starting at index in the text
// at path.
func (tx *Txn) TextDelete(path string, index, length int) error {

	if length == 0 {
		return nil
	}

	t := tx.doc.getText(path)

	runs, err := t.targetRuns(index, length)
	if err != nil {
		return err
	}

	o := tx.newLocalOp(opTextDelete, 1)
	o.key = path
	o.runs = runs

	tx.doc.integrateOp(o)

	return nil
}

// LogAppend appends one payload to the entry log.
func (tx *Txn) LogAppend(payload []byte) {

	o := tx.newLocalOp(opLogAppend, 1)
	o.value = payload

	tx.doc.integrateOp(o)
}

// Transactional reads, valid while the transaction runs.

// TextString returns the visible text at path, empty if the path holds no
// visible runes.
func (tx *Txn) TextString(path string) string {

	t, ok := tx.doc.texts[path]
	if !ok {
		return ""
	}

	return t.snapshotVisible()
}

// TextLen returns the number of visible runes at path.
func (tx *Txn) TextLen(path string) int {

	t, ok := tx.doc.texts[path]
	if !ok {
		return 0
	}

	return t.visible
}

// MapGet returns the live value stored under key in the named container.
func (tx *Txn) MapGet(container, key string) ([]byte, bool) {

	m, ok := tx.doc.maps[container]
	if !ok {
		return nil, false
	}

	return m.get(key)
}

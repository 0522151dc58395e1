package crdt

import (
	"fmt"
	"sort"
)

// Structs

// ID identifies one element produced by a replica: the replica's numeric
// client id plus a per-replica sequence number. Operations that create
// several elements at once (a text insert of n runes) occupy n consecutive
// sequence numbers and are identified by the first one.
type ID struct {
	Client uint64
	Seq    uint64
}

// rootID is the sentinel parent of the first element in every text
// sequence. Real client ids are drawn from crypto/rand and never zero.
var rootID = ID{Client: 0, Seq: 0}

// ord is the total order used wherever concurrent operations must be
// ranked deterministically: last-writer-wins registers and RGA sibling
// placement. Lamport timestamps respect causality, client ids break ties.
type ord struct {
	lamport uint64
	client  uint64
}

func (a ord) greater(b ord) bool {

	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}

	return a.client > b.client
}

// Operation type tags on the wire.
const (
	opMapSet     = 1
	opMapDelete  = 2
	opTextInsert = 3
	opTextDelete = 4
	opLogAppend  = 5
)

// op is one replicated document operation. Which fields are meaningful
// depends on typ; see the encode switch below for the wire layout.
type op struct {
	typ     uint8
	id      ID
	lamport uint64
	width   uint64

	container string  // map ops: container name
	key       string  // map ops: entry key; text ops: file path
	value     []byte  // map set value, log append payload
	parent    ID      // text insert: element to insert after
	runes     []rune  // text insert content
	runs      []idRun // text delete targets
}

// idRun is a compressed range of element ids from one client,
// covering seq numbers start..start+count-1.
type idRun struct {
	client uint64
	start  uint64
	count  uint64
}

// opGroup carries the ops of one client in ascending sequence order.
type opGroup struct {
	client uint64
	ops    []*op
}

// Functions

// encodeUpdate serializes op groups into update bytes. Groups are written
// in ascending client order so identical state yields identical bytes.
func encodeUpdate(groups []opGroup) []byte {

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].client < groups[j].client
	})

	buf := AppendUvarint(nil, uint64(len(groups)))

	for _, g := range groups {

		buf = AppendUvarint(buf, g.client)
		buf = AppendUvarint(buf, uint64(len(g.ops)))

		for _, o := range g.ops {

			buf = append(buf, o.typ)
			buf = AppendUvarint(buf, o.id.Seq)
			buf = AppendUvarint(buf, o.lamport)

			switch o.typ {

			case opMapSet:
				buf = AppendString(buf, o.container)
				buf = AppendString(buf, o.key)
				buf = AppendBytes(buf, o.value)

			case opMapDelete:
				buf = AppendString(buf, o.container)
				buf = AppendString(buf, o.key)

			case opTextInsert:
				buf = AppendString(buf, o.key)
				buf = AppendUvarint(buf, o.parent.Client)
				buf = AppendUvarint(buf, o.parent.Seq)
				buf = AppendString(buf, string(o.runes))

			case opTextDelete:
				buf = AppendString(buf, o.key)
				buf = AppendUvarint(buf, uint64(len(o.runs)))
				for _, run := range o.runs {
					buf = AppendUvarint(buf, run.client)
					buf = AppendUvarint(buf, run.start)
					buf = AppendUvarint(buf, run.count)
				}

			case opLogAppend:
				buf = AppendBytes(buf, o.value)
			}
		}
	}

	return buf
}

// decodeUpdate parses update bytes back into op groups. It validates the
// structural shape only; sequence accounting happens during integration.
func decodeUpdate(b []byte) ([]opGroup, error) {

	r := NewReader(b)

	numGroups, err := r.Uvarint()
	if err != nil {
		return nil, err
	}

	groups := make([]opGroup, 0, numGroups)

	for gi := uint64(0); gi < numGroups; gi++ {

		client, err := r.Uvarint()
		if err != nil {
			return nil, err
		}
		if client == 0 {
			return nil, fmt.Errorf("update names reserved client id 0")
		}

		numOps, err := r.Uvarint()
		if err != nil {
			return nil, err
		}

		g := opGroup{client: client, ops: make([]*op, 0, numOps)}

		for oi := uint64(0); oi < numOps; oi++ {

			o, err := decodeOp(r, client)
			if err != nil {
				return nil, err
			}

			g.ops = append(g.ops, o)
		}

		groups = append(groups, g)
	}

	return groups, nil
}

func decodeOp(r *Reader, client uint64) (*op, error) {

	typ, err := r.Byte()
	if err != nil {
		return nil, err
	}

	seq, err := r.Uvarint()
	if err != nil {
		return nil, err
	}

	lamport, err := r.Uvarint()
	if err != nil {
		return nil, err
	}

	o := &op{
		typ:     typ,
		id:      ID{Client: client, Seq: seq},
		lamport: lamport,
		width:   1,
	}

	switch typ {

	case opMapSet:
		if o.container, err = r.String(); err != nil {
			return nil, err
		}
		if o.key, err = r.String(); err != nil {
			return nil, err
		}
		if o.value, err = r.Bytes(); err != nil {
			return nil, err
		}

	case opMapDelete:
		if o.container, err = r.String(); err != nil {
			return nil, err
		}
		if o.key, err = r.String(); err != nil {
			return nil, err
		}

	case opTextInsert:
		if o.key, err = r.String(); err != nil {
			return nil, err
		}
		if o.parent.Client, err = r.Uvarint(); err != nil {
			return nil, err
		}
		if o.parent.Seq, err = r.Uvarint(); err != nil {
			return nil, err
		}
		content, err := r.String()
		if err != nil {
			return nil, err
		}
		o.runes = []rune(content)
		if len(o.runes) == 0 {
			return nil, fmt.Errorf("text insert of zero runes")
		}
		o.width = uint64(len(o.runes))

	case opTextDelete:
		if o.key, err = r.String(); err != nil {
			return nil, err
		}
		numRuns, err := r.Uvarint()
		if err != nil {
			return nil, err
		}
		o.runs = make([]idRun, 0, numRuns)
		for i := uint64(0); i < numRuns; i++ {
			var run idRun
			if run.client, err = r.Uvarint(); err != nil {
				return nil, err
			}
			if run.start, err = r.Uvarint(); err != nil {
				return nil, err
			}
			if run.count, err = r.Uvarint(); err != nil {
				return nil, err
			}
			o.runs = append(o.runs, run)
		}

	case opLogAppend:
		if o.value, err = r.Bytes(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown operation type %d", typ)
	}

	return o, nil
}

// encodeStateVector serializes a state vector, entries in ascending
// client order.
func encodeStateVector(sv map[uint64]uint64) []byte {

	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := AppendUvarint(nil, uint64(len(clients)))

	for _, client := range clients {
		buf = AppendUvarint(buf, client)
		buf = AppendUvarint(buf, sv[client])
	}

	return buf
}

// decodeStateVector parses state vector bytes. A nil or empty buffer is the
// empty vector, so a fresh replica can ask for everything.
func decodeStateVector(b []byte) (map[uint64]uint64, error) {

	sv := make(map[uint64]uint64)

	if len(b) == 0 {
		return sv, nil
	}

	r := NewReader(b)

	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < n; i++ {

		client, err := r.Uvarint()
		if err != nil {
			return nil, err
		}

		seq, err := r.Uvarint()
		if err != nil {
			return nil, err
		}

		sv[client] = seq
	}

	return sv, nil
}

package comm

import (
	"fmt"

	"github.com/theonlypal/collabfs/crdt"
)

// Top-level frame kinds.
const (
	KindSync      byte = 0
	KindAwareness byte = 1
	KindControl   byte = 2
)

// Steps of the sync sub-protocol inside KindSync frames.
const (
	// StepVector carries a state vector: "I have up to here, send the rest".
	StepVector byte = 0
	// StepAnswer carries the update answering a StepVector.
	StepAnswer byte = 1
	// StepUpdate carries a new incremental update.
	StepUpdate byte = 2
)

// Structs

// Frame is one decoded envelope. Step is only meaningful for KindSync.
type Frame struct {
	Kind    byte
	Step    byte
	Payload []byte
}

// Functions

// EncodeSync builds a sync frame for the given step.
func EncodeSync(step byte, payload []byte) []byte {

	buf := []byte{KindSync, step}

	return crdt.AppendBytes(buf, payload)
}

// EncodeAwareness builds an awareness relay frame.
func EncodeAwareness(payload []byte) []byte {
	return crdt.AppendBytes([]byte{KindAwareness}, payload)
}

// EncodeControl builds a control frame around a JSON payload.
func EncodeControl(payload []byte) []byte {
	return crdt.AppendBytes([]byte{KindControl}, payload)
}

// DecodeFrame parses one envelope. Trailing bytes after the payload are
// rejected, a frame is exactly one envelope.
func DecodeFrame(b []byte) (Frame, error) {

	r := crdt.NewReader(b)

	kind, err := r.Byte()
	if err != nil {
		return Frame{}, fmt.Errorf("reading frame kind: %v", err)
	}

	f := Frame{Kind: kind}

	switch kind {

	case KindSync:

		step, err := r.Byte()
		if err != nil {
			return Frame{}, fmt.Errorf("reading sync step: %v", err)
		}
		if step > StepUpdate {
			return Frame{}, fmt.Errorf("unknown sync step %d", step)
		}
		f.Step = step

	case KindAwareness, KindControl:
		// No sub-header.

	default:
		return Frame{}, fmt.Errorf("unknown frame kind %d", kind)
	}

	if f.Payload, err = r.Bytes(); err != nil {
		return Frame{}, fmt.Errorf("reading frame payload: %v", err)
	}

	if r.Len() != 0 {
		return Frame{}, fmt.Errorf("frame carries %d trailing bytes", r.Len())
	}

	return f, nil
}

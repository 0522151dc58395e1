package comm

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/theonlypal/collabfs/crdt"
)

// DefaultMaxFrameBytes bounds inbound frames when the caller does not
// configure a limit. Snapshot-sized sync answers must fit, single edits are
// tiny.
const DefaultMaxFrameBytes = 16 << 20

// ErrFrameTooLarge is returned when a peer announces a frame beyond the
// configured maximum. The stream is unusable afterwards because the
// oversized frame was not consumed.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Structs

// Transport reads and writes length-prefixed frames on one net.Conn. Reads
// are single-consumer, writes may come from any goroutine and are
// serialized internally. A nonzero write timeout arms a deadline per write
// so one stuck peer cannot block a broadcast forever.
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader

	maxFrame     int
	writeTimeout time.Duration

	writeMu sync.Mutex
}

// Functions

// NewTransport wraps conn. A maxFrame of zero selects
// DefaultMaxFrameBytes.
func NewTransport(conn net.Conn, maxFrame int, writeTimeout time.Duration) *Transport {

	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}

	return &Transport{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
	}
}

// ReadFrame blocks for the next frame and decodes its envelope.
func (t *Transport) ReadFrame() (Frame, error) {

	size, err := binary.ReadUvarint(t.reader)
	if err != nil {
		return Frame{}, err
	}

	if size > uint64(t.maxFrame) {
		return Frame{}, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(t.reader, buf); err != nil {
		return Frame{}, errors.Wrap(err, "reading frame body")
	}

	return DecodeFrame(buf)
}

// WriteFrame sends one encoded frame, length prefix included, as a single
// write on the connection.
func (t *Transport) WriteFrame(frame []byte) error {

	buf := crdt.AppendBytes(make([]byte, 0, len(frame)+binary.MaxVarintLen64), frame)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {

		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return errors.Wrap(err, "arming write deadline")
		}
	}

	if _, err := t.conn.Write(buf); err != nil {
		return errors.Wrap(err, "writing frame")
	}

	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// RemoteAddr names the peer for logging.
func (t *Transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

package hub

import (
	"net"
	"sync"
	"time"

	"github.com/theonlypal/collabfs/comm"
)

// Structs

// Conn is one client stream registered at the hub. Outbound frames go
// through a bounded queue drained by a dedicated writer goroutine, so a
// broadcast never blocks on a slow peer; when the queue overflows the peer
// is dropped and recovers via sync on its next connect.
type Conn struct {
	ID        string
	transport *comm.Transport

	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	userID    string
	sessionID string
	joined    bool
	lastSeen  time.Time
}

// Functions

func newConn(id string, raw net.Conn, maxFrame int, queueLen int, writeTimeout time.Duration) *Conn {

	c := &Conn{
		ID:        id,
		transport: comm.NewTransport(raw, maxFrame, writeTimeout),
		sendCh:    make(chan []byte, queueLen),
		closed:    make(chan struct{}),
		lastSeen:  time.Now(),
	}

	go c.writeLoop()

	return c
}

// writeLoop drains the outbound queue onto the stream. A failed write
// closes the connection, which also unblocks the read loop.
func (c *Conn) writeLoop() {

	for {

		select {

		case frame := <-c.sendCh:
			if err := c.transport.WriteFrame(frame); err != nil {
				c.close()
				return
			}

		case <-c.closed:
			return
		}
	}
}

// enqueue offers one frame to the outbound queue without blocking. False
// means the peer is too slow and must be dropped.
func (c *Conn) enqueue(frame []byte) bool {

	select {

	case c.sendCh <- frame:
		return true

	case <-c.closed:
		return true

	default:
		return false
	}
}

// close shuts the stream down once; safe from any goroutine, including the
// broadcast path that detected an overflowing queue.
func (c *Conn) close() {

	c.closeOnce.Do(func() {
		close(c.closed)
		c.transport.Close()
	})
}

// touch renews the liveness deadline.
func (c *Conn) touch() {

	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// silentFor reports how long the stream has gone without an inbound frame.
func (c *Conn) silentFor() time.Duration {

	c.mu.Lock()
	defer c.mu.Unlock()

	return time.Since(c.lastSeen)
}

// bind associates the stream with a user and session after a join.
func (c *Conn) bind(userID, sessionID string) {

	c.mu.Lock()
	c.userID = userID
	c.sessionID = sessionID
	c.joined = true
	c.mu.Unlock()
}

// Identity returns the user and session the stream joined as, and whether
// it joined at all.
func (c *Conn) Identity() (string, string, bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.userID, c.sessionID, c.joined
}

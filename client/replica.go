// Package client implements the replica side of collabfs: a full local
// mirror of one session document, kept convergent with the hub through the
// sync sub-protocol. File operations work against the local document and
// are pushed to the hub by an origin-filtered change subscription, so they
// stay available while the connection is down; reconnection restores
// convergence from the retained state.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/theonlypal/collabfs/comm"
	"github.com/theonlypal/collabfs/session"
)

// States a replica's connection moves through. Failed is terminal: the
// reconnect attempts are exhausted and only a fresh Connect call leaves it.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateClosed       = "closed"
	StateFailed       = "failed"
)

// Structs

// DialFunc opens one stream to the hub. Supplying it keeps the replica
// transport-agnostic; production wraps tls.Dial, tests use loopback TCP.
type DialFunc func() (net.Conn, error)

// Options tunes one replica. Zero values select the protocol defaults.
type Options struct {
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	MaxRetries        int
	MaxFrameBytes     int
	WriteTimeout      time.Duration
	JoinTimeout       time.Duration
}

// Replica is one client-side mirror of a session.
type Replica struct {
	logger    log.Logger
	userID    string
	sessionID string
	dial      DialFunc
	opts      Options

	sess        *session.Session
	unsubscribe func()

	mu         sync.Mutex
	transport  *comm.Transport
	state      string
	generation int

	sendCh   chan []byte
	closedCh chan struct{}
	wg       sync.WaitGroup

	// Optional callbacks, set before Connect. They run on the read loop
	// goroutine and must not block.
	OnPeerJoined  func(userID string)
	OnPeerLeft    func(userID string)
	OnActivity    func(userID string, act session.Activity)
	OnAwareness   func(payload []byte)
	OnStateChange func(state string)
}

// Functions

// NewReplica builds a replica for one user in one session. The document
// starts empty; Connect pulls the session's current state from the hub.
func NewReplica(logger log.Logger, userID string, sessionID string, dial DialFunc, opts Options) *Replica {

	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 10
	}
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = 10 * time.Second
	}

	r := &Replica{
		logger:    logger,
		userID:    userID,
		sessionID: sessionID,
		dial:      dial,
		opts:      opts,
		sess:      session.InitSession(sessionID, logger),
		state:     StateDisconnected,
		sendCh:    make(chan []byte, 256),
		closedCh:  make(chan struct{}),
	}

	// Every locally committed change is pushed to the hub as an
	// incremental update. Changes applied FROM the hub carry OriginHub
	// and are filtered out here, which is what prevents echo loops.
	r.unsubscribe = r.sess.Doc().OnUpdate(func(update []byte, origin string) {

		if origin == session.OriginHub || origin == session.OriginRestore {
			return
		}

		r.send(comm.EncodeSync(comm.StepUpdate, update))
	})

	return r
}

// Session exposes the local session for direct reads and for adapters that
// subscribe to document changes.
func (r *Replica) Session() *session.Session {
	return r.sess
}

// State returns the connection state.
func (r *Replica) State() string {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Connect dials the hub, performs the join handshake and starts the read,
// write and heartbeat loops. It returns once the hub acknowledged the
// join.
func (r *Replica) Connect() error {

	r.mu.Lock()
	if r.state == StateConnected {
		r.mu.Unlock()
		return fmt.Errorf("replica already connected")
	}
	if r.state == StateClosed {
		r.mu.Unlock()
		return fmt.Errorf("replica closed")
	}
	r.mu.Unlock()

	transport, err := r.handshake()
	if err != nil {
		return err
	}

	r.adopt(transport)

	return nil
}

// Close leaves the session and releases the replica. The local document
// stays readable.
func (r *Replica) Close() {

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	prev := r.state
	r.state = StateClosed
	transport := r.transport
	r.transport = nil
	r.mu.Unlock()

	close(r.closedCh)

	if prev == StateConnected && transport != nil {

		leave := &comm.Control{
			Type:      comm.ControlLeave,
			UserID:    r.userID,
			SessionID: r.sessionID,
		}
		transport.WriteFrame(leave.EncodeFrame())
		transport.Close()
	}

	r.unsubscribe()
	r.wg.Wait()
	r.notifyState(StateClosed)
}

// handshake opens one stream and joins the session: send join, wait for
// the hub's joined acknowledgement, then offer the local state vector so
// the hub answers with everything this replica is missing.
func (r *Replica) handshake() (*comm.Transport, error) {

	conn, err := r.dial()
	if err != nil {
		return nil, errors.Wrap(err, "dialing hub")
	}

	transport := comm.NewTransport(conn, r.opts.MaxFrameBytes, r.opts.WriteTimeout)

	join := &comm.Control{
		Type:      comm.ControlJoin,
		UserID:    r.userID,
		SessionID: r.sessionID,
	}

	if err := transport.WriteFrame(join.EncodeFrame()); err != nil {
		transport.Close()
		return nil, errors.Wrap(err, "sending join")
	}

	conn.SetReadDeadline(time.Now().Add(r.opts.JoinTimeout))

	for {

		frame, err := transport.ReadFrame()
		if err != nil {
			transport.Close()
			return nil, errors.Wrap(err, "waiting for join acknowledgement")
		}

		if frame.Kind != comm.KindControl {
			// The hub sends joined before any sync frame; anything else
			// first is a protocol violation.
			transport.Close()
			return nil, fmt.Errorf("expected joined acknowledgement, got frame kind %d", frame.Kind)
		}

		ctl, err := comm.ParseControl(frame.Payload)
		if err != nil {
			transport.Close()
			return nil, err
		}

		if ctl.Type == comm.ControlError {
			transport.Close()
			return nil, fmt.Errorf("hub rejected join: %s", ctl.Error)
		}

		if ctl.Type != comm.ControlJoined {
			transport.Close()
			return nil, fmt.Errorf("expected joined acknowledgement, got %q", ctl.Type)
		}

		break
	}

	conn.SetReadDeadline(time.Time{})

	if err := transport.WriteFrame(comm.EncodeSync(comm.StepVector, r.sess.StateVector())); err != nil {
		transport.Close()
		return nil, errors.Wrap(err, "offering state vector")
	}

	return transport, nil
}

// adopt installs a fresh transport and starts its loops.
func (r *Replica) adopt(transport *comm.Transport) {

	r.mu.Lock()
	r.transport = transport
	r.state = StateConnected
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	r.wg.Add(3)
	go r.readLoop(transport, gen)
	go r.writeLoop(transport, gen)
	go r.heartbeatLoop(gen)

	r.notifyState(StateConnected)
}

// current reports whether the given generation is still the live one.
func (r *Replica) current(gen int) bool {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.generation == gen && r.state == StateConnected
}

// send queues one frame for the hub. Frames queued while disconnected are
// dropped; the sync exchange on reconnect recovers their content.
func (r *Replica) send(frame []byte) {

	select {

	case r.sendCh <- frame:

	default:
		level.Debug(r.logger).Log("msg", "dropping frame over full send queue")
	}
}

// writeLoop drains queued frames onto the transport until it fails or is
// replaced.
func (r *Replica) writeLoop(transport *comm.Transport, gen int) {

	defer r.wg.Done()

	for r.current(gen) {

		select {

		case frame := <-r.sendCh:
			if err := transport.WriteFrame(frame); err != nil {
				// The read loop notices the dead stream and owns the
				// reconnect; the frame itself is recovered via sync.
				return
			}

		case <-time.After(100 * time.Millisecond):
			// Re-check the generation so a replaced transport is let go.
		}
	}
}

// readLoop processes hub frames until the stream fails, then hands over to
// the reconnect loop.
func (r *Replica) readLoop(transport *comm.Transport, gen int) {

	defer r.wg.Done()

	for {

		frame, err := transport.ReadFrame()
		if err != nil {

			transport.Close()

			r.mu.Lock()
			interrupted := r.state == StateConnected && r.generation == gen
			if interrupted {
				r.state = StateDisconnected
				r.transport = nil
			}
			r.mu.Unlock()

			if interrupted {
				r.notifyState(StateDisconnected)
				r.reconnect()
			}

			return
		}

		if err := r.handleFrame(frame); err != nil {
			level.Warn(r.logger).Log(
				"msg", "mishandled hub frame",
				"err", err,
			)
		}
	}
}

func (r *Replica) handleFrame(frame comm.Frame) error {

	switch frame.Kind {

	case comm.KindSync:

		switch frame.Step {

		case comm.StepVector:

			answer, err := r.sess.EncodeStateAsUpdate(frame.Payload)
			if err != nil {
				return errors.Wrap(err, "answering state vector")
			}

			r.send(comm.EncodeSync(comm.StepAnswer, answer))

			return nil

		case comm.StepAnswer, comm.StepUpdate:
			return r.sess.ApplyUpdate(frame.Payload, session.OriginHub)

		default:
			return fmt.Errorf("unknown sync step %d", frame.Step)
		}

	case comm.KindAwareness:

		if r.OnAwareness != nil {
			r.OnAwareness(frame.Payload)
		}

		return nil

	case comm.KindControl:
		return r.handleControl(frame.Payload)

	default:
		return fmt.Errorf("unknown frame kind %d", frame.Kind)
	}
}

func (r *Replica) handleControl(payload []byte) error {

	ctl, err := comm.ParseControl(payload)
	if err != nil {
		return err
	}

	switch ctl.Type {

	case comm.ControlParticipantJoined:

		var data comm.ParticipantData
		if err := ctl.DecodeData(&data); err != nil {
			return err
		}
		if r.OnPeerJoined != nil {
			r.OnPeerJoined(data.UserID)
		}

	case comm.ControlParticipantLeft:

		var data comm.ParticipantData
		if err := ctl.DecodeData(&data); err != nil {
			return err
		}
		if r.OnPeerLeft != nil {
			r.OnPeerLeft(data.UserID)
		}

	case comm.ControlActivityUpdate:

		var data comm.ActivityData
		if err := ctl.DecodeData(&data); err != nil {
			return err
		}
		if r.OnActivity != nil {
			r.OnActivity(data.UserID, data.Activity)
		}

	case comm.ControlError:
		level.Warn(r.logger).Log("msg", "hub reported error", "err", ctl.Error)

	case comm.ControlJoined:
		// A joined outside the handshake is redundant but harmless.

	default:
		level.Debug(r.logger).Log("msg", "ignoring control message", "type", ctl.Type)
	}

	return nil
}

// reconnect retries the handshake with exponential backoff until it
// succeeds or the attempts are exhausted, in which case the replica enters
// the terminal failed state.
func (r *Replica) reconnect() {

	backoff := r.opts.BackoffBase

	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {

		select {
		case <-time.After(backoff):
		case <-r.closedCh:
			return
		}
		backoff *= 2

		transport, err := r.handshake()
		if err != nil {
			level.Info(r.logger).Log(
				"msg", "reconnect attempt failed",
				"attempt", attempt, "err", err,
			)
			continue
		}

		level.Info(r.logger).Log("msg", "reconnected to hub", "attempt", attempt)

		r.adopt(transport)

		return
	}

	r.mu.Lock()
	if r.state != StateClosed {
		r.state = StateFailed
	}
	terminal := r.state == StateFailed
	r.mu.Unlock()

	if terminal {
		level.Warn(r.logger).Log("msg", "reconnect attempts exhausted")
		r.notifyState(StateFailed)
	}
}

// heartbeatLoop sends a heartbeat at the configured interval while this
// generation's connection lives.
func (r *Replica) heartbeatLoop(gen int) {

	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {

		select {

		case <-ticker.C:

			if !r.current(gen) {
				return
			}

			heartbeat := &comm.Control{
				Type:      comm.ControlHeartbeat,
				UserID:    r.userID,
				SessionID: r.sessionID,
			}

			r.send(heartbeat.EncodeFrame())

		case <-r.closedCh:
			return
		}
	}
}

func (r *Replica) notifyState(state string) {

	if r.OnStateChange != nil {
		r.OnStateChange(state)
	}
}

// Public document operations, mirroring the session surface. All of them
// work on the local document; the change subscription pushes the resulting
// update to the hub when connected.

// WriteFile creates or edits the text file at path.
func (r *Replica) WriteFile(path, content string, mode session.WriteMode) (int64, error) {
	return r.sess.WriteFile(path, content, r.userID, mode)
}

// WriteBinary stores raw bytes at path.
func (r *Replica) WriteBinary(path string, data []byte) (int64, error) {
	return r.sess.WriteBinary(path, data, r.userID)
}

// MoveFile renames old to new.
func (r *Replica) MoveFile(old, new string) (int64, error) {
	return r.sess.MoveFile(old, new, r.userID)
}

// DeleteFile removes the file at path.
func (r *Replica) DeleteFile(path string) (int64, error) {
	return r.sess.DeleteFile(path, r.userID)
}

// ReadFile returns the text stored at path.
func (r *Replica) ReadFile(path string) (string, error) {
	return r.sess.ReadFile(path)
}

// ReadBinary returns the raw bytes stored at path.
func (r *Replica) ReadBinary(path string) ([]byte, error) {
	return r.sess.ReadBinary(path)
}

// ListFiles returns the live files under prefix.
func (r *Replica) ListFiles(prefix string) []session.FileEntry {
	return r.sess.ListFiles(prefix)
}

// Operations returns the local view of the operation log.
func (r *Replica) Operations() []session.Operation {
	return r.sess.Operations()
}

// UpdateActivity records what this user is doing, both in the shared
// document and as an immediate presence broadcast through the hub.
func (r *Replica) UpdateActivity(change session.ActivityChange) {

	r.sess.UpdateActivity(r.userID, change)

	ctl := &comm.Control{
		Type:      comm.ControlUpdateActivity,
		UserID:    r.userID,
		SessionID: r.sessionID,
		Activity: &comm.ActivityChange{
			Action:      change.Action,
			CurrentFile: change.CurrentFile,
		},
	}

	r.send(ctl.EncodeFrame())
}

// SendAwareness relays opaque presence bytes to the session's peers.
func (r *Replica) SendAwareness(payload []byte) {
	r.send(comm.EncodeAwareness(payload))
}

// Package hub implements the central coordinator of collabfs: it accepts
// client streams, associates them with sessions, applies inbound document
// updates to the server-side replica and fans them out to every other
// stream of the same session, persists session snapshots and evicts
// sessions whose last participant left.
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"

	"github.com/theonlypal/collabfs/comm"
	"github.com/theonlypal/collabfs/session"
	"github.com/theonlypal/collabfs/store"
)

// Structs

// Options tunes one hub service. Zero values select the protocol defaults.
type Options struct {
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration
	SendQueueLength   int
	MaxFrameBytes     int
	WriteTimeout      time.Duration
}

type service struct {
	logger log.Logger
	store  store.Store
	opts   Options

	// dispatch is the outermost Service of the middleware chain. The
	// accept and read loops call through it so the decorators observe the
	// traffic of live streams. It points at the core until a decorator
	// rebinds it during wiring.
	dispatch Service

	// mu guards the two registries below and the per-session stream sets.
	// It is never held across network or disk I/O; snapshot writes and
	// frame sends happen outside of it.
	mu       sync.RWMutex
	sessions map[string]*liveSession
	clients  map[string]*Conn

	listener     net.Listener
	shuttingDown bool
	done         chan struct{}

	wg sync.WaitGroup
}

// liveSession pairs a session with its hub-side lifecycle: the fan-out
// subscription on its document, the registered streams and the snapshot
// ticker.
type liveSession struct {
	sess        *session.Session
	conns       map[string]*Conn
	unsubscribe func()
	stop        chan struct{}
	destroyed   bool
}

// Interfaces

// Service defines the operations a collabfs hub provides. The read loop of
// every stream dispatches into these methods, and the logging and metrics
// middlewares in this package decorate them.
type Service interface {

	// Serve loops over incoming streams on the listener and dispatches
	// each one to a goroutine running its read loop. It returns once the
	// listener closes.
	Serve(listener net.Listener) error

	// HandleConnection runs the read loop of one raw stream to
	// completion, including teardown.
	HandleConnection(conn net.Conn)

	// Join associates a stream with a session, creating or restoring the
	// session first if needed, answers with a joined message plus the
	// opening sync step and announces the participant to its peers.
	Join(c *Conn, userID string, sessionID string) error

	// Leave detaches a stream from its session, announces the departure
	// and destroys the session once its last stream is gone.
	Leave(c *Conn)

	// ApplySync handles one inbound sync frame: a state vector is
	// answered with the missing update, update payloads are integrated
	// into the session document and fanned out to peers.
	ApplySync(c *Conn, step byte, payload []byte) error

	// RelayAwareness forwards opaque presence bytes to the stream's
	// session peers and reports how many received them.
	RelayAwareness(c *Conn, payload []byte) int

	// UpdateActivity merges a partial activity change into the session
	// document and announces it to the stream's peers.
	UpdateActivity(c *Conn, change comm.ActivityChange) error

	// Heartbeat renews a stream's liveness deadline and marks the user
	// idle.
	Heartbeat(c *Conn) error

	// SnapshotSession persists the named session to the snapshot store.
	SnapshotSession(sessionID string) error

	// Shutdown stops accepting streams, persists a final snapshot of
	// every session in parallel and closes all connections.
	Shutdown(ctx context.Context) error
}

// Functions

// NewService returns the core hub service backed by the supplied snapshot
// store.
func NewService(logger log.Logger, st store.Store, opts Options) Service {

	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = 5 * time.Minute
	}
	if opts.SendQueueLength == 0 {
		opts.SendQueueLength = 256
	}

	svc := &service{
		logger:   logger,
		store:    st,
		opts:     opts,
		sessions: make(map[string]*liveSession),
		clients:  make(map[string]*Conn),
		done:     make(chan struct{}),
	}
	svc.dispatch = svc

	return svc
}

// rebindDispatch walks the middleware chain down to the core service and
// points its loop dispatch at the outermost decorator. Each decorator
// constructor calls it, so the one built last wins.
func rebindDispatch(outer, wrapped Service) {

	for {

		switch v := wrapped.(type) {

		case *service:
			v.dispatch = outer
			return

		case *loggingService:
			wrapped = v.service

		case *metricsService:
			wrapped = v.service

		default:
			return
		}
	}
}

func (s *service) Serve(listener net.Listener) error {

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.sweepStaleStreams()

	for {

		conn, err := listener.Accept()
		if err != nil {

			s.mu.RLock()
			stopping := s.shuttingDown
			s.mu.RUnlock()

			if stopping {
				return nil
			}

			return errors.Wrap(err, "accepting stream")
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch.HandleConnection(conn)
		}()
	}
}

// sweepStaleStreams closes streams that stayed silent for three heartbeat
// intervals, as if a leave had arrived.
func (s *service) sweepStaleStreams() {

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {

		select {

		case <-ticker.C:

			s.mu.RLock()
			stale := make([]*Conn, 0)
			for _, c := range s.clients {
				if c.silentFor() > 3*s.opts.HeartbeatInterval {
					stale = append(stale, c)
				}
			}
			s.mu.RUnlock()

			for _, c := range stale {
				level.Info(s.logger).Log(
					"msg", "closing stream after missed heartbeats",
					"conn", c.ID,
				)
				c.close()
			}

		case <-s.done:
			return
		}
	}
}

func (s *service) HandleConnection(raw net.Conn) {

	c := newConn(uuid.NewV4().String(), raw, s.opts.MaxFrameBytes, s.opts.SendQueueLength, s.opts.WriteTimeout)

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		c.close()
		return
	}
	s.clients[c.ID] = c
	s.mu.Unlock()

	s.readLoop(c)

	s.dispatch.Leave(c)
	c.close()

	s.mu.Lock()
	delete(s.clients, c.ID)
	s.mu.Unlock()
}

// readLoop processes the stream's frames in arrival order until the stream
// fails, the peer leaves, or a protocol violation forces a close. A
// violation terminates only this stream, never the session.
func (s *service) readLoop(c *Conn) {

	for {

		frame, err := c.transport.ReadFrame()
		if err != nil {

			select {
			case <-c.closed:
			default:
				level.Debug(s.logger).Log(
					"msg", "stream read ended",
					"conn", c.ID, "err", err,
				)
			}

			return
		}

		c.touch()

		_, _, joined := c.Identity()

		switch frame.Kind {

		case comm.KindSync:

			if !joined {
				c.enqueue(comm.ErrorFrame("sync before join"))
				return
			}

			if err := s.dispatch.ApplySync(c, frame.Step, frame.Payload); err != nil {
				c.enqueue(comm.ErrorFrame(err.Error()))
				return
			}

		case comm.KindAwareness:

			if !joined {
				c.enqueue(comm.ErrorFrame("awareness before join"))
				return
			}

			s.dispatch.RelayAwareness(c, frame.Payload)

		case comm.KindControl:

			ctl, err := comm.ParseControl(frame.Payload)
			if err != nil {
				c.enqueue(comm.ErrorFrame(err.Error()))
				return
			}

			switch ctl.Type {

			case comm.ControlJoin:
				if err := s.dispatch.Join(c, ctl.UserID, ctl.SessionID); err != nil {
					c.enqueue(comm.ErrorFrame(err.Error()))
					return
				}

			case comm.ControlLeave:
				return

			case comm.ControlHeartbeat:
				if err := s.dispatch.Heartbeat(c); err != nil {
					c.enqueue(comm.ErrorFrame(err.Error()))
					return
				}

			case comm.ControlUpdateActivity:
				if ctl.Activity == nil {
					c.enqueue(comm.ErrorFrame("update_activity misses activity"))
					return
				}
				if err := s.dispatch.UpdateActivity(c, *ctl.Activity); err != nil {
					c.enqueue(comm.ErrorFrame(err.Error()))
					return
				}

			default:
				c.enqueue(comm.ErrorFrame(fmt.Sprintf("unknown control type %q", ctl.Type)))
				return
			}
		}
	}
}

func (s *service) Join(c *Conn, userID string, sessionID string) error {

	if userID == "" || sessionID == "" {
		return fmt.Errorf("join misses userId or sessionId")
	}

	if _, _, joined := c.Identity(); joined {
		return fmt.Errorf("stream already joined a session")
	}

	ls, err := s.getOrCreateSession(sessionID)
	if err != nil {
		return err
	}

	// Registration can race with the destruction of an emptying session;
	// when it does, a fresh session is created on retry.
	for {

		s.mu.Lock()
		if !ls.destroyed {
			ls.conns[c.ID] = c
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		if ls, err = s.getOrCreateSession(sessionID); err != nil {
			return err
		}
	}

	c.bind(userID, sessionID)
	ls.sess.AddParticipant(userID)

	joined := (&comm.Control{Type: comm.ControlJoined}).
		WithData(comm.JoinedData{SessionID: sessionID, Stats: ls.sess.Stats()})
	c.enqueue(joined.EncodeFrame())

	// Opening sync step: tell the stream what the session already has so
	// it can answer with everything the hub is missing.
	c.enqueue(comm.EncodeSync(comm.StepVector, ls.sess.StateVector()))

	announce := (&comm.Control{Type: comm.ControlParticipantJoined}).
		WithData(comm.ParticipantData{UserID: userID})
	s.broadcastFrame(ls, announce.EncodeFrame(), c.ID)

	return nil
}

func (s *service) Leave(c *Conn) {

	userID, sessionID, joined := c.Identity()
	if !joined {
		return
	}

	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	if ok {
		delete(ls.conns, c.ID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	// Removing the last stream of a user also clears the activity entry,
	// which the document subscription fans out to the remaining peers.
	ls.sess.RemoveParticipant(userID)

	announce := (&comm.Control{Type: comm.ControlParticipantLeft}).
		WithData(comm.ParticipantData{UserID: userID})
	s.broadcastFrame(ls, announce.EncodeFrame(), c.ID)

	s.destroyIfEmpty(sessionID, ls)
}

func (s *service) ApplySync(c *Conn, step byte, payload []byte) error {

	ls, err := s.sessionOf(c)
	if err != nil {
		return err
	}

	switch step {

	case comm.StepVector:

		answer, err := ls.sess.EncodeStateAsUpdate(payload)
		if err != nil {
			return errors.Wrap(err, "answering state vector")
		}

		c.enqueue(comm.EncodeSync(comm.StepAnswer, answer))

		return nil

	case comm.StepAnswer, comm.StepUpdate:

		// Applying under the stream's id as origin makes the document
		// subscription fan the update out to every other stream.
		if err := ls.sess.ApplyUpdate(payload, c.ID); err != nil {
			return errors.Wrap(err, "integrating update")
		}

		return nil

	default:
		return fmt.Errorf("unknown sync step %d", step)
	}
}

func (s *service) RelayAwareness(c *Conn, payload []byte) int {

	ls, err := s.sessionOf(c)
	if err != nil {
		return 0
	}

	return s.broadcastFrame(ls, comm.EncodeAwareness(payload), c.ID)
}

func (s *service) UpdateActivity(c *Conn, change comm.ActivityChange) error {

	userID, _, _ := c.Identity()

	ls, err := s.sessionOf(c)
	if err != nil {
		return err
	}

	ls.sess.UpdateActivity(userID, session.ActivityChange{
		Action:      change.Action,
		CurrentFile: change.CurrentFile,
	})

	// The document change already reaches peers through sync; the custom
	// broadcast gives them the new presence without waiting for it.
	if act, ok := ls.sess.Activity(userID); ok {

		announce := (&comm.Control{Type: comm.ControlActivityUpdate}).
			WithData(comm.ActivityData{UserID: userID, Activity: act})
		s.broadcastFrame(ls, announce.EncodeFrame(), c.ID)
	}

	return nil
}

func (s *service) Heartbeat(c *Conn) error {

	userID, _, _ := c.Identity()

	ls, err := s.sessionOf(c)
	if err != nil {
		return err
	}

	ls.sess.UpdateActivity(userID, session.ActivityChange{Action: session.ActionIdle})

	return nil
}

func (s *service) SnapshotSession(sessionID string) error {

	s.mu.RLock()
	ls, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no live session %q", sessionID)
	}

	return s.snapshot(ls)
}

func (s *service) Shutdown(ctx context.Context) error {

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	listener := s.listener
	live := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		live = append(live, ls)
	}
	conns := make([]*Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.done)

	if listener != nil {
		listener.Close()
	}

	// One final snapshot per session, in parallel. Failures are logged
	// and reported but do not stop the other sessions.
	g, _ := errgroup.WithContext(ctx)

	for _, ls := range live {

		ls := ls

		g.Go(func() error {

			// A concurrent leave may already have destroyed the session.
			s.mu.Lock()
			if ls.destroyed {
				s.mu.Unlock()
				return nil
			}
			ls.destroyed = true
			delete(s.sessions, ls.sess.ID())
			s.mu.Unlock()

			ls.unsubscribe()
			close(ls.stop)

			if err := s.snapshot(ls); err != nil {
				level.Error(s.logger).Log(
					"msg", "final snapshot failed",
					"session", ls.sess.ID(), "err", err,
				)
				return err
			}

			return nil
		})
	}

	err := g.Wait()

	for _, c := range conns {
		c.close()
	}

	s.wg.Wait()

	return err
}

// getOrCreateSession returns the live session for id, restoring it from
// the snapshot store on first use. A snapshot that fails to apply is
// treated as absent and the session starts fresh.
func (s *service) getOrCreateSession(id string) (*liveSession, error) {

	s.mu.RLock()
	ls, ok := s.sessions[id]
	s.mu.RUnlock()

	if ok {
		return ls, nil
	}

	sess := session.InitSession(id, log.With(s.logger, "session", id))

	snapshot, found, err := s.store.Get(id)
	if err != nil {
		level.Warn(s.logger).Log(
			"msg", "reading snapshot failed, starting session fresh",
			"session", id, "err", err,
		)
	} else if found {

		if err := sess.RestoreFrom(snapshot); err != nil {
			level.Warn(s.logger).Log(
				"msg", "snapshot did not apply, starting session fresh",
				"session", id, "err", err,
			)
			sess = session.InitSession(id, log.With(s.logger, "session", id))
		}
	}

	ls = &liveSession{
		sess:  sess,
		conns: make(map[string]*Conn),
		stop:  make(chan struct{}),
	}

	// Every committed document change fans out to the session's streams
	// in commit order. The origin names the stream the change came from,
	// so the sender is excluded and hub-local changes reach everyone.
	ls.unsubscribe = sess.Doc().OnUpdate(func(update []byte, origin string) {

		if origin == session.OriginRestore {
			return
		}

		s.broadcastFrame(ls, comm.EncodeSync(comm.StepUpdate, update), origin)
	})

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		ls.unsubscribe()
		close(ls.stop)
		return existing, nil
	}
	s.sessions[id] = ls
	s.mu.Unlock()

	go s.snapshotLoop(ls)

	level.Info(s.logger).Log(
		"msg", "session live",
		"session", id, "restored", found,
	)

	return ls, nil
}

// sessionOf resolves the live session a joined stream belongs to.
func (s *service) sessionOf(c *Conn) (*liveSession, error) {

	_, sessionID, joined := c.Identity()
	if !joined {
		return nil, fmt.Errorf("stream has not joined a session")
	}

	s.mu.RLock()
	ls, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no live session %q", sessionID)
	}

	return ls, nil
}

// broadcastFrame enqueues frame on every stream of the session except the
// one named by exclude. Streams whose queue overflows are dropped; their
// next connect recovers the lost frames via sync. Returns the number of
// reached streams.
func (s *service) broadcastFrame(ls *liveSession, frame []byte, exclude string) int {

	s.mu.RLock()
	targets := make([]*Conn, 0, len(ls.conns))
	for _, t := range ls.conns {
		if t.ID != exclude {
			targets = append(targets, t)
		}
	}
	s.mu.RUnlock()

	reached := 0

	for _, t := range targets {

		if !t.enqueue(frame) {
			level.Warn(s.logger).Log(
				"msg", "dropping stream over full send queue",
				"conn", t.ID,
			)
			t.close()
			continue
		}

		reached++
	}

	return reached
}

// snapshotLoop persists the session periodically until its stop channel
// closes. Store failures are logged and retried on the next tick.
func (s *service) snapshotLoop(ls *liveSession) {

	ticker := time.NewTicker(s.opts.SnapshotInterval)
	defer ticker.Stop()

	for {

		select {

		case <-ticker.C:
			if err := s.snapshot(ls); err != nil {
				level.Warn(s.logger).Log(
					"msg", "periodic snapshot failed",
					"session", ls.sess.ID(), "err", err,
				)
			}

		case <-ls.stop:
			return
		}
	}
}

func (s *service) snapshot(ls *liveSession) error {

	snapshot, err := ls.sess.SnapshotBytes()
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}

	if err := s.store.Put(ls.sess.ID(), snapshot); err != nil {
		return errors.Wrap(err, "persisting snapshot")
	}

	return nil
}

// destroyIfEmpty removes the session once no stream references it anymore:
// fan-out subscription removed, snapshot ticker stopped, one final
// snapshot written.
func (s *service) destroyIfEmpty(sessionID string, ls *liveSession) {

	s.mu.Lock()
	if ls.destroyed || len(ls.conns) > 0 {
		s.mu.Unlock()
		return
	}
	ls.destroyed = true
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	ls.unsubscribe()
	close(ls.stop)

	if err := s.snapshot(ls); err != nil {
		level.Error(s.logger).Log(
			"msg", "final snapshot on session destroy failed",
			"session", sessionID, "err", err,
		)
	}

	level.Info(s.logger).Log(
		"msg", "session destroyed after last participant left",
		"session", sessionID,
	)
}

package hub

import (
	"context"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/theonlypal/collabfs/comm"
)

type loggingService struct {
	logger  log.Logger
	service Service
}

// NewLoggingService wraps a provided existing service with the provided
// logger.
func NewLoggingService(s Service, logger log.Logger) Service {

	svc := &loggingService{logger, s}
	rebindDispatch(svc, s)

	return svc
}

// Serve wraps this service's Serve method with added logging capabilities.
func (s *loggingService) Serve(listener net.Listener) error {

	level.Info(s.logger).Log(
		"msg", "hub accepting streams",
		"addr", listener.Addr().String(),
	)

	err := s.service.Serve(listener)
	if err != nil {
		level.Warn(s.logger).Log(
			"msg", "hub serve loop ended",
			"err", err,
		)
	}

	return err
}

func (s *loggingService) HandleConnection(conn net.Conn) {
	s.service.HandleConnection(conn)
}

// Join wraps this service's Join method with added logging capabilities.
func (s *loggingService) Join(c *Conn, userID string, sessionID string) error {

	err := s.service.Join(c, userID, sessionID)

	logger := log.With(s.logger,
		"method", "Join",
		"conn", c.ID,
		"user", userID,
		"session", sessionID,
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to join stream to session", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// Leave wraps this service's Leave method with added logging capabilities.
func (s *loggingService) Leave(c *Conn) {

	userID, sessionID, joined := c.Identity()

	s.service.Leave(c)

	if joined {
		level.Debug(s.logger).Log(
			"method", "Leave",
			"conn", c.ID,
			"user", userID,
			"session", sessionID,
		)
	}
}

// ApplySync wraps this service's ApplySync method with added logging
// capabilities.
func (s *loggingService) ApplySync(c *Conn, step byte, payload []byte) error {

	err := s.service.ApplySync(c, step, payload)

	logger := log.With(s.logger,
		"method", "ApplySync",
		"conn", c.ID,
		"step", step,
		"payload_bytes", len(payload),
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to apply sync frame", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

func (s *loggingService) RelayAwareness(c *Conn, payload []byte) int {
	return s.service.RelayAwareness(c, payload)
}

// UpdateActivity wraps this service's UpdateActivity method with added
// logging capabilities.
func (s *loggingService) UpdateActivity(c *Conn, change comm.ActivityChange) error {

	err := s.service.UpdateActivity(c, change)

	if err != nil {
		level.Info(s.logger).Log(
			"method", "UpdateActivity",
			"conn", c.ID,
			"action", change.Action,
			"msg", "failed to update activity",
			"err", err,
		)
	}

	return err
}

func (s *loggingService) Heartbeat(c *Conn) error {
	return s.service.Heartbeat(c)
}

// SnapshotSession wraps this service's SnapshotSession method with added
// logging capabilities.
func (s *loggingService) SnapshotSession(sessionID string) error {

	err := s.service.SnapshotSession(sessionID)

	logger := log.With(s.logger,
		"method", "SnapshotSession",
		"session", sessionID,
	)

	if err != nil {
		level.Warn(logger).Log("msg", "failed to snapshot session", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// Shutdown wraps this service's Shutdown method with added logging
// capabilities.
func (s *loggingService) Shutdown(ctx context.Context) error {

	level.Info(s.logger).Log("msg", "hub shutting down")

	err := s.service.Shutdown(ctx)
	if err != nil {
		level.Warn(s.logger).Log(
			"msg", "hub shutdown finished with failed snapshots",
			"err", err,
		)
	} else {
		level.Info(s.logger).Log("msg", "hub shutdown complete")
	}

	return err
}

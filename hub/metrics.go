package hub

import (
	"context"
	"net"

	"github.com/go-kit/kit/metrics"

	"github.com/theonlypal/collabfs/comm"
)

type metricsService struct {
	service Service

	joins          metrics.Counter
	leaves         metrics.Counter
	appliedUpdates metrics.Counter
	relayedFrames  metrics.Counter
	snapshots      metrics.Counter
	connections    metrics.Gauge
}

// NewMetricsService instruments a hub service with the supplied counters
// and gauges.
func NewMetricsService(s Service, joins, leaves, appliedUpdates, relayedFrames, snapshots metrics.Counter, connections metrics.Gauge) Service {

	svc := &metricsService{
		service:        s,
		joins:          joins,
		leaves:         leaves,
		appliedUpdates: appliedUpdates,
		relayedFrames:  relayedFrames,
		snapshots:      snapshots,
		connections:    connections,
	}
	rebindDispatch(svc, s)

	return svc
}

func (s *metricsService) Serve(listener net.Listener) error {
	return s.service.Serve(listener)
}

func (s *metricsService) HandleConnection(conn net.Conn) {

	s.connections.Add(1)
	defer s.connections.Add(-1)

	s.service.HandleConnection(conn)
}

func (s *metricsService) Join(c *Conn, userID string, sessionID string) error {

	err := s.service.Join(c, userID, sessionID)

	if err == nil {
		s.joins.Add(1)
	}

	return err
}

func (s *metricsService) Leave(c *Conn) {

	_, _, joined := c.Identity()

	s.service.Leave(c)

	if joined {
		s.leaves.Add(1)
	}
}

func (s *metricsService) ApplySync(c *Conn, step byte, payload []byte) error {

	err := s.service.ApplySync(c, step, payload)

	if err == nil && step != comm.StepVector {
		s.appliedUpdates.Add(1)
	}

	return err
}

func (s *metricsService) RelayAwareness(c *Conn, payload []byte) int {

	reached := s.service.RelayAwareness(c, payload)

	s.relayedFrames.Add(float64(reached))

	return reached
}

func (s *metricsService) UpdateActivity(c *Conn, change comm.ActivityChange) error {
	return s.service.UpdateActivity(c, change)
}

func (s *metricsService) Heartbeat(c *Conn) error {
	return s.service.Heartbeat(c)
}

func (s *metricsService) SnapshotSession(sessionID string) error {

	err := s.service.SnapshotSession(sessionID)

	if err == nil {
		s.snapshots.Add(1)
	}

	return err
}

func (s *metricsService) Shutdown(ctx context.Context) error {
	return s.service.Shutdown(ctx)
}

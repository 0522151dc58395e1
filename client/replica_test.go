package client

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonlypal/collabfs/comm"
	"github.com/theonlypal/collabfs/session"
)

// Functions

// scriptedHub is a minimal hub endpoint for driving the replica's
// connection logic without a full hub: it acknowledges joins and hands each
// accepted stream to the supplied script.
type scriptedHub struct {
	listener net.Listener
	wg       sync.WaitGroup
}

func startScriptedHub(t *testing.T, script func(transport *comm.Transport)) *scriptedHub {

	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &scriptedHub{listener: listener}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		for {

			conn, err := listener.Accept()
			if err != nil {
				return
			}

			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				script(comm.NewTransport(conn, 0, 0))
			}()
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		h.wg.Wait()
	})

	return h
}

func (h *scriptedHub) addr() string {
	return h.listener.Addr().String()
}

// acceptJoin reads the join control message and acknowledges it.
func acceptJoin(t *testing.T, transport *comm.Transport) *comm.Control {

	t.Helper()

	frame, err := transport.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, comm.KindControl, frame.Kind)

	ctl, err := comm.ParseControl(frame.Payload)
	require.NoError(t, err)
	require.Equal(t, comm.ControlJoin, ctl.Type)

	joined := (&comm.Control{Type: comm.ControlJoined}).
		WithData(comm.JoinedData{SessionID: ctl.SessionID})
	require.NoError(t, transport.WriteFrame(joined.EncodeFrame()))

	return ctl
}

func waitForState(t *testing.T, r *Replica, state string) {

	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {

		if r.State() == state {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("replica never reached state %q, is %q", state, r.State())
}

// TestOfflineFirstOperations checks that document operations work without
// any connection and the document survives a failed Connect.
func TestOfflineFirstOperations(t *testing.T) {

	dial := func() (net.Conn, error) {
		return nil, fmt.Errorf("no route to hub")
	}

	r := NewReplica(log.NewNopLogger(), "alice", "sess-1", dial, Options{})
	defer r.Close()

	_, err := r.WriteFile("/local.txt", "kept locally", session.ModeOverwrite)
	require.NoError(t, err)

	assert.Error(t, r.Connect())
	assert.Equal(t, StateDisconnected, r.State())

	content, err := r.ReadFile("/local.txt")
	require.NoError(t, err)
	assert.Equal(t, "kept locally", content)

	files := r.ListFiles("")
	require.Len(t, files, 1)
	assert.Equal(t, "/local.txt", files[0].Path)
}

// TestConnectHandshake checks the join exchange: join out, joined in, then
// the replica offers its state vector.
func TestConnectHandshake(t *testing.T) {

	var mu sync.Mutex
	var joinedUser, joinedSession string
	sawVector := make(chan struct{})

	h := startScriptedHub(t, func(transport *comm.Transport) {

		defer transport.Close()

		ctl := acceptJoin(t, transport)

		mu.Lock()
		joinedUser, joinedSession = ctl.UserID, ctl.SessionID
		mu.Unlock()

		frame, err := transport.ReadFrame()
		if err != nil {
			return
		}
		if frame.Kind == comm.KindSync && frame.Step == comm.StepVector {
			close(sawVector)
		}

		// Keep the stream open until the replica closes it.
		for {
			if _, err := transport.ReadFrame(); err != nil {
				return
			}
		}
	})

	r := NewReplica(log.NewNopLogger(), "alice", "sess-1", func() (net.Conn, error) {
		return net.Dial("tcp", h.addr())
	}, Options{})

	require.NoError(t, r.Connect())
	assert.Equal(t, StateConnected, r.State())

	select {
	case <-sawVector:
	case <-time.After(2 * time.Second):
		t.Fatal("replica never offered its state vector")
	}

	mu.Lock()
	assert.Equal(t, "alice", joinedUser)
	assert.Equal(t, "sess-1", joinedSession)
	mu.Unlock()

	// A second Connect on a live replica is refused.
	assert.Error(t, r.Connect())

	r.Close()
	assert.Equal(t, StateClosed, r.State())
}

// TestRejectedJoin checks that an error answer to the join fails Connect.
func TestRejectedJoin(t *testing.T) {

	h := startScriptedHub(t, func(transport *comm.Transport) {

		defer transport.Close()

		if _, err := transport.ReadFrame(); err != nil {
			return
		}

		transport.WriteFrame(comm.ErrorFrame("session full"))
	})

	r := NewReplica(log.NewNopLogger(), "alice", "sess-1", func() (net.Conn, error) {
		return net.Dial("tcp", h.addr())
	}, Options{})
	defer r.Close()

	err := r.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session full")
	assert.Equal(t, StateDisconnected, r.State())
}

// TestReconnectExhaustionFails checks that a replica whose hub disappears
// for good ends up in the terminal failed state after its retries, with the
// local document intact.
func TestReconnectExhaustionFails(t *testing.T) {

	h := startScriptedHub(t, func(transport *comm.Transport) {

		acceptJoin(t, transport)

		// Let the handshake complete, then drop the stream.
		transport.ReadFrame()
		transport.Close()
	})

	var states []string
	var mu sync.Mutex

	r := NewReplica(log.NewNopLogger(), "alice", "sess-1", func() (net.Conn, error) {
		return net.Dial("tcp", h.addr())
	}, Options{
		BackoffBase: 5 * time.Millisecond,
		MaxRetries:  2,
	})
	r.OnStateChange = func(state string) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}
	defer r.Close()

	require.NoError(t, r.Connect())

	_, err := r.WriteFile("/f", "before the outage", session.ModeOverwrite)
	require.NoError(t, err)

	// Kill the endpoint so every retry fails.
	h.listener.Close()

	waitForState(t, r, StateFailed)

	mu.Lock()
	assert.Contains(t, states, StateDisconnected)
	assert.Equal(t, StateFailed, states[len(states)-1])
	mu.Unlock()

	content, err := r.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, "before the outage", content)
}

// TestHubUpdatesApplyWithoutEcho checks that updates pushed by the hub land
// in the local document and are not pushed back.
func TestHubUpdatesApplyWithoutEcho(t *testing.T) {

	// The remote session provides realistic update bytes.
	remote := session.InitSession("sess-1", log.NewNopLogger())
	_, err := remote.WriteFile("/from-hub.txt", "hub content", "bob", session.ModeOverwrite)
	require.NoError(t, err)

	update, err := remote.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	echoed := make(chan comm.Frame, 16)

	h := startScriptedHub(t, func(transport *comm.Transport) {

		defer transport.Close()

		acceptJoin(t, transport)

		// Push the update and collect everything the replica sends.
		transport.WriteFrame(comm.EncodeSync(comm.StepUpdate, update))

		for {
			frame, err := transport.ReadFrame()
			if err != nil {
				return
			}
			echoed <- frame
		}
	})

	r := NewReplica(log.NewNopLogger(), "alice", "sess-1", func() (net.Conn, error) {
		return net.Dial("tcp", h.addr())
	}, Options{})
	defer r.Close()

	require.NoError(t, r.Connect())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if content, err := r.ReadFile("/from-hub.txt"); err == nil && content == "hub content" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	content, err := r.ReadFile("/from-hub.txt")
	require.NoError(t, err)
	require.Equal(t, "hub content", content)

	// Settle, then check nothing but the handshake vector went out.
	time.Sleep(200 * time.Millisecond)

	for {
		select {
		case frame := <-echoed:
			if frame.Kind == comm.KindSync && frame.Step == comm.StepUpdate {
				t.Fatal("hub-applied update was echoed back")
			}
		default:
			return
		}
	}
}

package bridge

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
)

// commandRequest is one queued REQ round-trip.
type commandRequest struct {
	payload  map[string]interface{}
	resultCh chan domain.CommandResult
}

// commandQueue serializes callers onto a single REQ socket. ZMQ REQ enforces
// strict send-then-receive ordering, so exactly one request is in flight at
// a time; concurrent callers wait their turn in FIFO order. A timed-out
// request poisons the REQ state machine, so the socket is closed and
// recreated before the next request.
type commandQueue struct {
	endpoint string
	timeout  time.Duration
	curve    curveSettings
	log      zerolog.Logger

	requests  chan *commandRequest
	resetCh   chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	connected atomic.Bool
}

// curveSettings carries optional CURVE encryption parameters.
type curveSettings struct {
	enabled   bool
	serverKey string
}

func newCommandQueue(endpoint string, timeout time.Duration, curve curveSettings, log zerolog.Logger) *commandQueue {
	return &commandQueue{
		endpoint: endpoint,
		timeout:  timeout,
		curve:    curve,
		log:      log,
		requests: make(chan *commandRequest, 64),
		resetCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start launches the worker goroutine that owns the REQ socket.
func (q *commandQueue) start() {
	go q.run()
}

// stop shuts the worker down and fails any queued requests.
func (q *commandQueue) stop() {
	close(q.stopCh)
	<-q.done
}

// reset asks the worker to close and recreate its socket before the next
// request. Used when the peer endpoint is being reconnected.
func (q *commandQueue) reset() {
	select {
	case q.resetCh <- struct{}{}:
	default:
	}
}

// isConnected reports whether the REQ socket is currently dialed.
func (q *commandQueue) isConnected() bool {
	return q.connected.Load()
}

// submit enqueues a command and blocks until its result is available or the
// queue shuts down. Failures come back as result values, never panics.
func (q *commandQueue) submit(payload map[string]interface{}) domain.CommandResult {
	req := &commandRequest{
		payload:  payload,
		resultCh: make(chan domain.CommandResult, 1),
	}
	select {
	case q.requests <- req:
	case <-q.stopCh:
		return domain.Fail("bridge stopped")
	}

	select {
	case res := <-req.resultCh:
		return res
	case <-q.stopCh:
		return domain.Fail("bridge stopped")
	}
}

func (q *commandQueue) run() {
	defer close(q.done)

	var sock *zmq.Socket
	closeSock := func() {
		if sock != nil {
			_ = sock.Close()
			sock = nil
		}
		q.connected.Store(false)
	}
	defer closeSock()

	for {
		select {
		case <-q.stopCh:
			q.drainPending()
			return
		case <-q.resetCh:
			closeSock()
		case req := <-q.requests:
			if sock == nil {
				var err error
				sock, err = q.dial()
				if err != nil {
					q.log.Warn().Err(err).Str("endpoint", q.endpoint).Msg("Failed to dial command socket")
					req.resultCh <- domain.Fail(fmt.Sprintf("command socket unavailable: %v", err))
					continue
				}
				q.connected.Store(true)
			}
			req.resultCh <- q.roundTrip(sock, req.payload, closeSock)
		}
	}
}

// roundTrip performs one send-then-receive exchange. On timeout or transport
// error the socket is discarded so the next request starts clean.
func (q *commandQueue) roundTrip(sock *zmq.Socket, payload map[string]interface{}, closeSock func()) domain.CommandResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Fail(fmt.Sprintf("failed to encode command: %v", err))
	}

	if _, err := sock.SendMessage(string(data)); err != nil {
		closeSock()
		return domain.Fail(fmt.Sprintf("command send failed: %v", err))
	}

	reply, err := sock.RecvMessage(0)
	if err != nil {
		closeSock()
		q.log.Warn().Err(err).Str("endpoint", q.endpoint).Msg("Command response timed out")
		return domain.Fail("command timed out")
	}
	if len(reply) == 0 {
		return domain.Fail("empty command response")
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(reply[0]), &m); err != nil {
		return domain.Fail(fmt.Sprintf("malformed command response: %v", err))
	}

	success, _ := m["success"].(bool)
	if !success {
		errMsg, _ := m["error"].(string)
		if errMsg == "" {
			errMsg = "command rejected"
		}
		res := domain.Fail(errMsg)
		res.Payload = m
		return res
	}
	return domain.OK(m)
}

func (q *commandQueue) dial() (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetRcvtimeo(q.timeout); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetSndtimeo(q.timeout); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if q.curve.enabled && q.curve.serverKey != "" {
		if err := applyCurve(sock, q.curve.serverKey); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("failed to configure CURVE: %w", err)
		}
	}
	if err := sock.Connect(q.endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to connect %s: %w", q.endpoint, err)
	}
	return sock, nil
}

// drainPending fails every request still sitting in the queue at shutdown.
func (q *commandQueue) drainPending() {
	for {
		select {
		case req := <-q.requests:
			req.resultCh <- domain.Fail("bridge stopped")
		default:
			return
		}
	}
}

// applyCurve configures client-side CURVE encryption with a freshly
// generated keypair.
func applyCurve(sock *zmq.Socket, serverKey string) error {
	public, secret, err := zmq.NewCurveKeypair()
	if err != nil {
		return err
	}
	return sock.ClientAuthCurve(serverKey, public, secret)
}

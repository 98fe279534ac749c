// Package transport owns the realtime connection: it matches replies to
// outbound calls by msgId, holds outbound traffic until the connection is
// open and authenticated, and keeps reconnecting while enabled.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fogsync/internal/clock"
	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/internal/retry"
	"fogsync/internal/tracing"
	"fogsync/pkg/protocol"
)

var (
	// ErrClosed fails calls pending or issued after Close.
	ErrClosed = errors.New("transport closed")
	// ErrReset fails calls pending when the session state is reset.
	ErrReset = errors.New("transport reset")
	// ErrSuperseded fails a queued auth call replaced by a newer one.
	ErrSuperseded = errors.New("auth call superseded")
)

// State is the connection state of the correlator.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a Correlator.
type Options struct {
	URL          string
	Dialer       Dialer
	Backoff      *retry.Backoff
	Clock        clock.Clock
	Logger       *logrus.Logger
	Metrics      *metrics.Registry
	WriteTimeout time.Duration

	// OnOpen runs on the read goroutine once a connection is established.
	OnOpen func()
	// OnClose runs after a connection is lost, with the read error.
	OnClose func(err error)
	// OnMessage receives every decoded frame. When nil, frames are passed
	// straight to Resolve.
	OnMessage func(in *protocol.Inbound)
	// OnDecodeError receives frames that could not be parsed.
	OnDecodeError func(err error)
}

type callResult struct {
	in  *protocol.Inbound
	err error
}

type pendingCall struct {
	msgType string
	started time.Time
	result  chan callResult
}

type outbound struct {
	id      string
	msgType string
	data    []byte
	binary  bool
	auth    bool
	call    *pendingCall
}

// Correlator multiplexes calls and fire-and-forget sends over one
// reconnecting connection.
type Correlator struct {
	opts    Options
	logger  *logrus.Logger
	errLog  *apperrors.Logger
	clock   clock.Clock
	backoff *retry.Backoff
	metrics *metrics.Registry

	mu            sync.Mutex
	state         State
	conn          Conn
	enabled       bool
	authenticated bool
	closed        bool
	started       bool
	queue         []*outbound
	pending       map[string]*pendingCall
	cancel        context.CancelFunc
	done          chan struct{}

	// writeMu serializes flushes so queued payloads leave in FIFO order.
	writeMu sync.Mutex
	wake    chan struct{}
}

// New creates a Correlator. Start must be called to begin connecting.
func New(opts Options) *Correlator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.NewBackoff(retry.DefaultBackoffConfig(), opts.Clock)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = constants.DefaultWriteTimeoutSec * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer(nil)
	}
	return &Correlator{
		opts:    opts,
		logger:  opts.Logger,
		errLog:  apperrors.NewLogger(opts.Logger),
		clock:   opts.Clock,
		backoff: opts.Backoff,
		metrics: opts.Metrics,
		pending: make(map[string]*pendingCall),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the connection loop. It dials only while enabled.
func (c *Correlator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Enable allows the loop to keep a connection open.
func (c *Correlator) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Disable closes the current connection and stops reconnecting until
// Enable is called again.
func (c *Correlator) Disable() {
	c.mu.Lock()
	c.enabled = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.closeConn(conn, "disabled")
	}
}

// Drop force-closes the current connection. The loop reconnects if enabled.
func (c *Correlator) Drop(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.logger.WithField("reason", reason).Warn("Dropping connection")
	c.closeConn(conn, reason)
}

// SetAuthenticated opens or closes the gate for non-auth traffic.
func (c *Correlator) SetAuthenticated(authenticated bool) {
	c.mu.Lock()
	c.authenticated = authenticated
	c.mu.Unlock()
	if authenticated {
		c.flush()
	}
}

// Call sends msg and waits for the reply carrying the same msgId. Error
// replies are returned together with a CALL_FAILED error. A call lost to a
// reconnect stays pending until ctx is done.
func (c *Correlator) Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
	id := protocol.EnsureID(msg)
	msgType := msg.Head().MsgType

	ctx, span := tracing.StartCallSpan(ctx, msgType, id)
	out, err := c.prepare(msg)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}
	out.call = &pendingCall{
		msgType: msgType,
		started: c.clock.Now(),
		result:  make(chan callResult, 1),
	}
	if err := c.enqueue(out); err != nil {
		tracing.End(span, err)
		return nil, err
	}
	c.metrics.IncrementCounter(metrics.RPCCalls, map[string]string{"msg_type": msgType}, "Correlated calls issued")

	select {
	case res := <-out.call.result:
		err := res.err
		if err == nil && res.in.IsError() {
			err = apperrors.NewCallError(res.in.MsgType, res.in.Code, res.in.ErrorText).
				WithContext("call", msgType)
		}
		tracing.End(span, err)
		return res.in, err
	case <-ctx.Done():
		c.abandon(id)
		tracing.End(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// Send queues msg without waiting for a reply.
func (c *Correlator) Send(msg protocol.Message) error {
	protocol.EnsureID(msg)
	out, err := c.prepare(msg)
	if err != nil {
		return err
	}
	return c.enqueue(out)
}

// Resolve completes the pending call matching in.MsgID. It reports whether
// a call was waiting for it.
func (c *Correlator) Resolve(in *protocol.Inbound) bool {
	if in == nil || in.MsgID == "" {
		return false
	}
	c.mu.Lock()
	call, ok := c.pending[in.MsgID]
	if ok {
		delete(c.pending, in.MsgID)
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.IncrementCounter(metrics.RPCRepliesUnmatched, nil, "Replies without a pending call")
		c.logger.WithFields(logrus.Fields{
			"msg_type": in.MsgType,
			"msg_id":   in.MsgID,
		}).Debug("Reply without pending call")
		return false
	}

	c.metrics.RecordTimer(metrics.RPCCallDuration, c.clock.Now().Sub(call.started),
		map[string]string{"msg_type": call.msgType}, "Call round trip")
	call.result <- callResult{in: in}
	return true
}

// Reset drops queued traffic and fails every pending call with ErrReset.
// Used when the principal changes.
func (c *Correlator) Reset() {
	c.mu.Lock()
	c.authenticated = false
	c.queue = nil
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	failAll(pending, ErrReset)
	c.updateQueueGauge(0)
}

// Close stops the loop, closes the connection and fails pending calls.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.queue = nil
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	failAll(pending, ErrClosed)
	if conn != nil {
		c.closeConn(conn, "client closed")
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// State returns the current connection state.
func (c *Correlator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of payloads waiting to be written.
func (c *Correlator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// PendingLen returns the number of calls awaiting a reply.
func (c *Correlator) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) prepare(msg protocol.Message) (*outbound, error) {
	h := msg.Head()
	data, binary, err := protocol.Encode(msg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to encode outbound message").
			WithContext("msg_type", h.MsgType)
	}
	return &outbound{
		id:      h.MsgID,
		msgType: h.MsgType,
		data:    data,
		binary:  binary,
		auth:    protocol.IsAuth(h.MsgType),
	}, nil
}

func (c *Correlator) enqueue(out *outbound) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if out.call != nil {
		c.pending[out.id] = out.call
	}

	var superseded []*pendingCall
	if out.auth {
		kept := make([]*outbound, 0, len(c.queue)+1)
		kept = append(kept, out)
		for _, queued := range c.queue {
			if !queued.auth {
				kept = append(kept, queued)
				continue
			}
			if queued.call != nil {
				delete(c.pending, queued.id)
				superseded = append(superseded, queued.call)
			}
		}
		c.queue = kept
	} else {
		c.queue = append(c.queue, out)
	}
	queued := len(c.queue)
	c.mu.Unlock()

	for _, call := range superseded {
		call.result <- callResult{err: ErrSuperseded}
	}
	c.updateQueueGauge(queued)
	c.flush()
	return nil
}

// flush writes queued payloads while the gate allows. Before
// authentication only auth payloads at the head of the queue may leave.
func (c *Correlator) flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for {
		c.mu.Lock()
		if c.conn == nil || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		if !c.authenticated && !next.auth {
			c.mu.Unlock()
			return
		}
		c.queue = c.queue[1:]
		conn := c.conn
		remaining := len(c.queue)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		err := conn.Write(ctx, next.data, next.binary)
		cancel()
		if err != nil {
			c.mu.Lock()
			c.queue = append([]*outbound{next}, c.queue...)
			c.mu.Unlock()
			c.errLog.LogWarn(apperrors.WrapRetryable(err, apperrors.ErrCodeTransport, "write failed"),
				"Requeued payload after write failure", logrus.Fields{"msg_type": next.msgType})
			c.closeConn(conn, "write failed")
			return
		}
		c.updateQueueGauge(remaining)
	}
}

func (c *Correlator) abandon(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	for i, queued := range c.queue {
		if queued.id == id {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			break
		}
	}
}

func (c *Correlator) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if !c.waitEnabled(ctx) {
			return
		}
		c.setState(StateConnecting)

		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.metrics.IncrementCounter(metrics.TransportReconnects, nil, "Reconnect attempts")
			c.logger.WithError(err).WithField("attempt", attempt).Warn("Failed to connect")
			c.setState(StateIdle)
			if c.backoff.Wait(ctx, attempt) != nil {
				return
			}
			continue
		}
		attempt = 0

		if !c.attach(conn) {
			c.closeConn(conn, "disabled")
			continue
		}
		c.logger.Info("Connection established")
		if c.opts.OnOpen != nil {
			c.opts.OnOpen()
		}
		c.flush()

		err = c.readLoop(ctx, conn)
		c.detach(conn)
		c.logger.WithError(err).Info("Connection closed")
		if c.opts.OnClose != nil {
			c.opts.OnClose(err)
		}
		if ctx.Err() != nil {
			return
		}
		c.metrics.IncrementCounter(metrics.TransportReconnects, nil, "Reconnect attempts")
		if c.backoff.Wait(ctx, 1) != nil {
			return
		}
	}
}

func (c *Correlator) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, binary, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		in, err := protocol.DecodeFrame(data, binary)
		if err != nil {
			decodeErr := apperrors.NewDecodeError(err, binary)
			c.metrics.IncrementCounter(metrics.DecodeFailures, nil, "Undecodable inbound frames")
			c.errLog.LogError(decodeErr, "Dropping undecodable frame")
			if c.opts.OnDecodeError != nil {
				c.opts.OnDecodeError(decodeErr)
			}
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(in)
		} else {
			c.Resolve(in)
		}
	}
}

func (c *Correlator) waitEnabled(ctx context.Context) bool {
	for {
		c.mu.Lock()
		ready := c.enabled && !c.closed
		c.mu.Unlock()
		if ready {
			return true
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Correlator) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.closed {
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.authenticated = false
	c.metrics.SetGauge(metrics.TransportOpen, 1, nil, "Connection open")
	return true
}

func (c *Correlator) detach(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.authenticated = false
	}
	if !c.closed {
		c.state = StateIdle
	}
	c.metrics.SetGauge(metrics.TransportOpen, 0, nil, "Connection open")
}

func (c *Correlator) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.state = state
	}
}

// closeConn closes asynchronously; a graceful close may wait on the peer.
func (c *Correlator) closeConn(conn Conn, reason string) {
	go func() {
		if err := conn.Close(reason); err != nil {
			c.logger.WithError(err).Debug("Connection close returned error")
		}
	}()
}

func (c *Correlator) updateQueueGauge(n int) {
	c.metrics.SetGauge(metrics.RPCQueued, float64(n), nil, "Outbound payloads queued")
}

func failAll(pending map[string]*pendingCall, err error) {
	for _, call := range pending {
		call.result <- callResult{err: err}
	}
}

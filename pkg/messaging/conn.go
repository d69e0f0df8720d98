package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
)

// ConnState is the lifecycle state of an outbound connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

type result struct {
	env *Envelope
	err error
}

// conn is one outbound connection: a grpc client conn carrying a single
// bidirectional stream. Requests are matched to replies through pending,
// the correlation table of this connection.
type conn struct {
	remote     Endpoint
	logger     hclog.Logger
	closeGrace time.Duration
	onClosed   func(*conn)

	mu      sync.Mutex
	state   ConnState
	aborted bool
	connErr error
	cancel  context.CancelFunc
	cc      *grpc.ClientConn
	stream  grpc.ClientStream
	pending map[uint64]chan result

	// ready is closed once the connect attempt finished either way.
	ready chan struct{}
	// closed is closed once the connection reached StateClosed.
	closed chan struct{}

	// writeMu serialises SendMsg, which grpc streams do not allow
	// concurrently. writes counts writes admitted while connected.
	writeMu sync.Mutex
	writes  sync.WaitGroup
}

func newConn(remote Endpoint, logger hclog.Logger, closeGrace time.Duration, onClosed func(*conn)) *conn {
	return &conn{
		remote:     remote,
		logger:     logger.With("remote", remote.String()),
		closeGrace: closeGrace,
		onClosed:   onClosed,
		state:      StateDisconnected,
		pending:    make(map[uint64]chan result),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (c *conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connect dials the remote endpoint and opens the exchange stream. It must be
// called exactly once, from the goroutine that created the conn.
func (c *conn) connect(timeout time.Duration, opts []grpc.DialOption) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		cancel()
		c.failConnect(ErrConnectionClosed)
		return
	}
	c.state = StateConnecting
	c.cancel = cancel
	c.mu.Unlock()

	cc, err := grpc.Dial(c.remote.String(), opts...)
	if err != nil {
		cancel()
		c.failConnect(err)
		return
	}

	// The stream lives as long as ctx, so the connect deadline cancels it
	// only while the stream is still being established.
	timer := time.AfterFunc(timeout, cancel)
	stream, err := cc.NewStream(ctx, &messagingServiceDesc.Streams[0], exchangeMethod,
		grpc.ForceCodec(envelopeCodec{}))
	if !timer.Stop() && err == nil {
		err = fmt.Errorf("connect timed out after %s", timeout)
	}
	if err != nil {
		cancel()
		_ = cc.Close()
		c.failConnect(err)
		return
	}

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		cancel()
		_ = cc.Close()
		c.failConnect(ErrConnectionClosed)
		return
	}
	c.cc = cc
	c.stream = stream
	c.state = StateConnected
	c.mu.Unlock()

	close(c.ready)
	c.logger.Debug("connection established")
	go c.recvLoop()
}

func (c *conn) failConnect(err error) {
	c.mu.Lock()
	c.connErr = &ConnectionError{Endpoint: c.remote, Err: err}
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Debug("connect failed", "error", err)
	close(c.ready)
	close(c.closed)
	c.onClosed(c)
}

// wait blocks until the connect attempt finished or ctx is done.
func (c *conn) wait(ctx context.Context) error {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.connErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) recvLoop() {
	for {
		env := new(Envelope)
		if err := c.stream.RecvMsg(env); err != nil {
			c.close(err)
			return
		}
		if !env.IsReply {
			c.logger.Warn("dropping non-reply envelope on outbound connection", "subject", env.Subject)
			continue
		}
		c.complete(env)
	}
}

// complete fulfils the waiting request, if it is still waiting.
func (c *conn) complete(env *Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	delete(c.pending, env.CorrelationID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping late reply", "subject", env.Subject, "correlation_id", env.CorrelationID)
		return
	}
	ch <- result{env: env}
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// admit registers a write (and optionally a correlation entry) if the
// connection is still usable.
func (c *conn) admit(id uint64, ch chan result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return &ConnectionError{Endpoint: c.remote, Err: ErrConnectionClosed}
	}
	if ch != nil {
		c.pending[id] = ch
	}
	c.writes.Add(1)
	return nil
}

func (c *conn) write(env *Envelope) error {
	defer c.writes.Done()
	c.writeMu.Lock()
	err := c.stream.SendMsg(env)
	c.writeMu.Unlock()
	if err != nil {
		go c.close(err)
		return &ConnectionError{Endpoint: c.remote, Err: err}
	}
	return nil
}

// send writes a one-way envelope.
func (c *conn) send(env *Envelope) error {
	if err := c.admit(0, nil); err != nil {
		return err
	}
	return c.write(env)
}

// request writes env and waits for the matching reply.
func (c *conn) request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	ch := make(chan result, 1)
	if err := c.admit(env.CorrelationID, ch); err != nil {
		return nil, err
	}
	if err := c.write(env); err != nil {
		c.forget(env.CorrelationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-timer.C:
		c.forget(env.CorrelationID)
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrTimeout, env.Subject, c.remote, timeout)
	case <-ctx.Done():
		c.forget(env.CorrelationID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s to %s: %v", ErrTimeout, env.Subject, c.remote, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// close moves the connection through CLOSING to CLOSED: in-flight writes get
// closeGrace to finish, then the stream is torn down and every pending
// request fails with a ConnectionError. Safe to call more than once.
func (c *conn) close(cause error) {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return
	case StateDisconnected, StateConnecting:
		// connect observes aborted and finishes the conn itself.
		c.aborted = true
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.logger.Debug("closing connection", "cause", cause)

	drained := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(drained)
	}()
	timer := time.NewTimer(c.closeGrace)
	select {
	case <-drained:
		c.writeMu.Lock()
		_ = c.stream.CloseSend()
		c.writeMu.Unlock()
	case <-timer.C:
		c.logger.Warn("in-flight writes did not drain before close", "grace", c.closeGrace)
	}
	timer.Stop()

	c.cancel()
	_ = c.cc.Close()

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	c.state = StateClosed
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: &ConnectionError{Endpoint: c.remote, Err: fmt.Errorf("%w: %v", ErrConnectionClosed, cause)}}
	}
	close(c.closed)
	c.onClosed(c)
}

// shutdown closes the connection and waits until it is fully closed.
func (c *conn) shutdown(cause error) {
	c.close(cause)
	<-c.closed
}

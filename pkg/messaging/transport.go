// Package messaging implements the inter-node request/response transport.
//
// Every node listens on one grpc server exposing a single bidirectional
// stream method. A node sending to a peer opens (or reuses) one stream per
// endpoint and writes Envelopes on it; replies come back on the same stream
// and are matched to callers through a per-connection correlation table.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"clustercore/pkg/logging"
)

// HandlerFunc handles one inbound request. ctx is cancelled when the inbound
// connection goes away.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Options configures a Transport.
type Options struct {
	// Endpoint is the address to listen on and to advertise as sender.
	// Port 0 picks a free port at Activate.
	Endpoint       Endpoint
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	CloseGrace     time.Duration
	MaxMessageSize int
	Logger         hclog.Logger
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 500 * time.Millisecond
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4 * 1024 * 1024
	}
}

// Transport is the messaging service of one node.
type Transport struct {
	opts   Options
	logger hclog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	nextID atomic.Uint64

	mu        sync.Mutex
	active    bool
	local     Endpoint
	server    *grpc.Server
	serveDone chan struct{}
	conns     map[Endpoint]*conn
}

// NewTransport creates an inactive transport.
func NewTransport(opts Options) *Transport {
	opts.setDefaults()
	return &Transport{
		opts:     opts,
		logger:   logging.OrNull(opts.Logger).Named("messaging"),
		handlers: make(map[string]HandlerFunc),
		local:    opts.Endpoint,
		conns:    make(map[Endpoint]*conn),
	}
}

// errTransportStopped is the close cause of connections torn down by
// Deactivate.
var errTransportStopped = errors.New("transport deactivated")

// Activate opens the listening socket and starts serving. Activating an
// active transport is a no-op.
func (t *Transport) Activate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return nil
	}

	lis, err := net.Listen("tcp", t.opts.Endpoint.String())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.opts.Endpoint, err)
	}
	local := t.opts.Endpoint
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		local.Port = uint16(addr.Port)
	}

	server := grpc.NewServer(
		grpc.ForceServerCodec(envelopeCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    5 * time.Second,
			Timeout: 1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(t.opts.MaxMessageSize),
		grpc.MaxSendMsgSize(t.opts.MaxMessageSize),
	)
	server.RegisterService(&messagingServiceDesc, &streamServer{t: t})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(lis); err != nil {
			t.logger.Error("messaging server stopped", "error", err)
		}
	}()

	t.local = local
	t.server = server
	t.serveDone = done
	t.active = true
	t.logger.Info("messaging transport active", "endpoint", local.String())
	return nil
}

// Deactivate closes every connection and the listening socket. Pending
// requests fail with a ConnectionError. Deactivating an inactive transport
// is a no-op.
func (t *Transport) Deactivate() error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[Endpoint]*conn)
	server, serveDone := t.server, t.serveDone
	t.server, t.serveDone = nil, nil
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			c.shutdown(errTransportStopped)
		}(c)
	}
	wg.Wait()

	// Graceful stop with timeout
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	timer := time.NewTimer(t.opts.CloseGrace)
	select {
	case <-stopped:
	case <-timer.C:
		server.Stop()
	}
	timer.Stop()
	<-serveDone

	t.logger.Info("messaging transport stopped")
	return nil
}

// LocalEndpoint returns the endpoint this transport listens on. After
// Activate it carries the actual port.
func (t *Transport) LocalEndpoint() Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// IsActive reports whether the transport is serving.
func (t *Transport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RegisterHandler binds subject to h.
func (t *Transport) RegisterHandler(subject string, h HandlerFunc) error {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	if _, ok := t.handlers[subject]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerConflict, subject)
	}
	t.handlers[subject] = h
	return nil
}

// UnregisterHandler removes the handler for subject, if any.
func (t *Transport) UnregisterHandler(subject string) {
	t.handlersMu.Lock()
	delete(t.handlers, subject)
	t.handlersMu.Unlock()
}

func (t *Transport) handler(subject string) HandlerFunc {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return t.handlers[subject]
}

// ConnState returns the state of the pooled connection to ep. A missing
// connection is StateDisconnected.
func (t *Transport) ConnState(ep Endpoint) ConnState {
	t.mu.Lock()
	c := t.conns[ep]
	t.mu.Unlock()
	if c == nil {
		return StateDisconnected
	}
	return c.State()
}

// connFor returns a connected conn to ep, connecting first if needed.
func (t *Transport) connFor(ctx context.Context, ep Endpoint) (*conn, error) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil, ErrNotActive
	}
	c := t.conns[ep]
	created := false
	// A conn that is shutting down stays pooled until it reaches CLOSED;
	// sends in the meantime reconnect instead of failing on it.
	if c == nil || c.State() >= StateClosing {
		c = newConn(ep, t.logger, t.opts.CloseGrace, t.release)
		t.conns[ep] = c
		created = true
	}
	t.mu.Unlock()

	if created {
		go c.connect(t.opts.ConnectTimeout, t.dialOptions())
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// release drops c from the pool once it is closed.
func (t *Transport) release(c *conn) {
	t.mu.Lock()
	if t.conns[c.remote] == c {
		delete(t.conns, c.remote)
	}
	t.mu.Unlock()
}

func (t *Transport) dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             2 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(t.opts.MaxMessageSize),
			grpc.MaxCallSendMsgSize(t.opts.MaxMessageSize),
		),
	}
}

func (t *Transport) envelope(subject string, payload []byte, expectReply bool) *Envelope {
	return &Envelope{
		Subject:       subject,
		CorrelationID: t.nextID.Add(1),
		ExpectReply:   expectReply,
		Payload:       payload,
		Sender:        t.LocalEndpoint(),
	}
}

// SendAsync writes a one-way message to ep. Delivery is not guaranteed: the
// message may be lost on transport failure and is never retried here.
func (t *Transport) SendAsync(ctx context.Context, ep Endpoint, subject string, payload []byte) error {
	c, err := t.connFor(ctx, ep)
	if err != nil {
		return err
	}
	return c.send(t.envelope(subject, payload, false))
}

// SendAndReceive sends payload to the handler for subject at ep and waits for
// its reply. A non-positive timeout uses the configured request timeout.
func (t *Transport) SendAndReceive(ctx context.Context, ep Endpoint, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.opts.RequestTimeout
	}
	start := time.Now()
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	c, err := t.connFor(connCtx, ep)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s to %s while connecting", ErrTimeout, subject, ep)
		}
		return nil, err
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrTimeout, subject, ep, timeout)
	}
	reply, err := c.request(ctx, t.envelope(subject, payload, true), remaining)
	if err != nil {
		return nil, err
	}
	if reply.Status != StatusOK {
		return nil, &RemoteError{Endpoint: ep, Subject: subject, Status: reply.Status, Message: reply.Error}
	}
	return reply.Payload, nil
}

// streamServer adapts Transport to the grpc service without exporting the
// grpc plumbing on Transport itself.
type streamServer struct{ t *Transport }

// Exchange serves one inbound connection. Requests are dispatched to their
// handlers concurrently; replies share the stream under sendMu.
func (s *streamServer) Exchange(stream grpc.ServerStream) error {
	t := s.t
	ctx := stream.Context()

	var (
		sendMu sync.Mutex
		wg     sync.WaitGroup
	)
	// No SendMsg may happen after Exchange returns.
	defer wg.Wait()

	for {
		req := new(Envelope)
		if err := stream.RecvMsg(req); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				t.logger.Debug("inbound connection ended", "error", err)
			}
			return nil
		}
		if req.IsReply {
			t.logger.Warn("dropping reply envelope on inbound connection", "subject", req.Subject)
			continue
		}

		wg.Add(1)
		go func(req *Envelope) {
			defer wg.Done()
			reply := t.serve(ctx, req)
			if reply == nil {
				return
			}
			sendMu.Lock()
			err := stream.SendMsg(reply)
			sendMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to write reply", "subject", req.Subject, "error", err)
			}
		}(req)
	}
}

// serve runs the handler for req and builds the reply, or returns nil when
// no reply is expected.
func (t *Transport) serve(ctx context.Context, req *Envelope) *Envelope {
	reply := &Envelope{
		Subject:       req.Subject,
		CorrelationID: req.CorrelationID,
		IsReply:       true,
		Sender:        t.LocalEndpoint(),
	}

	h := t.handler(req.Subject)
	if h == nil {
		t.logger.Warn("no handler for subject", "subject", req.Subject, "sender", req.Sender.String())
		reply.Status = StatusNoHandler
		reply.Error = fmt.Sprintf("no handler for subject %q", req.Subject)
	} else {
		payload, err := invoke(ctx, h, req.Payload)
		if err != nil {
			t.logger.Debug("handler failed", "subject", req.Subject, "error", err)
			reply.Status = StatusHandlerError
			reply.Error = err.Error()
		} else {
			reply.Payload = payload
		}
	}

	if !req.ExpectReply {
		return nil
	}
	return reply
}

func invoke(ctx context.Context, h HandlerFunc, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

// Package server runs the dispatch core behind a framed TCP listener.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames, liveness session per conn)
//	  → heartbeat? record activity, no response
//	  → for each call: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → Dispatcher → Codec.Encode → write response
//
// Responses carry the request frame's Seq and the envelope's requestId, so a
// client can match them even when a slow call finishes after a fast one.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"callrpc/codec"
	"callrpc/dispatch"
	"callrpc/liveness"
	"callrpc/message"
	"callrpc/middleware"
	"callrpc/protocol"
	"callrpc/registry"
	"callrpc/target"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server accepts connections and serves calls against a target table.
type Server struct {
	dispatcher  *dispatch.Dispatcher
	monitor     *liveness.Monitor
	log         *logrus.Entry
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatcher)))

	idleTimeout time.Duration
	heartbeat   string

	registry      registry.Registry
	advertiseAddr string // routable address put in the registry, not the listen address
	leaseTTL      int64

	mu       sync.Mutex // guards listener, conns, and shutdown vs wg.Add
	listener net.Listener
	conns    map[net.Conn]*liveness.Session

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logrus.Entry) Option {
	return func(svr *Server) {
		svr.log = l
	}
}

// WithIdleTimeout sets the all-idle threshold after which a connection is closed.
func WithIdleTimeout(d time.Duration) Option {
	return func(svr *Server) {
		svr.idleTimeout = d
	}
}

// WithHeartbeatMethod overrides the heartbeat sentinel method name.
func WithHeartbeatMethod(name string) Option {
	return func(svr *Server) {
		svr.heartbeat = name
	}
}

// WithMiddleware appends middlewares, applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(svr *Server) {
		svr.middlewares = append(svr.middlewares, mws...)
	}
}

// WithRegistry advertises every served target at advertiseAddr with a TTL lease.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(svr *Server) {
		svr.registry = reg
		svr.advertiseAddr = advertiseAddr
		svr.leaseTTL = ttl
	}
}

// NewServer creates a server for table.
func NewServer(table *target.Table, opts ...Option) *Server {
	svr := &Server{
		idleTimeout: liveness.DefaultIdleTimeout,
		heartbeat:   message.HeartbeatMethod,
		leaseTTL:    10,
		conns:       make(map[net.Conn]*liveness.Session),
	}
	for _, opt := range opts {
		opt(svr)
	}
	if svr.log == nil {
		l := logrus.New()
		l.Out = io.Discard
		svr.log = logrus.NewEntry(l)
	}

	svr.dispatcher = dispatch.New(table, dispatch.WithLogger(svr.log))
	svr.monitor = liveness.NewMonitor(
		liveness.WithIdleTimeout(svr.idleTimeout),
		liveness.WithHeartbeatMethod(svr.heartbeat),
		liveness.WithLogger(svr.log),
	)
	// Built once, not per request. Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatcher.Handler())
	return svr
}

// Serve listens on network/address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted from listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	if err := svr.advertise(svr.dispatcher.Table().Names()); err != nil {
		listener.Close()
		return err
	}

	// Addr becomes visible only once the targets are advertised
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		listener.Close()
		return nil
	}
	svr.log.WithField("addr", listener.Addr().String()).Info("rpc server listening")

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() during Shutdown surfaces here
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, nil before serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Reload swaps the target table. Newly added targets are advertised, removed
// ones withdrawn. Calls already in flight finish against the old table.
func (svr *Server) Reload(table *target.Table) error {
	old := svr.dispatcher.Table()
	svr.dispatcher.Reload(table)

	if svr.registry == nil {
		return nil
	}
	current := make(map[string]bool)
	for _, name := range table.Names() {
		current[name] = true
	}
	var added []string
	for _, name := range table.Names() {
		if _, ok := old.Lookup(name); !ok {
			added = append(added, name)
		}
	}
	var removed []string
	for _, name := range old.Names() {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	svr.withdraw(removed)
	return svr.advertise(added)
}

// handleConn reads frames from one connection. Reads are sequential so frame
// boundaries stay intact; the calls they carry are handled in parallel.
//
// writeMu is shared by all request goroutines of this connection so response
// frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	session := svr.monitor.Open(conn.RemoteAddr(), conn)
	if !svr.track(conn, session) {
		session.Close()
		conn.Close()
		return
	}
	defer func() {
		svr.untrack(conn)
		session.Close()
		conn.Close()
	}()

	log := svr.log.WithField("peer", conn.RemoteAddr().String())
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if err != io.EOF && session.State() == liveness.Open && !svr.shutdown.Load() {
				log.WithError(err).Debug("connection read failed")
			}
			return
		}
		session.Touch()

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			session.Inbound(&message.CallRequest{MethodName: svr.heartbeat})
			continue
		case protocol.MsgTypeRequest:
		default:
			log.WithField("msgType", header.MsgType).Debug("ignore unexpected frame")
			continue
		}

		c := codec.GetCodec(codec.CodecType(header.CodecType))
		req := &message.CallRequest{}
		if err := c.Decode(body, req); err != nil {
			log.WithError(err).Warn("undecodable request")
			resp := message.NewResponse("").Fail("malformed request: undecodable envelope")
			svr.writeResponse(conn, writeMu, session, header, c, resp)
			continue
		}

		if !session.Inbound(req) {
			continue
		}

		if !svr.begin() {
			resp := message.NewResponse(req.ID).Fail("server is shutting down")
			svr.writeResponse(conn, writeMu, session, header, c, resp)
			continue
		}
		go svr.handleRequest(conn, writeMu, session, header, c, req)
	}
}

// handleRequest runs one call through the handler chain and writes its response.
func (svr *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, session *liveness.Session,
	header *protocol.Header, c codec.Codec, req *message.CallRequest) {
	defer svr.wg.Done()

	resp := svr.handle(req)
	svr.writeResponse(conn, writeMu, session, header, c, resp)
}

func (svr *Server) handle(req *message.CallRequest) (resp *message.CallResponse) {
	defer func() {
		// a misbehaving middleware must not take the connection down
		if r := recover(); r != nil {
			svr.log.WithField("requestId", req.ID).Errorf("handler panicked: %v", r)
			resp = message.NewResponse(req.ID).Fail("internal error")
		}
	}()
	resp = svr.handler(context.Background(), req)
	if resp == nil {
		resp = message.NewResponse(req.ID).Fail("no response")
	}
	resp.RequestID = req.ID
	return resp
}

// writeResponse makes exactly one write attempt. A result the codec cannot
// encode is replaced by an error response.
func (svr *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, session *liveness.Session,
	header *protocol.Header, c codec.Codec, resp *message.CallResponse) {
	log := svr.log.WithField("requestId", resp.RequestID)

	body, err := c.Encode(resp)
	if err != nil {
		log.WithError(err).Warn("failed to encode method result")
		body, err = c.Encode(message.NewResponse(resp.RequestID).Fail("failed to encode result"))
		if err != nil {
			log.WithError(err).Error("failed to encode error response")
			return
		}
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // same seq as request: this is how multiplexing works
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, body); err != nil {
		log.WithError(err).Debug("failed to write response")
		return
	}
	session.Touch()
}

// begin registers an in-flight call. It fails once Shutdown has started, so
// wg.Add never races with wg.Wait.
func (svr *Server) begin() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// track records conn for Shutdown. Connections accepted after Shutdown has
// started are refused.
func (svr *Server) track(conn net.Conn, s *liveness.Session) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = s
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
}

func (svr *Server) advertise(names []string) error {
	if svr.registry == nil {
		return nil
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := svr.registry.Register(ctx, name, registry.ServiceInstance{Addr: svr.advertiseAddr}, svr.leaseTTL)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "advertise %s", name)
		}
	}
	return nil
}

func (svr *Server) withdraw(names []string) {
	if svr.registry == nil {
		return
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := svr.registry.Deregister(ctx, name, svr.advertiseAddr); err != nil {
			svr.log.WithError(err).WithField("target", name).Warn("failed to deregister target")
		}
		cancel()
	}
}

// Shutdown performs graceful shutdown:
//  1. Withdraw advertised targets (clients stop routing to this server)
//  2. Set shutdown flag (Accept error is intentional, new calls are refused)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.withdraw(svr.dispatcher.Table().Names())

	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}

// Package transport implements a client connection to a call server, with
// multiplexing and heartbeat.
//
// ClientTransport enables multiple concurrent calls over a single TCP connection.
// Each request gets a unique frame sequence number, and a background goroutine
// (recvLoop) continuously reads responses and routes them to the correct caller
// via pending channels.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"callrpc/codec"
	"callrpc/message"
	"callrpc/protocol"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned for calls on a closed transport.
var ErrClosed = errors.New("transport closed")

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn        // Underlying TCP connection
	codec   codec.CodecType // Serialization format for this transport
	log     *logrus.Entry
	seq     uint32     // Monotonically increasing sequence number (protected by sending mutex)
	pending sync.Map   // map[uint32]chan result, each request waits on its own channel
	sending sync.Mutex // Write lock: multiple goroutines share one conn, writes must be serialized

	heartbeatInterval time.Duration
	done              chan struct{}
	closeOnce         sync.Once
	err               error // set before done is closed
}

type result struct {
	resp *message.CallResponse
	err  error
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithHeartbeatInterval sends a heartbeat call every d. Zero disables the loop.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *ClientTransport) {
		t.heartbeatInterval = d
	}
}

// WithLogger sets the transport logger.
func WithLogger(l *logrus.Entry) Option {
	return func(t *ClientTransport) {
		t.log = l
	}
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(network, addr string, ct codec.CodecType, opts ...Option) (*ClientTransport, error) {
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClientTransport(conn, ct, opts...), nil
}

// NewClientTransport creates a transport for the given connection and starts:
//   - recvLoop: continuously reads responses and dispatches them to pending callers
//   - heartbeatLoop: when an interval is configured, sends heartbeat calls so the
//     server does not close the connection as idle
func NewClientTransport(conn net.Conn, ct codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: ct,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		l := logrus.New()
		l.Out = io.Discard
		t.log = logrus.NewEntry(l)
	}
	go t.recvLoop()
	if t.heartbeatInterval > 0 {
		go t.heartbeatLoop(t.heartbeatInterval)
	}
	return t
}

// Call sends one call envelope and waits for its response or ctx.
// A failed call is still a response; err is only set for transport failures.
func (t *ClientTransport) Call(ctx context.Context, targetName, methodName string, shapes []string, values []any) (*message.CallResponse, error) {
	req := &message.CallRequest{
		ID:              uuid.NewString(),
		TargetName:      targetName,
		MethodName:      methodName,
		ParameterShapes: shapes,
		ParameterValues: values,
	}
	return t.Do(ctx, req)
}

// Do sends req as is. An empty request id is filled with a UUID.
func (t *ClientTransport) Do(ctx context.Context, req *message.CallRequest) (*message.CallResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	seq, ch, err := t.send(req)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	case <-t.done:
		select {
		case r := <-ch:
			return r.resp, r.err
		default:
			t.pending.Delete(seq)
			return nil, t.err
		}
	}
}

// Heartbeat sends the heartbeat sentinel. The server does not answer it.
func (t *ClientTransport) Heartbeat() error {
	body, err := codec.GetCodec(t.codec).Encode(message.NewHeartbeat())
	if err != nil {
		return err
	}
	t.sending.Lock()
	defer t.sending.Unlock()
	t.seq++
	header := &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       t.seq,
	}
	return protocol.Encode(t.conn, header, body)
}

// send serializes req and writes it as one frame.
// Returns the sequence number and a channel that will receive the response.
//
// The sending mutex ensures that the entire frame (header + body) is written
// atomically; concurrent writes would otherwise interleave frames.
func (t *ClientTransport) send(req *message.CallRequest) (uint32, <-chan result, error) {
	select {
	case <-t.done:
		return 0, nil, t.closedErr()
	default:
	}

	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "encode request")
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Register a response channel BEFORE sending (avoid race with recvLoop)
	ch := make(chan result, 1) // Buffered to prevent recvLoop from blocking
	t.pending.Store(seq, ch)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, errors.Wrap(err, "write request")
	}
	return seq, ch, nil
}

// recvLoop runs in a dedicated goroutine, reading response frames and routing
// each to the caller waiting on its sequence number. Responses may arrive in
// any order.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.CallResponse{}
		r := result{resp: resp}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			r = result{err: errors.Wrap(err, "decode response")}
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan result) <- r
		} else {
			t.log.WithField("seq", header.Seq).Debug("response for unknown or abandoned call")
		}
	}
}

// shutdown fails every pending caller so they don't block forever.
func (t *ClientTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		if err == nil || errors.Cause(err) == io.EOF {
			err = ErrClosed
		}
		t.err = err
		close(t.done)
		t.conn.Close()
	})
	t.pending.Range(func(key, _ any) bool {
		// whoever removes the entry owns the single send on its channel
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan result) <- result{err: t.closedErr()}
		}
		return true
	})
}

func (t *ClientTransport) closedErr() error {
	<-t.done
	return t.err
}

// Done is closed when the connection is gone, including a server idle close.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes the connection and fails pending calls.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends periodic heartbeat calls to keep the connection alive.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.Heartbeat(); err != nil {
				t.log.WithError(err).Debug("heartbeat failed")
				return
			}
		}
	}
}

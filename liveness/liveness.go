// Package liveness keeps per-connection sessions alive on heartbeats and
// reclaims connections that go quiet.
//
// A session is all-idle when nothing was read from or written to it for the
// idle timeout. The monitor then closes it, whether or not calls are in flight.
// Heartbeat calls count as activity but are never dispatched nor answered.
package liveness

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"callrpc/message"

	"github.com/sirupsen/logrus"
)

// DefaultIdleTimeout is the all-idle threshold used when none is configured.
const DefaultIdleTimeout = 60 * time.Second

// State of a session.
type State int32

const (
	Open State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Monitor creates sessions sharing one liveness policy.
type Monitor struct {
	idle      time.Duration
	heartbeat string
	log       *logrus.Entry
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithIdleTimeout sets the all-idle threshold. Zero or negative disables idle closing.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.idle = d
	}
}

// WithHeartbeatMethod overrides the heartbeat sentinel method name.
func WithHeartbeatMethod(name string) Option {
	return func(m *Monitor) {
		m.heartbeat = name
	}
}

// WithLogger sets the logger connection events go to.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

// NewMonitor returns a Monitor with a 60s idle timeout and the standard heartbeat sentinel.
func NewMonitor(opts ...Option) *Monitor {
	l := logrus.New()
	l.Out = io.Discard
	m := &Monitor{
		idle:      DefaultIdleTimeout,
		heartbeat: message.HeartbeatMethod,
		log:       logrus.NewEntry(l),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IdleTimeout returns the configured threshold.
func (m *Monitor) IdleTimeout() time.Duration {
	return m.idle
}

// IsHeartbeat reports whether req is a keep-alive call.
func (m *Monitor) IsHeartbeat(req *message.CallRequest) bool {
	return req != nil && req.MethodName == m.heartbeat
}

// Session is the liveness state of one connection.
type Session struct {
	m      *Monitor
	log    *logrus.Entry
	closer io.Closer

	last  atomic.Int64 // unix nanos of the last activity
	state atomic.Int32

	mu    sync.Mutex // guards timer
	timer *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// Open starts tracking a connection established with peer. closer is closed
// when the session goes idle.
func (m *Monitor) Open(peer net.Addr, closer io.Closer) *Session {
	addr := "unknown"
	if peer != nil {
		addr = peer.String()
	}
	s := &Session{
		m:      m,
		log:    m.log.WithField("peer", addr),
		closer: closer,
		done:   make(chan struct{}),
	}
	s.Touch()
	s.log.WithField("time", time.Now().Format(time.RFC3339Nano)).Info("client connected")

	if m.idle > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(m.idle, s.check)
		s.mu.Unlock()
	}
	return s
}

// Touch records activity in either direction.
func (s *Session) Touch() {
	s.last.Store(time.Now().UnixNano())
}

// Inbound records an inbound call and reports whether it should be dispatched.
// Heartbeats return false: no dispatch and no response.
func (s *Session) Inbound(req *message.CallRequest) bool {
	s.Touch()
	if s.m.IsHeartbeat(req) {
		s.log.Debug("client heart beat")
		return false
	}
	return true
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.last.Load())
}

// State returns the session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) check() {
	if s.State() != Open {
		return
	}
	idle := time.Since(s.LastActivity())
	if idle >= s.m.idle {
		s.expire(idle)
		return
	}
	s.mu.Lock()
	if s.State() == Open {
		s.timer.Reset(s.m.idle - idle)
	}
	s.mu.Unlock()
}

func (s *Session) expire(idle time.Duration) {
	if !s.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return
	}
	s.log.WithField("idle", idle.Round(time.Millisecond)).
		Infof("client is idle more than %s, close the connection", s.m.idle)
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.log.WithError(err).Debug("close idle connection")
		}
	}
	s.Close()
}

// Close ends the session on connection teardown. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(Closed))
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		close(s.done)
		s.log.WithField("time", time.Now().Format(time.RFC3339Nano)).Info("client disconnected")
	})
}

// Package dispatch is the per-call request handler: resolve the target method,
// coerce arguments, invoke, and package the outcome as exactly one response.
//
// Pipeline for one call:
//
//	CallRequest → Validate → Table.Resolve → coerce.Coerce → Callable.Invoke → CallResponse
//
// Every step reports failure as a classified rpcerr.Error; the dispatcher turns
// it into an ERROR response and returns. Nothing a single call does can unwind
// into the connection that carried it.
package dispatch

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"callrpc/coerce"
	"callrpc/message"
	"callrpc/middleware"
	"callrpc/rpcerr"
	"callrpc/target"

	"github.com/sirupsen/logrus"
)

// Dispatcher is shared by every connection. It keeps no per-call fields: all
// per-call state lives in locals and the request/response pair.
type Dispatcher struct {
	table atomic.Pointer[target.Table]
	log   *logrus.Entry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger failures are reported to.
func WithLogger(l *logrus.Entry) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// New creates a Dispatcher reading from table.
func New(table *target.Table, opts ...Option) *Dispatcher {
	d := &Dispatcher{log: discardLogger()}
	d.table.Store(table)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reload swaps in a new table. Calls already resolving keep the old snapshot.
func (d *Dispatcher) Reload(table *target.Table) {
	d.table.Store(table)
}

// Table returns the current snapshot.
func (d *Dispatcher) Table() *target.Table {
	return d.table.Load()
}

// Handler exposes Dispatch as the innermost handler of a middleware chain.
func (d *Dispatcher) Handler() middleware.HandlerFunc {
	return d.Dispatch
}

// Dispatch handles one non-heartbeat call and always returns a response whose
// RequestID equals req.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.CallRequest) (resp *message.CallResponse) {
	if req == nil {
		return message.NewResponse("").Fail("malformed request: empty envelope")
	}
	// Step 1: correlate first so every later exit still carries the id.
	resp = message.NewResponse(req.ID)
	start := time.Now()

	// A fault in our own steps (not the callee, which Invoke guards) must still
	// produce a response.
	defer func() {
		if r := recover(); r != nil {
			d.fail(resp, req, rpcerr.New(rpcerr.InvocationFailed, "internal error: %v", r), start)
		}
	}()

	result, err := d.call(ctx, req)
	if err != nil {
		d.fail(resp, req, err, start)
		return resp
	}
	return resp.Succeed(result)
}

func (d *Dispatcher) call(ctx context.Context, req *message.CallRequest) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Step 2: resolve
	callable, err := d.table.Load().Resolve(req.TargetName, req.MethodName, req.ParameterShapes)
	if err != nil {
		return nil, err
	}

	// Step 3: coerce
	args, err := coerce.Coerce(req.ParameterValues, callable.Params())
	if err != nil {
		return nil, err
	}

	// Step 4: invoke
	return callable.Invoke(ctx, args)
}

func (d *Dispatcher) fail(resp *message.CallResponse, req *message.CallRequest, err error, start time.Time) {
	resp.Fail(err.Error())
	d.log.WithFields(logrus.Fields{
		"requestId": req.ID,
		"target":    req.TargetName,
		"method":    req.MethodName,
		"kind":      rpcerr.KindOf(err).String(),
		"duration":  time.Since(start),
	}).Warnf("rpc request failed: %+v", err)
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

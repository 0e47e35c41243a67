// Package message defines the call envelope exchanged between the transport layer
// and the dispatch core.
//
// A CallRequest names a target, a method and a positional argument list whose
// declared shapes travel next to the values. Exactly one CallResponse answers
// each non-heartbeat request, correlated by RequestID.
package message

import (
	"encoding/json"

	"callrpc/rpcerr"

	"github.com/pkg/errors"
)

// HeartbeatMethod is the reserved method name of keep-alive calls.
// Matching is case-sensitive; heartbeats are never dispatched nor answered.
const HeartbeatMethod = "heartBeat"

// StatusCode is the closed two-valued outcome of a call.
type StatusCode int

const (
	StatusOK    StatusCode = 1   // Data carries the result
	StatusError StatusCode = 500 // ErrorMessage carries the diagnostic
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CallRequest identifies one remote call.
//
//   - ID is caller-assigned and echoed verbatim in the response.
//   - ParameterShapes and ParameterValues are positionally aligned.
type CallRequest struct {
	ID              string   `json:"id" msgpack:"id"`
	TargetName      string   `json:"targetName" msgpack:"targetName"`
	MethodName      string   `json:"methodName" msgpack:"methodName"`
	ParameterShapes []string `json:"parameterShapes,omitempty" msgpack:"parameterShapes,omitempty"`
	ParameterValues []any    `json:"parameterValues,omitempty" msgpack:"parameterValues,omitempty"`
}

// NewHeartbeat builds a keep-alive request.
func NewHeartbeat() *CallRequest {
	return &CallRequest{MethodName: HeartbeatMethod}
}

// IsHeartbeat reports whether r is a keep-alive call.
func (r *CallRequest) IsHeartbeat() bool {
	return r.MethodName == HeartbeatMethod
}

// Validate checks the structural invariants of the envelope.
func (r *CallRequest) Validate() error {
	if r.TargetName == "" {
		return rpcerr.New(rpcerr.MalformedRequest, "malformed request %q: missing targetName", r.ID)
	}
	if r.MethodName == "" {
		return rpcerr.New(rpcerr.MalformedRequest, "malformed request %q: missing methodName", r.ID)
	}
	if len(r.ParameterShapes) != len(r.ParameterValues) {
		return rpcerr.New(rpcerr.MalformedRequest,
			"malformed request %q: %d parameter shapes but %d parameter values",
			r.ID, len(r.ParameterShapes), len(r.ParameterValues))
	}
	return nil
}

// CallResponse answers exactly one CallRequest.
// Exactly one of Data / ErrorMessage is meaningful, selected by StatusCode.
type CallResponse struct {
	RequestID    string     `json:"requestId" msgpack:"requestId"`
	StatusCode   StatusCode `json:"statusCode" msgpack:"statusCode"`
	Data         any        `json:"data,omitempty" msgpack:"data,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty" msgpack:"errorMessage,omitempty"`
}

// NewResponse creates an empty response correlated with request id.
// Until Succeed or Fail is called it reports failure.
func NewResponse(id string) *CallResponse {
	return &CallResponse{RequestID: id, StatusCode: StatusError, ErrorMessage: "no result"}
}

// Succeed marks the response OK with data (nil for void methods).
func (r *CallResponse) Succeed(data any) *CallResponse {
	r.StatusCode = StatusOK
	r.Data = data
	r.ErrorMessage = ""
	return r
}

// Fail marks the response ERROR with a short diagnostic.
func (r *CallResponse) Fail(msg string) *CallResponse {
	if msg == "" {
		msg = "unknown error"
	}
	r.StatusCode = StatusError
	r.Data = nil
	r.ErrorMessage = msg
	return r
}

// OK reports whether the call succeeded.
func (r *CallResponse) OK() bool {
	return r.StatusCode == StatusOK
}

// Err returns the remote failure as an error, nil on success.
func (r *CallResponse) Err() error {
	if r.OK() {
		return nil
	}
	return errors.New(r.ErrorMessage)
}

// DecodeData reshapes the loosely-typed Data into out, which must be a pointer.
// Data arrives generic after wire decoding, so it is re-encoded as JSON first.
func (r *CallResponse) DecodeData(out any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.Data == nil {
		return nil
	}
	raw, err := json.Marshal(Normalize(r.Data))
	if err != nil {
		return errors.Wrap(err, "re-encode response data")
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response data")
}

package ws

import (
	"github.com/fxamacker/cbor/v2"
)

// RPC method names understood by the cloud endpoint.
const (
	methodSnapshot    = "snapshot"
	methodPush        = "push"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodSignIn      = "signin"
	methodSignUp      = "signup"
	methodRefresh     = "refresh"
	methodInvalidate  = "invalidate"
)

// Server-initiated notification methods.
const (
	pushEvent   = "event"
	pushSession = "session"
)

// Error codes the server uses on RPC failures.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeConflict     = 409
	CodeInvalid      = 422
)

// RPCError is the structured error carried in a response envelope.
type RPCError struct {
	Code    int    `cbor:"code" json:"code"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return r.Message
}

// RPCRequest is a client-to-server call.
type RPCRequest struct {
	ID     string `cbor:"id" json:"id"`
	Method string `cbor:"method" json:"method"`
	Params []any  `cbor:"params,omitempty" json:"params,omitempty"`
}

// envelope is every server-to-client message. Responses carry the ID of the
// request they answer; notifications carry a Method instead.
type envelope struct {
	ID     string          `cbor:"id,omitempty"`
	Method string          `cbor:"method,omitempty"`
	Error  *RPCError       `cbor:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
}

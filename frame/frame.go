// Package frame implements the RRMT wire frame: a fixed 4-byte header
// (type tag, payload length, conversation/flow byte) followed by a
// payload bounded to 65,535 bytes. Frames are immutable once constructed;
// a frame is built by whichever side wishes to transmit it and parsed by
// the Reader task on the receiving side.
//
// Wire layout, big-endian:
//
//	offset  bytes  field
//	0       1      type tag
//	1       2      payload length N (0..=65535)
//	3       1      conversation byte (flow)
//	4       N      payload bytes
package frame

import (
	"github.com/gofrs/uuid"
)

// Type is the RRMT frame type tag, one byte on the wire.
type Type byte

const (
	Authorize Type = 0x01 // client -> server, payload = 16-byte UUID
	Denied    Type = 0x02 // server -> client, no payload
	Accepted  Type = 0x03 // server -> client, no payload
	Ping      Type = 0x04 // server -> client, no payload
	Pong      Type = 0x05 // client -> server, no payload
	ErrorType Type = 0x06 // bidirectional, payload = error code byte [+ message]
	Execute   Type = 0x07 // server -> client, payload = UTF-8 command string
	Result    Type = 0x08 // client -> server, payload = UTF-8 result string
	ACK       Type = 0x09 // bidirectional, no payload
)

func (t Type) String() string {
	switch t {
	case Authorize:
		return "Authorize"
	case Denied:
		return "Denied"
	case Accepted:
		return "Accepted"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case ErrorType:
		return "Error"
	case Execute:
		return "Execute"
	case Result:
		return "Result"
	case ACK:
		return "ACK"
	default:
		return "Unknown"
	}
}

// ErrorCode is the first payload byte of an ErrorType frame.
type ErrorCode byte

const (
	ErrCodeLengthMismatch ErrorCode = 0x01
	ErrCodeServerError    ErrorCode = 0x02 // carries a message
	ErrCodeFormatError    ErrorCode = 0x03
	ErrCodeExecuteError   ErrorCode = 0x04 // carries a message
	ErrCodeNotExpected    ErrorCode = 0x05
)

// Role distinguishes which side of the connection is constructing a frame;
// it gates the direction rule enforced by the New* constructors below.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Frame is one RRMT protocol data unit. Constructed, never mutated.
type Frame struct {
	Type         Type
	Payload      []byte // nil for no-payload frame types
	Conversation byte   // the flow byte this frame belongs to
}

// clientOnly and serverOnly record the fixed direction of each frame type.
// Authorize/Pong/Result are client->server; Denied/Accepted/Ping/Execute are
// server->client. ACK and ErrorType are bidirectional and unrestricted.
var clientOnly = map[Type]bool{Authorize: true, Pong: true, Result: true}
var serverOnly = map[Type]bool{Denied: true, Accepted: true, Ping: true, Execute: true}

// checkDirection enforces the frame-direction rule at construction time.
func checkDirection(role Role, t Type) error {
	if clientOnly[t] && role != RoleClient {
		return newErr(KindInvalidRole, nil)
	}
	if serverOnly[t] && role != RoleServer {
		return newErr(KindInvalidRole, nil)
	}
	return nil
}

// New constructs a frame of any bidirectional or role-matching type with a
// raw payload, enforcing the direction rule for role-restricted types.
func New(role Role, t Type, payload []byte, conversation byte) (*Frame, error) {
	if err := checkDirection(role, t); err != nil {
		return nil, err
	}
	return &Frame{Type: t, Payload: payload, Conversation: conversation}, nil
}

// NewAuthorize builds a client->server Authorize frame carrying the 16-byte
// machine UUID as its payload.
func NewAuthorize(machineID uuid.UUID, conversation byte) (*Frame, error) {
	return New(RoleClient, Authorize, machineID.Bytes(), conversation)
}

// NewDenied builds a server->client Denied frame.
func NewDenied(conversation byte) (*Frame, error) {
	return New(RoleServer, Denied, nil, conversation)
}

// NewAccepted builds a server->client Accepted frame.
func NewAccepted(conversation byte) (*Frame, error) {
	return New(RoleServer, Accepted, nil, conversation)
}

// NewPing builds a server->client Ping frame (the server's heartbeat echo).
func NewPing(conversation byte) (*Frame, error) {
	return New(RoleServer, Ping, nil, conversation)
}

// NewPong builds a client->server Pong frame (the client's heartbeat probe).
func NewPong(conversation byte) (*Frame, error) {
	return New(RoleClient, Pong, nil, conversation)
}

// NewExecute builds a server->client Execute frame carrying a UTF-8 command
// string. The command's semantics are not interpreted by this package.
func NewExecute(command string, conversation byte) (*Frame, error) {
	return New(RoleServer, Execute, []byte(command), conversation)
}

// NewResult builds a client->server Result frame carrying a UTF-8 result
// string. The result's semantics are not interpreted by this package.
func NewResult(result string, conversation byte) (*Frame, error) {
	return New(RoleClient, Result, []byte(result), conversation)
}

// NewACK builds a bidirectional ACK frame.
func NewACK(conversation byte) (*Frame, error) {
	return &Frame{Type: ACK, Conversation: conversation}, nil
}

// NewError builds a bidirectional Error frame. message is ignored for codes
// that carry none (LengthMismatch, FormatError, NotExpected).
func NewError(code ErrorCode, message string, conversation byte) *Frame {
	payload := make([]byte, 0, 1+len(message))
	payload = append(payload, byte(code))
	switch code {
	case ErrCodeServerError, ErrCodeExecuteError:
		payload = append(payload, []byte(message)...)
	}
	return &Frame{Type: ErrorType, Payload: payload, Conversation: conversation}
}

// AsUUID decodes a frame's payload as a 16-byte UUID (used for Authorize).
func (f *Frame) AsUUID() (uuid.UUID, error) {
	id, err := uuid.FromBytes(f.Payload)
	if err != nil {
		return uuid.UUID{}, newErr(KindConversionError, err)
	}
	return id, nil
}

// AsString decodes a frame's payload as a UTF-8 string (used for Execute/Result).
func (f *Frame) AsString() string {
	return string(f.Payload)
}

// DecodedError describes the ErrorType frame's payload once parsed.
type DecodedError struct {
	Code    ErrorCode
	Message string
}

// AsError decodes a frame's payload as an RRMT error descriptor.
func (f *Frame) AsError() (DecodedError, error) {
	if len(f.Payload) == 0 {
		return DecodedError{}, newErr(KindConversionError, nil)
	}
	code := ErrorCode(f.Payload[0])
	var msg string
	if len(f.Payload) > 1 {
		msg = string(f.Payload[1:])
	}
	switch code {
	case ErrCodeLengthMismatch, ErrCodeServerError, ErrCodeFormatError, ErrCodeExecuteError, ErrCodeNotExpected:
		return DecodedError{Code: code, Message: msg}, nil
	default:
		return DecodedError{}, newErr(KindConversionError, nil)
	}
}

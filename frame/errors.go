package frame

import "fmt"

// Kind identifies a class of frame-codec failure. Named to match the error
// taxonomy in the wire-protocol design (codec errors, §7).
type Kind int

const (
	// KindLengthMismatch: the payload read terminated before N bytes were read.
	KindLengthMismatch Kind = iota + 1
	// KindLengthOverflow: a payload larger than 65535 bytes was offered to Encode.
	KindLengthOverflow
	// KindInvalidType: the wire byte did not match any known frame type.
	KindInvalidType
	// KindInvalidRole: a frame was constructed against its fixed wire direction.
	KindInvalidRole
	// KindConversionError: a typed payload accessor (UUID, string, error) failed to decode.
	KindConversionError
	// KindReadFailure: the underlying reader returned a non-EOF error.
	KindReadFailure
	// KindWriteFailure: the underlying writer returned an error.
	KindWriteFailure
	// KindSocketClosed: a zero-byte peek indicated a closed connection.
	KindSocketClosed
)

func (k Kind) String() string {
	switch k {
	case KindLengthMismatch:
		return "length-mismatch"
	case KindLengthOverflow:
		return "length-overflow"
	case KindInvalidType:
		return "invalid-type"
	case KindInvalidRole:
		return "invalid-role"
	case KindConversionError:
		return "conversion-error"
	case KindReadFailure:
		return "read-failure"
	case KindWriteFailure:
		return "write-failure"
	case KindSocketClosed:
		return "socket-closed"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by this package. Callers should
// compare against Kind with errors.As, not string-match Error().
type Error struct {
	Kind Kind
	Err  error // wrapped cause, may be nil

	// Conversation carries the header's flow byte for KindInvalidType only,
	// so a caller can reply Error(format-error) on the same flow (§8
	// scenario 6) without re-parsing a header it can no longer trust.
	Conversation byte
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("frame: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

func newInvalidTypeErr(conversation byte) *Error {
	return &Error{Kind: KindInvalidType, Conversation: conversation}
}

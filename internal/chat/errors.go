package chat

import "errors"

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON
	// objects or carry no type.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownFrameType is returned for frames with an unrecognized type.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrPeerClosed is returned by Send on a closed connection.
	ErrPeerClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned by Send when the outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")

	// errIgnored marks frames that are dropped without a reply, such as a
	// chat frame before REGISTER.
	errIgnored = errors.New("frame ignored")
)

// ValidationError is a well-formed frame whose content is rejected. The
// message is shown to the sender.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

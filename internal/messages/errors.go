package messages

import "errors"

// Codec errors. These are expected conditions on a shared bus and are
// handled by dropping the message, not by failing the consumer loop.
var (
	// ErrDecode is returned when an envelope or payload cannot be parsed.
	ErrDecode = errors.New("messages: decode failed")

	// ErrEncode is returned when a payload cannot be serialised.
	ErrEncode = errors.New("messages: encode failed")
)

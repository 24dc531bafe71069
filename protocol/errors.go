package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat indicates the stream does not hold a well-formed message.
	ErrFormat = errors.New("protocol: malformed message")
	// ErrFieldTooLarge indicates a declared field length exceeds its limit.
	ErrFieldTooLarge = fmt.Errorf("%w: field exceeds max size", ErrFormat)
	// ErrUnsupportedVersion indicates the peer speaks a newer protocol version.
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")
	// ErrUnknownPayloadType indicates an unregistered structure identifier.
	ErrUnknownPayloadType = errors.New("protocol: unknown payload type")
	// ErrSignatureValidation indicates the payload signature does not match.
	ErrSignatureValidation = errors.New("protocol: signature validation failed")
	// ErrUnsignedMessage indicates validation was required but the message
	// carries no signature at all.
	ErrUnsignedMessage = fmt.Errorf("%w: message is unsigned", ErrSignatureValidation)
	// ErrUnsupportedTrigger indicates no handler is registered for a trigger event.
	ErrUnsupportedTrigger = errors.New("protocol: unsupported trigger")
	// ErrMissingPayload indicates a message was built without a payload.
	ErrMissingPayload = errors.New("protocol: message payload is required")
)

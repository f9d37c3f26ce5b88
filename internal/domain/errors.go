package domain

import "errors"

var (
	// ErrUnsupported is returned for conversions or targets an adapter does not handle.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrNoSourceMessage means a card or stream reply was requested for an event
	// whose chain carries no platform message id.
	ErrNoSourceMessage = errors.New("event has no source message id")
	// ErrNoReplyCard means a card or stream reply targets a conversation with
	// no recorded card, either never prepared or already evicted.
	ErrNoReplyCard     = errors.New("conversation has no reply card")
	ErrInvalidChain    = errors.New("invalid message chain")
	ErrUnknownChatType = errors.New("unknown chat type")
	ErrMalformedEvent  = errors.New("malformed event")
)

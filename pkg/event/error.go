package event

import "errors"

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrUnsupportedVersion = errors.New("unsupported event version")
	ErrMalformedEvent     = errors.New("malformed event")
)

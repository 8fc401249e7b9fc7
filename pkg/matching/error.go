package matching

import "errors"

var (
	// ErrPublish is returned when a match event could not be queued. The
	// popped maker has been restored and the taker's remainder rested before
	// it is returned.
	ErrPublish = errors.New("publish match event")
	// ErrNotRested means a taker that has not traded could not be put on the
	// book. Nothing of it is in effect.
	ErrNotRested = errors.New("order not rested")
	// ErrRestore means an order could neither go back on the book nor be
	// withdrawn. Its remaining quantity is out of the book while its funds
	// stay locked.
	ErrRestore = errors.New("restore order")
)

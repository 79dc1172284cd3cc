package orderbook

import "errors"

var (
	// ErrUnknownProduct is returned when a book is requested for a product the
	// registry was not built with.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrInvalidLevel is returned for prices or sizes that are not decimal
	// numbers, or sizes below zero.
	ErrInvalidLevel = errors.New("invalid price level")
	// ErrInvalidSide is returned for change sides other than buy or sell.
	ErrInvalidSide = errors.New("invalid side")
	// ErrSnapshotTimeout is returned when a change gave up waiting for the
	// snapshot of its side.
	ErrSnapshotTimeout = errors.New("timed out waiting for snapshot")
	// ErrNoFeed is returned by NewRegistry when no feed is given.
	ErrNoFeed = errors.New("no feed to register with")
	// ErrUnexpectedMessage is returned when a handler receives a message type
	// it was not registered for.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

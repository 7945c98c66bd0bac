package exportpreview

import "errors"

// Sentinel errors returned by the library.
var (
	// ErrClosed is returned when attempting to use a closed [Preview].
	ErrClosed = errors.New("exportpreview: preview is closed")

	// ErrUnknownStrategy is returned by [New] for a strategy name other than
	// [StrategyDelegated] or [StrategyPassThrough].
	ErrUnknownStrategy = errors.New("exportpreview: unknown retrieval strategy")
)

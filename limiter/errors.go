package limiter

import (
	"errors"

	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/store"
)

var (
	// ErrInvalidConfiguration is returned when capacity, rate or an option is invalid
	ErrInvalidConfiguration = core.ErrInvalidConfiguration

	// ErrInvalidCost is returned when Consume is called with cost <= 0
	ErrInvalidCost = core.ErrInvalidCost

	// ErrInvalidKey is returned when Consume is called with an empty key
	ErrInvalidKey = errors.New("rate limit key must not be empty")

	// ErrStorageUnavailable matches storage failures. Consume never returns it;
	// the failure policy turns it into a degraded decision.
	ErrStorageUnavailable = store.ErrUnavailable

	// ErrCorruptState matches undecodable stored state. Stores treat it as absent.
	ErrCorruptState = store.ErrCorruptState
)

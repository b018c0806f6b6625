package core

import "errors"

var (
	// ErrInvalidConfiguration is returned when capacity or rate is not positive
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidCost is returned when a check asks for a non-positive cost
	ErrInvalidCost = errors.New("cost must be a positive integer")
)

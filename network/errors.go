package network

import (
	"errors"

	"github.com/signalsfoundry/grid-variants/variant"
)

var (
	// ErrElementExists indicates an element id is already used in the network.
	ErrElementExists = errors.New("element already exists")
	// ErrElementNotFound indicates a requested element does not exist.
	ErrElementNotFound = errors.New("element not found")
	// ErrInvalidElement indicates an element failed validation.
	ErrInvalidElement = errors.New("invalid element")
	// ErrInvalidValue indicates an attribute value outside its allowed range.
	ErrInvalidValue = errors.New("invalid attribute value")
	// ErrUnmodifiableNetwork is returned by every mutator of a frozen network.
	ErrUnmodifiableNetwork = variant.ErrUnmodifiableNetwork
)

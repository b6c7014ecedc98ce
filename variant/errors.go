package variant

import "errors"

var (
	// ErrVariantNotFound indicates a variant id (or slot) could not be resolved.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrDuplicateVariantID indicates a create or clone target already exists.
	ErrDuplicateVariantID = errors.New("variant already exists")
	// ErrIllegalVariantOperation indicates a request that would break a
	// registry invariant, such as removing the last or a selected variant.
	ErrIllegalVariantOperation = errors.New("illegal variant operation")
	// ErrUnmodifiableNetwork indicates a mutation attempted through a frozen view.
	ErrUnmodifiableNetwork = errors.New("network is unmodifiable")
	// ErrNoWorkingVariant indicates the calling worker has not selected a variant.
	ErrNoWorkingVariant = errors.New("no working variant selected")
	// ErrConcurrencyMode indicates an unsafe switch of the working variant mode.
	ErrConcurrencyMode = errors.New("unsafe variant concurrency mode switch")
)

package tm

import "errors"

var (
	// ErrInvalidRegion is returned by Create when the region cannot be
	// constructed.
	ErrInvalidRegion = errors.New("tm: invalid region")
	// ErrInvalidTx is returned by Begin when a transaction context cannot
	// be allocated.
	ErrInvalidTx = errors.New("tm: invalid transaction")
	// ErrOutOfMemory is returned when an allocation fails for lack of
	// memory rather than a contract violation.
	ErrOutOfMemory = errors.New("tm: out of memory")
)

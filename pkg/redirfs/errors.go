package redirfs

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateName        = errors.New("filter name already registered")
	ErrStillBound           = errors.New("filter still bound to paths")
	ErrAllocationFailure    = errors.New("shadow record limit reached")
	ErrUnsupportedOperation = errors.New("operation not supported by driver")
	ErrInvalidFilter        = errors.New("invalid filter")
	ErrInvalidPath          = errors.New("invalid path")
	ErrInvalidHookMode      = errors.New("invalid hook mode")
)

package daemon

import "errors"

var (
	ErrBuildNamespace = errors.New("build namespace")
	ErrBackingPath    = errors.New("backing path")
	ErrMount          = errors.New("mount")
	ErrRegisterFilter = errors.New("register filter")
	ErrApplyPath      = errors.New("apply path")
	ErrControl        = errors.New("start control server")
	ErrUnmount        = errors.New("fuse unmount")
)

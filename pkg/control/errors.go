package control

import "errors"

var (
	ErrBadRequest    = errors.New("bad request")
	ErrRemote        = errors.New("control server error")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrDial          = errors.New("dial control socket")
)

package fusefs

import "errors"

var ErrMount = errors.New("fuse mount")

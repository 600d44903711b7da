package rules

import "errors"

var ErrInvalidRule = errors.New("invalid rule")

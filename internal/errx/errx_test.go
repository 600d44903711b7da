package errx

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = errors.New("open thing")

func TestWrap_MatchesBoth(t *testing.T) {
	err := Wrap(errSentinel, syscall.ENOENT)
	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.Equal(t, "open thing: no such file or directory", err.Error())
}

func TestWrap_NilReturnsSentinel(t *testing.T) {
	assert.Equal(t, errSentinel, Wrap(errSentinel, nil))
}

func TestWith_FormatsContext(t *testing.T) {
	err := With(errSentinel, " %q: %w", "/a", syscall.EPERM)
	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, syscall.EPERM)
	assert.Equal(t, `open thing "/a": operation not permitted`, err.Error())
}

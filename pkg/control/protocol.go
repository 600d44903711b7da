// Package control exposes an Engine's administrative interface over a unix
// socket. Messages are CBOR documents framed by a 4-byte big-endian length.
package control

import (
	"errors"

	"github.com/jingkaihe/redirfs/pkg/redirfs"
)

type OpCode uint8

const (
	OpListFilters OpCode = iota
	OpActivate
	OpDeactivate
	OpAddPath
	OpRemovePath
	OpListPaths
	OpStatus
)

type Request struct {
	Op     OpCode `cbor:"op"`
	Filter string `cbor:"filter,omitempty"`
	Path   string `cbor:"path,omitempty"`
	Mount  string `cbor:"mount,omitempty"`
	Flags  string `cbor:"flags,omitempty"`
	ID     int    `cbor:"id,omitempty"`
}

type Response struct {
	// Code names the error class so clients can match sentinels.
	Code    string                   `cbor:"code,omitempty"`
	Err     string                   `cbor:"err,omitempty"`
	ID      int                      `cbor:"id,omitempty"`
	Filters []FilterStatus           `cbor:"filters,omitempty"`
	Paths   []redirfs.PathDescriptor `cbor:"paths,omitempty"`
	Status  *Status                  `cbor:"status,omitempty"`
}

type FilterStatus struct {
	Name     string `cbor:"name" json:"name"`
	ID       string `cbor:"id" json:"id"`
	Owner    string `cbor:"owner,omitempty" json:"owner,omitempty"`
	Priority int    `cbor:"priority" json:"priority"`
	Active   bool   `cbor:"active" json:"active"`
	Paths    int    `cbor:"paths" json:"paths"`
}

type Status struct {
	HookMode string `cbor:"hook_mode" json:"hook_mode"`
	Records  int64  `cbor:"records" json:"records"`
	Filters  int    `cbor:"filters" json:"filters"`
	Paths    int    `cbor:"paths" json:"paths"`
}

var codes = []struct {
	code string
	err  error
}{
	{"not_found", redirfs.ErrNotFound},
	{"duplicate_name", redirfs.ErrDuplicateName},
	{"still_bound", redirfs.ErrStillBound},
	{"allocation_failure", redirfs.ErrAllocationFailure},
	{"unsupported", redirfs.ErrUnsupportedOperation},
	{"invalid_filter", redirfs.ErrInvalidFilter},
	{"invalid_path", redirfs.ErrInvalidPath},
	{"bad_request", ErrBadRequest},
}

func codeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

func sentinelOf(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return ErrRemote
}

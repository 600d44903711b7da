package redirfs

import (
	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// DataReleaser is implemented by attached values that hold resources. The
// engine calls ReleaseData when the record the value hangs off goes away.
type DataReleaser interface {
	ReleaseData()
}

func (f *Filter) shadowOf(obj any) (*shadow, error) {
	var s *shadow
	switch o := obj.(type) {
	case *vfs.Dentry:
		s = f.engine.dentryShadow(o)
	case *vfs.Inode:
		s = f.engine.inodeShadow(o)
	case *vfs.File:
		s = f.engine.fileShadow(o)
	default:
		return nil, errx.With(ErrInvalidFilter, ": cannot attach data to %T", obj)
	}
	if s == nil {
		return nil, errx.With(ErrNotFound, ": %T is not tracked", obj)
	}
	return s, nil
}

// AttachData stores v for f on the record of a tracked dentry, inode or
// file, replacing any previous value.
func (f *Filter) AttachData(obj any, v any) error {
	s, err := f.shadowOf(obj)
	if err != nil {
		return err
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if s.data == nil {
		s.data = make(map[*Filter]any)
	}
	s.data[f] = v
	return nil
}

// Data returns the value f attached to obj.
func (f *Filter) Data(obj any) (any, bool) {
	s, err := f.shadowOf(obj)
	if err != nil {
		return nil, false
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	v, ok := s.data[f]
	return v, ok
}

// DetachData removes and returns the value f attached to obj without
// releasing it.
func (f *Filter) DetachData(obj any) (any, bool) {
	s, err := f.shadowOf(obj)
	if err != nil {
		return nil, false
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	v, ok := s.data[f]
	delete(s.data, f)
	return v, ok
}

package redirfs

import "github.com/jingkaihe/redirfs/pkg/vfs"

// call packs p into an Args bundle and dispatches it through the Info of s,
// or calls real directly when s does not route op.
func call(s *shadow, typ ObjectType, op OpID, p Params, real func(*Args)) *Args {
	args := &Args{Type: typ, Op: op, Args: p}
	info, ok := s.acquire(op)
	if !ok {
		real(args)
		return args
	}
	defer info.put()
	run(info, args, real)
	return args
}

// dentryTrampolines returns the trampoline table for dentries whose pristine
// table is orig. One table is built per original table.
func (e *Engine) dentryTrampolines(orig *vfs.DentryOperations) *vfs.DentryOperations {
	if t, ok := e.dtramp.Load(orig); ok {
		return t.(*vfs.DentryOperations)
	}
	t := &vfs.DentryOperations{
		Revalidate: func(d *vfs.Dentry) (bool, error) {
			args := call(e.dentryShadow(d), typeOfDentry(d), OpDentryRevalidate, Params{Dentry: d}, func(a *Args) {
				a.Rv.Valid, a.Rv.Err = orig.Revalidate(a.Args.Dentry)
			})
			return args.Rv.Valid, args.Rv.Err
		},
		Delete: func(d *vfs.Dentry) bool {
			args := call(e.dentryShadow(d), typeOfDentry(d), OpDentryDelete, Params{Dentry: d}, func(a *Args) {
				a.Rv.Valid = orig.Delete(a.Args.Dentry)
			})
			return args.Rv.Valid
		},
		Release: func(d *vfs.Dentry) {
			call(e.dentryShadow(d), typeOfDentry(d), OpDentryRelease, Params{Dentry: d}, func(a *Args) {
				if orig.Release != nil {
					orig.Release(a.Args.Dentry)
				}
			})
			e.untrackDentry(d)
		},
		Iput: func(d *vfs.Dentry, in *vfs.Inode) {
			call(e.dentryShadow(d), typeOfInode(in), OpDentryIput, Params{Dentry: d, Inode: in}, func(a *Args) {
				if orig.Iput != nil {
					orig.Iput(a.Args.Dentry, a.Args.Inode)
				}
			})
			e.dentryIput(d)
		},
	}
	v, _ := e.dtramp.LoadOrStore(orig, t)
	return v.(*vfs.DentryOperations)
}

// dentryIput detaches a dentry record from its inode record once the host
// has dropped the inode. The dentry stays tracked as a negative entry.
func (e *Engine) dentryIput(d *vfs.Dentry) {
	e.pathMu.RLock()
	defer e.pathMu.RUnlock()
	r := e.dentryRecord(d)
	if r == nil {
		return
	}
	r.mu.Lock()
	ir := r.inode
	r.inode = nil
	if !r.dead {
		e.rehookDentryLocked(r)
	}
	r.mu.Unlock()
	if ir != nil {
		e.unlinkInode(r, ir)
	}
}

// untrackDentry forgets the record of a dentry the host released.
func (e *Engine) untrackDentry(d *vfs.Dentry) {
	e.pathMu.RLock()
	defer e.pathMu.RUnlock()
	if r := e.dentryRecord(d); r != nil {
		e.detachDentry(r)
	}
}

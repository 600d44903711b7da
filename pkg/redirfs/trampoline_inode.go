package redirfs

import (
	"os"
	"syscall"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

func (e *Engine) inodeTrampolines(orig *vfs.InodeOperations) *vfs.InodeOperations {
	if t, ok := e.itramp.Load(orig); ok {
		return t.(*vfs.InodeOperations)
	}
	t := &vfs.InodeOperations{
		Lookup: func(dir *vfs.Inode, d *vfs.Dentry) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeLookup, Params{Dir: dir, Dentry: d}, func(a *Args) {
				a.Rv.Err = orig.Lookup(a.Args.Dir, a.Args.Dentry)
			})
			return e.tracked(args, d)
		},
		Create: func(dir *vfs.Inode, d *vfs.Dentry, mode os.FileMode) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeCreate, Params{Dir: dir, Dentry: d, Mode: mode}, func(a *Args) {
				a.Rv.Err = orig.Create(a.Args.Dir, a.Args.Dentry, a.Args.Mode)
			})
			return e.tracked(args, d)
		},
		Mkdir: func(dir *vfs.Inode, d *vfs.Dentry, mode os.FileMode) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeMkdir, Params{Dir: dir, Dentry: d, Mode: mode}, func(a *Args) {
				a.Rv.Err = orig.Mkdir(a.Args.Dir, a.Args.Dentry, a.Args.Mode)
			})
			return e.tracked(args, d)
		},
		Unlink: func(dir *vfs.Inode, d *vfs.Dentry) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeUnlink, Params{Dir: dir, Dentry: d}, func(a *Args) {
				a.Rv.Err = orig.Unlink(a.Args.Dir, a.Args.Dentry)
			})
			e.mirrorNlink(d)
			return args.Rv.Err
		},
		Rmdir: func(dir *vfs.Inode, d *vfs.Dentry) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeRmdir, Params{Dir: dir, Dentry: d}, func(a *Args) {
				a.Rv.Err = orig.Rmdir(a.Args.Dir, a.Args.Dentry)
			})
			return args.Rv.Err
		},
		Rename: func(oldDir *vfs.Inode, oldD *vfs.Dentry, newDir *vfs.Inode, newD *vfs.Dentry) error {
			from := oldD.Path()
			p := Params{Dir: oldDir, Dentry: oldD, NewDir: newDir, NewDentry: newD}
			args := call(e.inodeShadow(oldDir), TypeDir, OpInodeRename, p, func(a *Args) {
				a.Rv.Err = orig.Rename(a.Args.Dir, a.Args.Dentry, a.Args.NewDir, a.Args.NewDentry)
			})
			if args.Rv.Err == nil {
				e.moves.Store(oldD, struct{}{})
				e.moved(oldD, from)
			}
			return args.Rv.Err
		},
		Link: func(old *vfs.Dentry, dir *vfs.Inode, newD *vfs.Dentry) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeLink, Params{Dentry: old, Dir: dir, NewDentry: newD}, func(a *Args) {
				a.Rv.Err = orig.Link(a.Args.Dentry, a.Args.Dir, a.Args.NewDentry)
			})
			return e.tracked(args, newD)
		},
		Symlink: func(dir *vfs.Inode, d *vfs.Dentry, target string) error {
			args := call(e.inodeShadow(dir), TypeDir, OpInodeSymlink, Params{Dir: dir, Dentry: d, Target: target}, func(a *Args) {
				a.Rv.Err = orig.Symlink(a.Args.Dir, a.Args.Dentry, a.Args.Target)
			})
			return e.tracked(args, d)
		},
		Getattr: func(d *vfs.Dentry) (vfs.Attr, error) {
			in := d.Inode()
			args := call(e.inodeShadow(in), typeOfInode(in), OpInodeGetattr, Params{Dentry: d, Inode: in}, func(a *Args) {
				a.Rv.Attr, a.Rv.Err = orig.Getattr(a.Args.Dentry)
			})
			return args.Rv.Attr, args.Rv.Err
		},
		Setattr: func(d *vfs.Dentry, attr vfs.SetAttr) error {
			in := d.Inode()
			args := call(e.inodeShadow(in), typeOfInode(in), OpInodeSetattr, Params{Dentry: d, Inode: in, Attr: attr}, func(a *Args) {
				a.Rv.Err = orig.Setattr(a.Args.Dentry, a.Args.Attr)
			})
			return args.Rv.Err
		},
		Permission: func(in *vfs.Inode, mask int) error {
			args := call(e.inodeShadow(in), typeOfInode(in), OpInodePermission, Params{Inode: in, Mask: mask}, func(a *Args) {
				a.Rv.Err = orig.Permission(a.Args.Inode, a.Args.Mask)
			})
			return args.Rv.Err
		},
	}
	v, _ := e.itramp.LoadOrStore(orig, t)
	return v.(*vfs.InodeOperations)
}

// tracked gives d a record after a successful namespace operation. A scoped
// object that cannot be tracked is reported as out of memory rather than
// left unfiltered.
func (e *Engine) tracked(args *Args, d *vfs.Dentry) error {
	if args.Rv.Err != nil {
		return args.Rv.Err
	}
	if err := e.trackDentry(d); err != nil {
		e.logger.Warn("could not track dentry", "path", d.Path(), "error", err)
		return syscall.ENOMEM
	}
	return nil
}

// mirrorNlink refreshes the link count the inode record keeps.
func (e *Engine) mirrorNlink(d *vfs.Dentry) {
	in := d.Inode()
	if in == nil {
		return
	}
	if ir := e.inodeRecord(in); ir != nil {
		ir.mu.Lock()
		ir.nlink = in.Nlink()
		ir.mu.Unlock()
	}
}

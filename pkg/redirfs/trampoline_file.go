package redirfs

import (
	"syscall"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

func (e *Engine) fileTrampolines(orig *vfs.FileOperations) *vfs.FileOperations {
	if t, ok := e.ftramp.Load(orig); ok {
		return t.(*vfs.FileOperations)
	}
	t := &vfs.FileOperations{
		Open: func(in *vfs.Inode, f *vfs.File) error {
			fr, err := e.trackFile(f, orig)
			if err != nil {
				e.logger.Warn("could not track file", "path", f.Dentry().Path(), "error", err)
				return syscall.ENOMEM
			}
			var s *shadow
			if fr != nil {
				s = &fr.shadow
			}
			args := call(s, typeOfInode(in), OpFileOpen, Params{Inode: in, File: f}, func(a *Args) {
				if orig.Open != nil {
					a.Rv.Err = orig.Open(a.Args.Inode, a.Args.File)
				}
			})
			if args.Rv.Err != nil {
				e.untrackFile(f)
			}
			return args.Rv.Err
		},
		Release: func(in *vfs.Inode, f *vfs.File) error {
			args := call(e.fileShadow(f), typeOfInode(in), OpFileRelease, Params{Inode: in, File: f}, func(a *Args) {
				if orig.Release != nil {
					a.Rv.Err = orig.Release(a.Args.Inode, a.Args.File)
				}
			})
			e.untrackFile(f)
			return args.Rv.Err
		},
		Read: func(f *vfs.File, p []byte, off int64) (int, error) {
			args := call(e.fileShadow(f), typeOfInode(f.Inode()), OpFileRead, Params{File: f, Buf: p, Offset: off}, func(a *Args) {
				a.Rv.N, a.Rv.Err = orig.Read(a.Args.File, a.Args.Buf, a.Args.Offset)
			})
			return args.Rv.N, args.Rv.Err
		},
		Write: func(f *vfs.File, p []byte, off int64) (int, error) {
			args := call(e.fileShadow(f), typeOfInode(f.Inode()), OpFileWrite, Params{File: f, Buf: p, Offset: off}, func(a *Args) {
				a.Rv.N, a.Rv.Err = orig.Write(a.Args.File, a.Args.Buf, a.Args.Offset)
			})
			return args.Rv.N, args.Rv.Err
		},
		Llseek: func(f *vfs.File, off int64, whence int) (int64, error) {
			args := call(e.fileShadow(f), typeOfInode(f.Inode()), OpFileLlseek, Params{File: f, Offset: off, Whence: whence}, func(a *Args) {
				a.Rv.Offset, a.Rv.Err = orig.Llseek(a.Args.File, a.Args.Offset, a.Args.Whence)
			})
			return args.Rv.Offset, args.Rv.Err
		},
		Readdir: func(f *vfs.File) ([]vfs.DirEntry, error) {
			args := call(e.fileShadow(f), typeOfInode(f.Inode()), OpFileReaddir, Params{File: f}, func(a *Args) {
				a.Rv.Entries, a.Rv.Err = orig.Readdir(a.Args.File)
			})
			return args.Rv.Entries, args.Rv.Err
		},
		Fsync: func(f *vfs.File) error {
			args := call(e.fileShadow(f), typeOfInode(f.Inode()), OpFileFsync, Params{File: f}, func(a *Args) {
				a.Rv.Err = orig.Fsync(a.Args.File)
			})
			return args.Rv.Err
		},
		Flush: func(f *vfs.File) error {
			args := call(e.fileShadow(f), typeOfInode(f.Inode()), OpFileFlush, Params{File: f}, func(a *Args) {
				a.Rv.Err = orig.Flush(a.Args.File)
			})
			return args.Rv.Err
		},
	}
	v, _ := e.ftramp.LoadOrStore(orig, t)
	return v.(*vfs.FileOperations)
}

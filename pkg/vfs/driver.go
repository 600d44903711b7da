package vfs

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/sync"
)

// ProviderFS is a file-system driver that exposes a Provider through the
// host operation tables. Operations the provider cannot perform are left nil
// in the tables rather than stubbed out.
type ProviderFS struct {
	name     string
	provider Provider

	dentryOps *DentryOperations
	dirOps    *InodeOperations
	regOps    *InodeOperations
	linkOps   *InodeOperations
	dirFops   *FileOperations
	regFops   *FileOperations
	linkFops  *FileOperations
}

func NewProviderFS(name string, p Provider) *ProviderFS {
	fs := &ProviderFS{name: name, provider: p}
	ro := p.Readonly()

	fs.dentryOps = &DentryOperations{}
	if _, inMemory := p.(*MemoryProvider); !inMemory {
		fs.dentryOps.Revalidate = fs.revalidate
		fs.dentryOps.Delete = fs.deleteNegative
	}

	fs.dirOps = &InodeOperations{
		Lookup:  fs.lookup,
		Getattr: fs.getattr,
	}
	fs.regOps = &InodeOperations{Getattr: fs.getattr}
	fs.linkOps = &InodeOperations{Getattr: fs.getattr}
	if ro {
		fs.dirOps.Permission = fs.readonlyPermission
		fs.regOps.Permission = fs.readonlyPermission
	} else {
		fs.dirOps.Create = fs.create
		fs.dirOps.Mkdir = fs.mkdir
		fs.dirOps.Unlink = fs.unlink
		fs.dirOps.Rmdir = fs.rmdir
		fs.dirOps.Rename = fs.rename
		fs.dirOps.Link = fs.link
		fs.dirOps.Symlink = fs.symlink
		fs.dirOps.Setattr = fs.setattr
		fs.regOps.Setattr = fs.setattr
	}

	fs.dirFops = &FileOperations{
		Open:    fs.open,
		Release: fs.release,
		Readdir: fs.readdir,
	}
	fs.regFops = &FileOperations{
		Open:    fs.open,
		Release: fs.release,
		Read:    fs.read,
		Fsync:   fs.fsync,
	}
	if !ro {
		fs.regFops.Write = fs.write
	}
	fs.linkFops = &FileOperations{}
	return fs
}

func (fs *ProviderFS) Name() string { return fs.name }

func (fs *ProviderFS) Provider() Provider { return fs.provider }

// SuperBlock is one mounted instance of a ProviderFS.
type SuperBlock struct {
	vfs  *VFS
	fs   *ProviderFS
	root *Dentry

	mu     sync.Mutex
	inodes map[uint64]*Inode

	openFiles atomic.Int64
}

func newSuperBlock(v *VFS, fs *ProviderFS) (*SuperBlock, error) {
	sb := &SuperBlock{
		vfs:    v,
		fs:     fs,
		inodes: make(map[uint64]*Inode),
	}
	fi, err := fs.provider.Stat("/")
	if err != nil {
		return nil, err
	}
	sb.root = newDentry(sb, nil, "/")
	sb.root.Instantiate(sb.iget("/", fi))
	return sb, nil
}

func (sb *SuperBlock) Root() *Dentry { return sb.root }

func (sb *SuperBlock) FS() *ProviderFS { return sb.fs }

func (sb *SuperBlock) Readonly() bool { return sb.fs.provider.Readonly() }

// iget returns the cached inode for fi, creating it on first sight.
func (sb *SuperBlock) iget(path string, fi FileInfo) *Inode {
	ino := fi.Ino()
	if ino == 0 {
		ino = syntheticInode(path, fi.IsDir())
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if in, ok := sb.inodes[ino]; ok {
		in.update(fi)
		return in
	}

	in := &Inode{sb: sb, ino: ino, nlink: 1}
	in.update(fi)
	switch {
	case in.mode.IsDir():
		in.ops.Store(sb.fs.dirOps)
		in.fops.Store(sb.fs.dirFops)
	case in.mode&os.ModeSymlink != 0:
		in.ops.Store(sb.fs.linkOps)
		in.fops.Store(sb.fs.linkFops)
	default:
		in.ops.Store(sb.fs.regOps)
		in.fops.Store(sb.fs.regFops)
	}
	sb.inodes[ino] = in
	return in
}

// forgetInode evicts in from the inode cache once nothing refers to it.
func (sb *SuperBlock) forgetInode(in *Inode) {
	if len(in.Aliases()) > 0 {
		return
	}
	sb.mu.Lock()
	if cur, ok := sb.inodes[in.ino]; ok && cur == in {
		delete(sb.inodes, in.ino)
	}
	sb.mu.Unlock()
}

func (fs *ProviderFS) revalidate(d *Dentry) (bool, error) {
	_, err := fs.provider.Stat(d.fsPath())
	if err != nil {
		if isNotExist(err) {
			return d.Negative(), nil
		}
		return false, err
	}
	return !d.Negative(), nil
}

func (fs *ProviderFS) deleteNegative(d *Dentry) bool { return true }

func (fs *ProviderFS) readonlyPermission(in *Inode, mask int) error {
	if mask&MayWrite != 0 {
		return syscall.EROFS
	}
	return nil
}

func (fs *ProviderFS) lookup(dir *Inode, d *Dentry) error {
	path := d.fsPath()
	fi, err := fs.provider.Stat(path)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	d.Instantiate(d.sb.iget(path, fi))
	return nil
}

func (fs *ProviderFS) instantiate(d *Dentry) error {
	path := d.fsPath()
	fi, err := fs.provider.Stat(path)
	if err != nil {
		return err
	}
	d.Instantiate(d.sb.iget(path, fi))
	return nil
}

func (fs *ProviderFS) create(dir *Inode, d *Dentry, mode os.FileMode) error {
	h, err := fs.provider.Create(d.fsPath(), mode)
	if err != nil {
		return err
	}
	if err := h.Close(); err != nil {
		return err
	}
	return fs.instantiate(d)
}

func (fs *ProviderFS) mkdir(dir *Inode, d *Dentry, mode os.FileMode) error {
	if err := fs.provider.Mkdir(d.fsPath(), mode); err != nil {
		return err
	}
	return fs.instantiate(d)
}

func (fs *ProviderFS) unlink(dir *Inode, d *Dentry) error {
	if err := fs.provider.Remove(d.fsPath()); err != nil {
		return err
	}
	if in := d.Inode(); in != nil {
		if n := in.Nlink(); n > 0 {
			in.setNlink(n - 1)
		}
	}
	return nil
}

func (fs *ProviderFS) rmdir(dir *Inode, d *Dentry) error {
	if err := fs.provider.Remove(d.fsPath()); err != nil {
		return err
	}
	if in := d.Inode(); in != nil {
		in.setNlink(0)
	}
	return nil
}

func (fs *ProviderFS) rename(oldDir *Inode, oldD *Dentry, newDir *Inode, newD *Dentry) error {
	if err := fs.provider.Rename(oldD.fsPath(), newD.fsPath()); err != nil {
		return err
	}
	if in := newD.Inode(); in != nil {
		if n := in.Nlink(); n > 0 {
			in.setNlink(n - 1)
		}
	}
	oldD.Move(newD)
	return nil
}

func (fs *ProviderFS) link(old *Dentry, dir *Inode, newD *Dentry) error {
	in := old.Inode()
	if err := fs.provider.Link(old.fsPath(), newD.fsPath()); err != nil {
		return err
	}
	in.setNlink(in.Nlink() + 1)
	newD.Instantiate(in)
	return nil
}

func (fs *ProviderFS) symlink(dir *Inode, d *Dentry, target string) error {
	path := d.fsPath()
	if err := fs.provider.Symlink(target, path); err != nil {
		return err
	}
	fi := NewFileInfo(d.Name(), int64(len(target)), os.ModeSymlink|0777, time.Now(), false)
	d.Instantiate(d.sb.iget(path, fi))
	return nil
}

func (fs *ProviderFS) getattr(d *Dentry) (Attr, error) {
	in := d.Inode()
	if in == nil {
		return Attr{}, syscall.ENOENT
	}
	if in.Mode()&os.ModeSymlink != 0 {
		return in.Attr(), nil
	}
	fi, err := fs.provider.Stat(d.fsPath())
	if err != nil {
		return Attr{}, err
	}
	in.update(fi)
	return in.Attr(), nil
}

func (fs *ProviderFS) setattr(d *Dentry, attr SetAttr) error {
	path := d.fsPath()
	if attr.Mode != nil {
		if err := fs.provider.Chmod(path, *attr.Mode); err != nil {
			return err
		}
	}
	if attr.Size != nil {
		h, err := fs.provider.Open(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		terr := h.Truncate(*attr.Size)
		if err := h.Close(); terr == nil {
			terr = err
		}
		if terr != nil {
			return terr
		}
	}
	_, err := fs.getattr(d)
	return err
}

func (fs *ProviderFS) open(in *Inode, f *File) error {
	if in.IsDir() {
		return nil
	}
	h, err := fs.provider.Open(f.dentry.fsPath(), f.flags&^(os.O_CREATE|os.O_EXCL), 0)
	if err != nil {
		return err
	}
	f.SetPrivate(h)
	return nil
}

func (fs *ProviderFS) release(in *Inode, f *File) error {
	h, ok := f.Private().(Handle)
	if !ok {
		return nil
	}
	f.SetPrivate(nil)
	return h.Close()
}

func handleOf(f *File) (Handle, error) {
	h, ok := f.Private().(Handle)
	if !ok {
		return nil, syscall.EBADF
	}
	return h, nil
}

func (fs *ProviderFS) read(f *File, p []byte, off int64) (int, error) {
	h, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	n, err := h.ReadAt(p, off)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

func (fs *ProviderFS) write(f *File, p []byte, off int64) (int, error) {
	h, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	n, err := h.WriteAt(p, off)
	if fi, serr := h.Stat(); serr == nil {
		f.inode.mu.Lock()
		f.inode.size = fi.Size()
		f.inode.modTime = fi.ModTime()
		f.inode.mu.Unlock()
	}
	return n, err
}

func (fs *ProviderFS) fsync(f *File) error {
	h, err := handleOf(f)
	if err != nil {
		return err
	}
	return h.Sync()
}

func (fs *ProviderFS) readdir(f *File) ([]DirEntry, error) {
	entries, err := fs.provider.ReadDir(f.dentry.fsPath())
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

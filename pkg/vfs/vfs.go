package vfs

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"

	"gvisor.dev/gvisor/pkg/fspath"
	"gvisor.dev/gvisor/pkg/sync"
)

// MountObserver is notified when file systems are attached to or detached
// from the namespace.
type MountObserver interface {
	Mounted(root *Dentry)
	Unmounting(root *Dentry)
}

// RenameObserver is implemented by mount observers that also want to know
// about renames. Renamed runs after the cache reflects the new name.
type RenameObserver interface {
	Renamed(d *Dentry, from string)
}

type Options struct {
	Logger *slog.Logger
}

// VFS is a dentry-cached namespace of mounted ProviderFS instances. Every
// operation is routed through the operation tables of the objects involved,
// re-read on each call.
type VFS struct {
	// treeMu guards the dentry tree. It is never held across a call into an
	// operation table.
	treeMu sync.RWMutex

	// nsMu serialises namespace changes: lookups that populate the cache,
	// create, remove, rename, link and mount.
	nsMu sync.Mutex

	root   *Dentry
	logger *slog.Logger

	obsMu     sync.Mutex
	observers []MountObserver
}

func New(root *ProviderFS, opts Options) (*VFS, error) {
	v := &VFS{logger: opts.Logger}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	sb, err := newSuperBlock(v, root)
	if err != nil {
		return nil, err
	}
	v.root = sb.root
	return v, nil
}

func (v *VFS) Root() *Dentry { return v.root }

func (v *VFS) AddObserver(o MountObserver) {
	v.obsMu.Lock()
	v.observers = append(v.observers, o)
	v.obsMu.Unlock()
}

func (v *VFS) snapshotObservers() []MountObserver {
	v.obsMu.Lock()
	defer v.obsMu.Unlock()
	return append([]MountObserver(nil), v.observers...)
}

// absent is the error for a namespace operation the driver left nil.
func absent(sb *SuperBlock) error {
	if sb.Readonly() {
		return syscall.EROFS
	}
	return syscall.EPERM
}

func (v *VFS) permission(in *Inode, mask int) error {
	if p := in.Ops().Permission; p != nil {
		return p(in, mask)
	}
	return nil
}

func (v *VFS) crossMounts(d *Dentry) *Dentry {
	v.treeMu.RLock()
	defer v.treeMu.RUnlock()
	for d.mounted != nil {
		d = d.mounted
	}
	return d
}

func (v *VFS) up(d *Dentry) *Dentry {
	v.treeMu.RLock()
	defer v.treeMu.RUnlock()
	for d.mountpoint != nil {
		d = d.mountpoint
	}
	if d.parent != nil {
		d = d.parent
	}
	return d
}

// step resolves one component below dir, consulting the cache first.
func (v *VFS) step(dir *Dentry, name string) (*Dentry, error) {
	switch name {
	case ".":
		return dir, nil
	case "..":
		return v.crossMounts(v.up(dir)), nil
	}
	in := dir.Inode()
	if in == nil {
		return nil, syscall.ENOENT
	}
	if !in.IsDir() {
		return nil, syscall.ENOTDIR
	}
	if err := v.permission(in, MayExec); err != nil {
		return nil, err
	}

	v.treeMu.RLock()
	child := dir.children[name]
	v.treeMu.RUnlock()
	if child != nil {
		if ok, err := v.revalidate(child); err != nil {
			return nil, err
		} else if ok {
			return v.crossMounts(child), nil
		}
	}

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	child, err := v.lookupLocked(dir, name)
	if err != nil {
		return nil, err
	}
	return v.crossMounts(child), nil
}

func (v *VFS) revalidate(d *Dentry) (bool, error) {
	rv := d.Ops().Revalidate
	if rv == nil {
		return true, nil
	}
	return rv(d)
}

// lookupLocked returns the dentry for name in dir, running the driver's
// Lookup on a cache miss. The result may be negative. nsMu must be held.
func (v *VFS) lookupLocked(dir *Dentry, name string) (*Dentry, error) {
	v.treeMu.RLock()
	child := dir.children[name]
	v.treeMu.RUnlock()
	if child != nil {
		ok, err := v.revalidate(child)
		if err != nil {
			return nil, err
		}
		if ok {
			return child, nil
		}
		if err := v.dropLocked(child); err != nil {
			return nil, err
		}
	}

	in := dir.Inode()
	if in == nil {
		return nil, syscall.ENOENT
	}
	lookup := in.Ops().Lookup
	if lookup == nil {
		return nil, syscall.ENOTDIR
	}

	d := newDentry(dir.sb, dir, name)
	v.treeMu.Lock()
	d.hashLocked()
	v.treeMu.Unlock()

	if err := lookup(in, d); err != nil {
		v.discardLocked(d)
		return nil, err
	}
	if d.Negative() {
		if del := d.Ops().Delete; del != nil && del(d) {
			v.discardLocked(d)
		}
	}
	return d, nil
}

// resolveParent walks every component but the last and returns the parent
// directory with the final name. The final name is empty for "/".
func (v *VFS) resolveParent(path string) (*Dentry, string, error) {
	p := fspath.Parse(path)
	if !p.Absolute {
		return nil, "", syscall.EINVAL
	}
	dir := v.crossMounts(v.root)
	it := p.Begin
	if !it.Ok() {
		return dir, "", nil
	}
	for {
		name := it.String()
		next := it.Next()
		if !next.Ok() {
			if name == "." || name == ".." {
				d, err := v.step(dir, name)
				if err != nil {
					return nil, "", err
				}
				return d, "", nil
			}
			return dir, name, nil
		}
		d, err := v.step(dir, name)
		if err != nil {
			return nil, "", err
		}
		if d.Negative() {
			return nil, "", syscall.ENOENT
		}
		dir = d
		it = next
	}
}

// Lookup resolves path to a positive dentry.
func (v *VFS) Lookup(path string) (*Dentry, error) {
	dir, name, err := v.resolveParent(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return dir, nil
	}
	d, err := v.step(dir, name)
	if err != nil {
		return nil, err
	}
	if d.Negative() {
		return nil, syscall.ENOENT
	}
	return d, nil
}

func openMask(flags int) int {
	mask := 0
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		mask = MayRead
	case os.O_WRONLY:
		mask = MayWrite
	case os.O_RDWR:
		mask = MayRead | MayWrite
	}
	if flags&os.O_TRUNC != 0 {
		mask |= MayWrite
	}
	return mask
}

func (v *VFS) Open(path string, flags int, mode os.FileMode) (*File, error) {
	dir, name, err := v.resolveParent(path)
	if err != nil {
		return nil, err
	}

	var d *Dentry
	switch {
	case name == "":
		d = dir
	case flags&os.O_CREATE != 0:
		d, err = v.createChild(dir, name, flags, mode)
	default:
		d, err = v.step(dir, name)
		if err == nil && d.Negative() {
			err = syscall.ENOENT
		}
	}
	if err != nil {
		return nil, err
	}

	in := d.Inode()
	if in == nil {
		return nil, syscall.ENOENT
	}
	if in.IsDir() && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, syscall.EISDIR
	}
	if err := v.permission(in, openMask(flags)); err != nil {
		return nil, err
	}

	f := &File{dentry: d, inode: in, flags: flags}
	f.SetOps(in.FileOps())
	if open := f.Ops().Open; open != nil {
		if err := open(in, f); err != nil {
			return nil, err
		}
	}
	d.sb.openFiles.Add(1)
	return f, nil
}

func (v *VFS) createChild(dir *Dentry, name string, flags int, mode os.FileMode) (*Dentry, error) {
	v.nsMu.Lock()
	defer v.nsMu.Unlock()

	d, err := v.lookupLocked(dir, name)
	if err != nil {
		return nil, err
	}
	if !d.Negative() {
		if flags&os.O_EXCL != 0 {
			return nil, syscall.EEXIST
		}
		return v.crossMounts(d), nil
	}

	din := dir.Inode()
	if err := v.permission(din, MayWrite|MayExec); err != nil {
		return nil, err
	}
	create := din.Ops().Create
	if create == nil {
		return nil, absent(dir.sb)
	}
	d = v.rehash(dir, d)
	if err := create(din, d, mode.Perm()); err != nil {
		return nil, err
	}
	return d, nil
}

// rehash makes sure d is in the cache before a driver instantiates it; a
// negative dentry may have been dropped by Delete.
func (v *VFS) rehash(dir, d *Dentry) *Dentry {
	v.treeMu.Lock()
	defer v.treeMu.Unlock()
	if !d.hashed {
		if cur, ok := dir.children[d.name]; ok {
			return cur
		}
		d.hashLocked()
	}
	return d
}

func (v *VFS) Create(path string, mode os.FileMode) (*File, error) {
	return v.Open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
}

var errClosed = syscall.EBADF

func (f *File) readable() bool { return f.flags&os.O_WRONLY == 0 }

func (f *File) writable() bool { return f.flags&(os.O_WRONLY|os.O_RDWR) != 0 }

// Read reads at the file position and advances it.
func (v *VFS) Read(f *File, p []byte) (int, error) {
	pos := f.Pos()
	n, err := v.Pread(f, p, pos)
	f.setPos(pos + int64(n))
	return n, err
}

func (v *VFS) Pread(f *File, p []byte, off int64) (int, error) {
	if f.closed.Load() || !f.readable() {
		return 0, errClosed
	}
	read := f.Ops().Read
	if read == nil {
		return 0, syscall.EINVAL
	}
	return read(f, p, off)
}

// Write writes at the file position, or at end of file for O_APPEND, and
// advances the position.
func (v *VFS) Write(f *File, p []byte) (int, error) {
	pos := f.Pos()
	if f.flags&os.O_APPEND != 0 {
		pos = f.inode.Attr().Size
	}
	n, err := v.Pwrite(f, p, pos)
	f.setPos(pos + int64(n))
	return n, err
}

func (v *VFS) Pwrite(f *File, p []byte, off int64) (int, error) {
	if f.closed.Load() || !f.writable() {
		return 0, errClosed
	}
	write := f.Ops().Write
	if write == nil {
		return 0, syscall.EINVAL
	}
	return write(f, p, off)
}

func (v *VFS) Seek(f *File, off int64, whence int) (int64, error) {
	if f.closed.Load() {
		return 0, errClosed
	}
	if llseek := f.Ops().Llseek; llseek != nil {
		pos, err := llseek(f, off, whence)
		if err != nil {
			return 0, err
		}
		f.setPos(pos)
		return pos, nil
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = off
	case io.SeekCurrent:
		pos = f.Pos() + off
	case io.SeekEnd:
		pos = f.inode.Attr().Size + off
	default:
		return 0, syscall.EINVAL
	}
	if pos < 0 {
		return 0, syscall.EINVAL
	}
	f.setPos(pos)
	return pos, nil
}

func (v *VFS) ReadDir(f *File) ([]DirEntry, error) {
	if f.closed.Load() {
		return nil, errClosed
	}
	readdir := f.Ops().Readdir
	if readdir == nil {
		return nil, syscall.ENOTDIR
	}
	return readdir(f)
}

func (v *VFS) Fsync(f *File) error {
	if f.closed.Load() {
		return errClosed
	}
	fsync := f.Ops().Fsync
	if fsync == nil {
		return syscall.EINVAL
	}
	return fsync(f)
}

// Close flushes and releases f.
func (v *VFS) Close(f *File) error {
	if f.closed.Swap(true) {
		return errClosed
	}
	defer f.dentry.sb.openFiles.Add(-1)

	ops := f.Ops()
	var err error
	if ops.Flush != nil {
		err = ops.Flush(f)
	}
	if ops.Release != nil {
		if rerr := ops.Release(f.inode, f); err == nil {
			err = rerr
		}
	}
	return err
}

func (v *VFS) Stat(path string) (Attr, error) {
	d, err := v.Lookup(path)
	if err != nil {
		return Attr{}, err
	}
	return v.getattr(d)
}

func (v *VFS) getattr(d *Dentry) (Attr, error) {
	in := d.Inode()
	if in == nil {
		return Attr{}, syscall.ENOENT
	}
	if getattr := in.Ops().Getattr; getattr != nil {
		return getattr(d)
	}
	return in.Attr(), nil
}

// Fstat returns the attributes of the object f was opened on.
func (v *VFS) Fstat(f *File) (Attr, error) {
	return v.getattr(f.dentry)
}

func (v *VFS) setattr(path string, attr SetAttr) error {
	d, err := v.Lookup(path)
	if err != nil {
		return err
	}
	in := d.Inode()
	if err := v.permission(in, MayWrite); err != nil {
		return err
	}
	setattr := in.Ops().Setattr
	if setattr == nil {
		return absent(d.sb)
	}
	return setattr(d, attr)
}

func (v *VFS) Chmod(path string, mode os.FileMode) error {
	return v.setattr(path, SetAttr{Mode: &mode})
}

func (v *VFS) Truncate(path string, size int64) error {
	return v.setattr(path, SetAttr{Size: &size})
}

// lockChild resolves the parent of path, takes nsMu and looks up the final
// component, which may be negative. On success the caller releases nsMu.
func (v *VFS) lockChild(path string) (*Dentry, *Dentry, error) {
	dir, name, err := v.resolveParent(path)
	if err != nil {
		return nil, nil, err
	}
	if name == "" {
		return nil, nil, syscall.EBUSY
	}
	v.nsMu.Lock()
	d, err := v.lookupLocked(dir, name)
	if err != nil {
		v.nsMu.Unlock()
		return nil, nil, err
	}
	return dir, d, nil
}

func (v *VFS) Mkdir(path string, mode os.FileMode) error {
	dir, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	if name == "" {
		return syscall.EEXIST
	}

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	d, err := v.lookupLocked(dir, name)
	if err != nil {
		return err
	}
	if !d.Negative() {
		return syscall.EEXIST
	}
	din := dir.Inode()
	if err := v.permission(din, MayWrite|MayExec); err != nil {
		return err
	}
	mkdir := din.Ops().Mkdir
	if mkdir == nil {
		return absent(dir.sb)
	}
	return mkdir(din, v.rehash(dir, d), mode.Perm())
}

func (v *VFS) Unlink(path string) error {
	dir, d, err := v.lockChild(path)
	if err != nil {
		return err
	}
	defer v.nsMu.Unlock()
	in := d.Inode()
	if in == nil {
		return syscall.ENOENT
	}
	if in.IsDir() {
		return syscall.EISDIR
	}
	din := dir.Inode()
	if err := v.permission(din, MayWrite|MayExec); err != nil {
		return err
	}
	unlink := din.Ops().Unlink
	if unlink == nil {
		return absent(dir.sb)
	}
	if err := unlink(din, d); err != nil {
		return err
	}
	return v.dropLocked(d)
}

func (v *VFS) Rmdir(path string) error {
	dir, d, err := v.lockChild(path)
	if err != nil {
		return err
	}
	defer v.nsMu.Unlock()
	in := d.Inode()
	if in == nil {
		return syscall.ENOENT
	}
	if !in.IsDir() {
		return syscall.ENOTDIR
	}
	if d.Mounted() != nil {
		return syscall.EBUSY
	}
	din := dir.Inode()
	if err := v.permission(din, MayWrite|MayExec); err != nil {
		return err
	}
	rmdir := din.Ops().Rmdir
	if rmdir == nil {
		return absent(dir.sb)
	}
	if err := rmdir(din, d); err != nil {
		return err
	}
	return v.dropLocked(d)
}

func (v *VFS) isAncestor(ancestor, d *Dentry) bool {
	v.treeMu.RLock()
	defer v.treeMu.RUnlock()
	for cur := d; cur != nil; cur = cur.parentLocked() {
		if cur == ancestor {
			return true
		}
	}
	return false
}

func (v *VFS) Rename(oldPath, newPath string) error {
	oldDir, oldName, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	newDir, newName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}
	if oldName == "" || newName == "" {
		return syscall.EBUSY
	}
	if oldDir.sb != newDir.sb {
		return syscall.EXDEV
	}

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	oldD, err := v.lookupLocked(oldDir, oldName)
	if err != nil {
		return err
	}
	if oldD.Negative() {
		return syscall.ENOENT
	}
	if oldD.Mounted() != nil {
		return syscall.EBUSY
	}
	newD, err := v.lookupLocked(newDir, newName)
	if err != nil {
		return err
	}
	if oldD == newD {
		return nil
	}
	if v.isAncestor(oldD, newDir) {
		return syscall.EINVAL
	}
	if newD.Mounted() != nil {
		return syscall.EBUSY
	}

	oldIn, newIn := oldDir.Inode(), newDir.Inode()
	for _, in := range []*Inode{oldIn, newIn} {
		if err := v.permission(in, MayWrite|MayExec); err != nil {
			return err
		}
	}
	rename := oldIn.Ops().Rename
	if rename == nil {
		return absent(oldDir.sb)
	}
	from := oldD.Path()
	newD = v.rehash(newDir, newD)
	if err := rename(oldIn, oldD, newIn, newD); err != nil {
		return err
	}
	for _, o := range v.snapshotObservers() {
		if ro, ok := o.(RenameObserver); ok {
			ro.Renamed(oldD, from)
		}
	}
	return v.dropLocked(newD)
}

func (v *VFS) Link(oldPath, newPath string) error {
	oldDir, oldName, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	dir, newName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}
	if oldName == "" || newName == "" {
		return syscall.EPERM
	}

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	oldD, err := v.lookupLocked(oldDir, oldName)
	if err != nil {
		return err
	}
	in := oldD.Inode()
	if in == nil {
		return syscall.ENOENT
	}
	if in.IsDir() {
		return syscall.EPERM
	}
	newD, err := v.lookupLocked(dir, newName)
	if err != nil {
		return err
	}
	if !newD.Negative() {
		return syscall.EEXIST
	}
	if dir.sb != oldD.sb {
		return syscall.EXDEV
	}
	din := dir.Inode()
	if err := v.permission(din, MayWrite|MayExec); err != nil {
		return err
	}
	link := din.Ops().Link
	if link == nil {
		return absent(dir.sb)
	}
	return link(oldD, din, v.rehash(dir, newD))
}

func (v *VFS) Symlink(target, linkPath string) error {
	dir, d, err := v.lockChild(linkPath)
	if err != nil {
		return err
	}
	defer v.nsMu.Unlock()
	if !d.Negative() {
		return syscall.EEXIST
	}
	din := dir.Inode()
	if err := v.permission(din, MayWrite|MayExec); err != nil {
		return err
	}
	symlink := din.Ops().Symlink
	if symlink == nil {
		return absent(dir.sb)
	}
	return symlink(din, v.rehash(dir, d), target)
}

// Forget drops path and its cached descendants from the dentry cache. The
// backing objects are untouched and are looked up again on next access. It
// fails with EBUSY when a file system is mounted below path or a dentry at or
// below it is pinned.
func (v *VFS) Forget(path string) error {
	_, d, err := v.lockChild(path)
	if err != nil {
		return err
	}
	defer v.nsMu.Unlock()
	if v.hasMount(d) || v.hasPinned(d) {
		return syscall.EBUSY
	}
	return v.evictLocked(d)
}

func (v *VFS) hasPinned(d *Dentry) bool {
	if d.Pinned() {
		return true
	}
	for _, c := range d.Children() {
		if v.hasPinned(c) {
			return true
		}
	}
	return false
}

// evictLocked is dropLocked for cache eviction. A dentry pinned after the
// caller's check stays, and so do its ancestors. nsMu must be held.
func (v *VFS) evictLocked(d *Dentry) error {
	for _, c := range d.Children() {
		if c.Mounted() != nil {
			return syscall.EBUSY
		}
		if err := v.evictLocked(c); err != nil {
			return err
		}
	}
	v.treeMu.Lock()
	if d.pins > 0 {
		v.treeMu.Unlock()
		return syscall.EBUSY
	}
	d.unhashLocked()
	in := d.detachInodeLocked()
	v.treeMu.Unlock()
	v.released(d, in)
	return nil
}

func (v *VFS) hasMount(d *Dentry) bool {
	if d.Mounted() != nil {
		return true
	}
	for _, c := range d.Children() {
		if v.hasMount(c) {
			return true
		}
	}
	return false
}

// dropLocked removes d and its cached descendants from the cache, children
// first, delivering Iput and Release on each. nsMu must be held.
func (v *VFS) dropLocked(d *Dentry) error {
	for _, c := range d.Children() {
		if c.Mounted() != nil {
			return syscall.EBUSY
		}
		if err := v.dropLocked(c); err != nil {
			return err
		}
	}
	v.discardLocked(d)
	return nil
}

func (v *VFS) discardLocked(d *Dentry) {
	v.treeMu.Lock()
	d.unhashLocked()
	in := d.detachInodeLocked()
	v.treeMu.Unlock()
	v.released(d, in)
}

// released delivers Iput and Release for a dentry that has left the cache.
func (v *VFS) released(d *Dentry, in *Inode) {
	ops := d.Ops()
	if in != nil {
		if ops.Iput != nil {
			ops.Iput(d, in)
		}
		in.sb.forgetInode(in)
	}
	if ops.Release != nil {
		ops.Release(d)
	}
}

// Mount attaches fs on the directory at path.
func (v *VFS) Mount(path string, fs *ProviderFS) error {
	d, err := v.Lookup(path)
	if err != nil {
		return err
	}

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	if !d.Inode().IsDir() {
		return syscall.ENOTDIR
	}
	sb, err := newSuperBlock(v, fs)
	if err != nil {
		return err
	}

	v.treeMu.Lock()
	if d.mounted != nil {
		v.treeMu.Unlock()
		return syscall.EBUSY
	}
	d.mounted = sb.root
	sb.root.mountpoint = d
	v.treeMu.Unlock()

	v.logger.Info("mounted file system", "path", path, "fs", fs.name)
	for _, o := range v.snapshotObservers() {
		o.Mounted(sb.root)
	}
	return nil
}

// Unmount detaches the file system mounted at path. It fails with EBUSY
// while files are open on it or other file systems are mounted below it.
func (v *VFS) Unmount(path string) error {
	root, err := v.Lookup(path)
	if err != nil {
		return err
	}

	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	v.treeMu.RLock()
	mp := root.mountpoint
	v.treeMu.RUnlock()
	if mp == nil {
		return syscall.EINVAL
	}
	if root.sb.openFiles.Load() > 0 {
		return syscall.EBUSY
	}
	for _, c := range root.Children() {
		if v.hasMount(c) {
			return syscall.EBUSY
		}
	}

	for _, o := range v.snapshotObservers() {
		o.Unmounting(root)
	}
	if err := v.dropLocked(root); err != nil {
		return err
	}

	v.treeMu.Lock()
	mp.mounted = nil
	root.mountpoint = nil
	v.treeMu.Unlock()

	v.logger.Info("unmounted file system", "path", path, "fs", root.sb.fs.name)
	return nil
}

// ReadFile is a convenience wrapper that opens, reads and closes path.
func (v *VFS) ReadFile(path string) ([]byte, error) {
	f, err := v.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer v.Close(f)

	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := v.Read(f, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// WriteFile creates or truncates path and writes data to it.
func (v *VFS) WriteFile(path string, data []byte, mode os.FileMode) error {
	f, err := v.Create(path, mode)
	if err != nil {
		return err
	}
	_, werr := v.Write(f, data)
	if cerr := v.Close(f); werr == nil {
		werr = cerr
	}
	return werr
}

package redirfs

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// shadow is the state common to every record: the Info calls dispatch
// through, the installed slots and per-filter data.
type shadow struct {
	// mu guards Info swaps, hook installation and the record's links. A
	// goroutine holds at most one published record lock at a time; trackFile
	// also locks the new file record, which no other goroutine can reach yet.
	mu   sync.Mutex
	info atomic.Pointer[Info]
	hook hookState
	dead bool

	dataMu sync.Mutex
	data   map[*Filter]any
}

// acquire returns a referenced Info when op is routed on the record. An Info
// released between the load and tryGet has already been replaced, so the
// load is retried: the pointer a record holds always carries a reference.
func (s *shadow) acquire(op OpID) (*Info, bool) {
	if s == nil || !s.hook.mask.has(op) {
		return nil, false
	}
	for {
		info := s.info.Load()
		if info == nil {
			return nil, false
		}
		if info.tryGet() {
			return info, true
		}
	}
}

// swapInfo installs info, taking a reference, unless the record already
// behaves the same way. It reports whether the Info changed. s.mu must be
// held.
func (s *shadow) swapInfo(info *Info) bool {
	old := s.info.Load()
	if old != nil && sameScope(old, info) {
		return false
	}
	info.get()
	s.info.Store(info)
	if old != nil {
		old.put()
	}
	return true
}

// dropInfo releases the record's Info. s.mu must be held.
func (s *shadow) dropInfo() {
	if old := s.info.Swap(nil); old != nil {
		old.put()
	}
}

// releaseData detaches every value and releases those that ask for it.
func (s *shadow) releaseData() {
	s.dataMu.Lock()
	data := s.data
	s.data = nil
	s.dataMu.Unlock()
	for _, v := range data {
		if r, ok := v.(DataReleaser); ok {
			r.ReleaseData()
		}
	}
}

type dentryRecord struct {
	shadow
	dentry *vfs.Dentry
	orig   *vfs.DentryOperations

	// Guarded by mu.
	inode *inodeRecord
	files map[*fileRecord]struct{}
}

type inodeRecord struct {
	shadow
	inode *vfs.Inode
	orig  *vfs.InodeOperations
	origF *vfs.FileOperations
	fhook hookState

	// Guarded by mu.
	dentries map[*dentryRecord]struct{}
	nlink    uint32
}

type fileRecord struct {
	shadow
	file   *vfs.File
	dentry *dentryRecord
	orig   *vfs.FileOperations
}

func (e *Engine) dentryRecord(d *vfs.Dentry) *dentryRecord {
	if v, ok := e.dentries.Load(d); ok {
		return v.(*dentryRecord)
	}
	return nil
}

func (e *Engine) inodeRecord(in *vfs.Inode) *inodeRecord {
	if v, ok := e.inodes.Load(in); ok {
		return v.(*inodeRecord)
	}
	return nil
}

func (e *Engine) fileRecord(f *vfs.File) *fileRecord {
	if v, ok := e.files.Load(f); ok {
		return v.(*fileRecord)
	}
	return nil
}

func (e *Engine) dentryShadow(d *vfs.Dentry) *shadow {
	if r := e.dentryRecord(d); r != nil {
		return &r.shadow
	}
	return nil
}

func (e *Engine) inodeShadow(in *vfs.Inode) *shadow {
	if in == nil {
		return nil
	}
	if r := e.inodeRecord(in); r != nil {
		return &r.shadow
	}
	return nil
}

func (e *Engine) fileShadow(f *vfs.File) *shadow {
	if r := e.fileRecord(f); r != nil {
		return &r.shadow
	}
	return nil
}

// reserveRecord accounts for one more record, failing once MaxRecords is
// reached.
func (e *Engine) reserveRecord() error {
	if n := e.records.Add(1); e.maxRecords > 0 && n > e.maxRecords {
		e.records.Add(-1)
		return ErrAllocationFailure
	}
	return nil
}

func (e *Engine) unreserveRecord() { e.records.Add(-1) }

// Records returns the number of live shadow records.
func (e *Engine) Records() int64 { return e.records.Load() }

// dentryRecordFor returns the record of d, creating it if needed.
func (e *Engine) dentryRecordFor(d *vfs.Dentry) (*dentryRecord, error) {
	if r := e.dentryRecord(d); r != nil {
		return r, nil
	}
	if err := e.reserveRecord(); err != nil {
		return nil, err
	}
	r := &dentryRecord{dentry: d, orig: d.Ops(), files: make(map[*fileRecord]struct{})}
	if v, loaded := e.dentries.LoadOrStore(d, r); loaded {
		e.unreserveRecord()
		return v.(*dentryRecord), nil
	}
	return r, nil
}

func (e *Engine) inodeRecordFor(in *vfs.Inode) (*inodeRecord, error) {
	if r := e.inodeRecord(in); r != nil {
		return r, nil
	}
	if err := e.reserveRecord(); err != nil {
		return nil, err
	}
	r := &inodeRecord{
		inode:    in,
		orig:     in.Ops(),
		origF:    in.FileOps(),
		dentries: make(map[*dentryRecord]struct{}),
		nlink:    in.Nlink(),
	}
	if v, loaded := e.inodes.LoadOrStore(in, r); loaded {
		e.unreserveRecord()
		return v.(*inodeRecord), nil
	}
	return r, nil
}

// setDentryInfo moves d onto info: the record is created, updated or, for
// the empty Info, detached. The dentry's inode record and open files follow.
func (e *Engine) setDentryInfo(d *vfs.Dentry, info *Info) error {
	if info.empty() {
		if r := e.dentryRecord(d); r != nil {
			e.detachDentry(r)
		}
		return nil
	}
	r, err := e.dentryRecordFor(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return nil
	}
	r.swapInfo(info)
	e.rehookDentryLocked(r)
	cur := r.inode
	files := make([]*fileRecord, 0, len(r.files))
	for fr := range r.files {
		files = append(files, fr)
	}
	r.mu.Unlock()

	in := d.Inode()
	if cur != nil && cur.inode != in {
		e.unlinkInode(r, cur)
		cur = nil
	}
	if in != nil {
		if err := e.linkInode(r, in); err != nil {
			return err
		}
	}
	for _, fr := range files {
		fr.mu.Lock()
		if !fr.dead {
			fr.swapInfo(info)
			e.rehookFileLocked(fr)
		}
		fr.mu.Unlock()
	}
	return nil
}

func (e *Engine) rehookDentryLocked(r *dentryRecord) {
	want := dentryKind.want(r.orig, typeOfDentry(r.dentry), r.info.Load())
	if !r.hook.update(want) {
		return
	}
	table := e.hooks.dentry(r.orig, e.dentryTrampolines(r.orig), want)
	r.hook.set(want)
	r.dentry.SetOps(table)
}

// detachDentry restores d's original table and forgets its record, its
// files and, when d was the last alias, its inode record.
func (e *Engine) detachDentry(r *dentryRecord) {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return
	}
	r.dead = true
	r.dentry.SetOps(r.orig)
	r.hook.reset()
	r.dropInfo()
	ir := r.inode
	r.inode = nil
	files := r.files
	r.files = nil
	r.mu.Unlock()

	e.dentries.Delete(r.dentry)
	e.unreserveRecord()
	if ir != nil {
		e.unlinkInode(r, ir)
	}
	for fr := range files {
		e.detachFile(fr)
	}
	r.releaseData()
}

// linkInode attaches r to the record of in and re-derives the inode's Info.
func (e *Engine) linkInode(r *dentryRecord, in *vfs.Inode) error {
	ir, err := e.inodeRecordFor(in)
	if err != nil {
		return err
	}
	ir.mu.Lock()
	if ir.dead {
		ir.mu.Unlock()
		// Lost a race with the last alias going away; the dead record is
		// already out of the map.
		return e.linkInode(r, in)
	}
	ir.dentries[r] = struct{}{}
	ir.nlink = in.Nlink()
	ir.mu.Unlock()

	r.mu.Lock()
	dead := r.dead
	if !dead {
		r.inode = ir
	}
	r.mu.Unlock()

	if dead {
		e.unlinkInode(r, ir)
		return nil
	}
	e.refreshInode(ir)
	return nil
}

// unlinkInode drops r from the aliases of ir. The inode record goes away
// with its last alias.
func (e *Engine) unlinkInode(r *dentryRecord, ir *inodeRecord) {
	ir.mu.Lock()
	delete(ir.dentries, r)
	ir.nlink = ir.inode.Nlink()
	if len(ir.dentries) > 0 {
		ir.mu.Unlock()
		e.refreshInode(ir)
		return
	}
	if ir.dead {
		ir.mu.Unlock()
		return
	}
	ir.dead = true
	ir.inode.SetOps(ir.orig)
	ir.inode.SetFileOps(ir.origF)
	ir.hook.reset()
	ir.fhook.reset()
	ir.dropInfo()
	if e.inodes.CompareAndDelete(ir.inode, ir) {
		e.unreserveRecord()
	}
	ir.mu.Unlock()
	ir.releaseData()
}

// refreshInode recomputes the Info of an inode from its aliases. When they
// agree the shared Info is reused; otherwise the inode runs the join of
// their chains.
func (e *Engine) refreshInode(ir *inodeRecord) {
	ir.mu.Lock()
	aliases := make([]*dentryRecord, 0, len(ir.dentries))
	for r := range ir.dentries {
		aliases = append(aliases, r)
	}
	ir.mu.Unlock()

	var infos []*Info
	for _, r := range aliases {
		if info := r.info.Load(); info != nil && info.tryGet() {
			infos = append(infos, info)
		}
	}
	defer func() {
		for _, info := range infos {
			info.put()
		}
	}()
	if len(infos) == 0 {
		return
	}

	next := infos[0]
	joined := next.chain
	agree := true
	for _, info := range infos[1:] {
		if !sameScope(next, info) {
			agree = false
		}
		joined = joined.Join(info.chain)
	}
	if !agree {
		next = newInfo(joined, nil)
		defer next.put()
	}

	ir.mu.Lock()
	defer ir.mu.Unlock()
	if ir.dead {
		return
	}
	ir.swapInfo(next)
	e.rehookInodeLocked(ir)
}

func (e *Engine) rehookInodeLocked(ir *inodeRecord) {
	info := ir.info.Load()
	typ := typeOfInode(ir.inode)
	if want := inodeKind.want(ir.orig, typ, info); ir.hook.update(want) {
		table := e.hooks.inode(ir.orig, e.inodeTrampolines(ir.orig), want)
		ir.hook.set(want)
		ir.inode.SetOps(table)
	}
	if want := fileKind.want(ir.origF, typ, info); ir.fhook.update(want) {
		table := e.hooks.file(ir.origF, e.fileTrampolines(ir.origF), want)
		ir.fhook.set(want)
		ir.inode.SetFileOps(table)
	}
}

// trackFile creates the record of a file being opened on a tracked dentry.
func (e *Engine) trackFile(f *vfs.File, orig *vfs.FileOperations) (*fileRecord, error) {
	dr := e.dentryRecord(f.Dentry())
	if dr == nil {
		return nil, nil
	}
	if err := e.reserveRecord(); err != nil {
		return nil, err
	}
	fr := &fileRecord{file: f, dentry: dr, orig: orig}

	dr.mu.Lock()
	if dr.dead {
		dr.mu.Unlock()
		e.unreserveRecord()
		return nil, nil
	}
	info := dr.info.Load()
	fr.mu.Lock()
	fr.swapInfo(info)
	e.rehookFileLocked(fr)
	fr.mu.Unlock()
	e.files.Store(f, fr)
	dr.files[fr] = struct{}{}
	dr.mu.Unlock()
	return fr, nil
}

func (e *Engine) rehookFileLocked(fr *fileRecord) {
	want := fileKind.want(fr.orig, typeOfInode(fr.file.Inode()), fr.info.Load())
	if !fr.hook.update(want) {
		return
	}
	table := e.hooks.file(fr.orig, e.fileTrampolines(fr.orig), want)
	fr.hook.set(want)
	fr.file.SetOps(table)
}

// untrackFile forgets the record of a released file.
func (e *Engine) untrackFile(f *vfs.File) {
	fr := e.fileRecord(f)
	if fr == nil {
		return
	}
	fr.dentry.mu.Lock()
	if fr.dentry.files != nil {
		delete(fr.dentry.files, fr)
	}
	fr.dentry.mu.Unlock()
	e.detachFile(fr)
}

func (e *Engine) detachFile(fr *fileRecord) {
	fr.mu.Lock()
	if fr.dead {
		fr.mu.Unlock()
		return
	}
	fr.dead = true
	fr.file.SetOps(fr.orig)
	fr.hook.reset()
	fr.dropInfo()
	fr.mu.Unlock()

	if e.files.CompareAndDelete(fr.file, fr) {
		e.unreserveRecord()
	}
	fr.releaseData()
}

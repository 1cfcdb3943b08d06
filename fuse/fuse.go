package fuse

import (
	"time"

	"github.com/brettbedarf/stackfs/config"
	"github.com/brettbedarf/stackfs/filesystem"
	"github.com/brettbedarf/stackfs/internal/util"
	"github.com/brettbedarf/stackfs/passthrough"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

var (
	_ fuse.RawFileSystem = (*FuseRaw)(nil)
	_ Provider           = (*passthrough.Provider)(nil)
)

// Provider performs each operation on a host path. See [passthrough.Provider].
type Provider interface {
	GetAttributes(path string, out *fuse.Attr) fuse.Status
	CheckAccess(path string, mask uint32) fuse.Status
	ReadLink(path string, buf []byte) (int, fuse.Status)
	ListDirectory(path string, fill passthrough.FillFunc) fuse.Status
	MakeNode(path string, mode uint32, dev uint32) fuse.Status
	MakeDirectory(path string, mode uint32) fuse.Status
	Unlink(path string) fuse.Status
	RemoveDirectory(path string) fuse.Status
	CreateSymlink(target, linkPath string) fuse.Status
	Rename(oldPath, newPath string) fuse.Status
	CreateHardlink(existingPath, newPath string) fuse.Status
	ChangeMode(path string, mode uint32) fuse.Status
	ChangeOwner(path string, uid, gid int) fuse.Status
	Truncate(path string, size int64) fuse.Status
	SetTimestamps(path string, ts [2]unix.Timespec) fuse.Status
	Open(path string, flags uint32) fuse.Status
	Read(path string, buf []byte, offset int64) (int, fuse.Status)
	Write(path string, data []byte, offset int64) (int, fuse.Status)
	StatSpace(path string, out *fuse.StatfsOut) fuse.Status
}

// FuseRaw implements the low-level FUSE wire protocol
// It serves as protocol adapter between the FUSE session and the provider,
// translating NodeIDs to host paths through the node table.
// Anything not implemented here answers ENOSYS via the embedded default.
// See https://www.man7.org/linux//man-pages/man4/fuse.4.html
type FuseRaw struct {
	fuse.RawFileSystem
	cfg      *config.Config
	fs       *filesystem.FileSystem
	provider Provider
	server   *fuse.Server
}

func NewFuseRaw(cfg *config.Config, fs *filesystem.FileSystem, provider Provider) *FuseRaw {
	return &FuseRaw{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		cfg:           cfg,
		fs:            fs,
		provider:      provider,
	}
}

func (r *FuseRaw) Init(s *fuse.Server) {
	logger := util.GetLogger("Fuse.Init")
	logger.Debug().Str("source", r.fs.Source()).Msg("FUSE initialized")
	r.server = s
}

func (r *FuseRaw) OnUnmount() {
	logger := util.GetLogger("Fuse.OnUnmount")
	logger.Info().Msg("FUSE unmounted")
}

func (r *FuseRaw) String() string {
	return "FuseRaw"
}

// Lookup is called by the kernel when the VFS wants to know
// about a file inside a directory. Many lookup calls can
// occur in parallel, but only one call happens for each (dir,
// name) pair.
func (r *FuseRaw) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Lookup")
	logger.Trace().Uint64("parent", header.NodeId).Str("name", name).Msg("Lookup called")

	path, ok := r.fs.ChildHostPath(header.NodeId, name)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.GetAttributes(path, &out.Attr); !st.Ok() {
		return failed(&logger, path, st)
	}
	return r.register(header.NodeId, name, out)
}

// Forget is called when the kernel discards entries from its
// dentry cache. This happens on unmount, and when the kernel
// is short on memory. Since it is not guaranteed to occur at
// any moment, and since there is no return value, Forget
// should not do I/O, as there is no channel to report back
// I/O errors.
func (r *FuseRaw) Forget(nodeid, nlookup uint64) {
	r.fs.Forget(nodeid, nlookup)
}

func (r *FuseRaw) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	logger := util.GetLogger("Fuse.GetAttr")
	logger.Trace().Uint64("nodeID", input.NodeId).Msg("GetAttr called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.GetAttributes(path, &out.Attr); !st.Ok() {
		return failed(&logger, path, st)
	}
	out.SetTimeout(r.attrTimeout())
	return fuse.OK
}

// SetAttr applies mode, owner, size and times in that order, stopping at the
// first host failure, then replies with fresh attributes.
func (r *FuseRaw) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	logger := util.GetLogger("Fuse.SetAttr")
	logger.Trace().Uint64("nodeID", input.NodeId).Uint32("valid", input.Valid).Msg("SetAttr called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}

	if input.Valid&fuse.FATTR_MODE != 0 {
		if st := r.provider.ChangeMode(path, input.Mode&0o7777); !st.Ok() {
			return failed(&logger, path, st)
		}
	}
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := -1, -1
		if input.Valid&fuse.FATTR_UID != 0 {
			uid = int(input.Uid)
		}
		if input.Valid&fuse.FATTR_GID != 0 {
			gid = int(input.Gid)
		}
		if st := r.provider.ChangeOwner(path, uid, gid); !st.Ok() {
			return failed(&logger, path, st)
		}
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		if st := r.provider.Truncate(path, int64(input.Size)); !st.Ok() {
			return failed(&logger, path, st)
		}
	}
	if input.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		ts := setAttrTimes(input)
		if st := r.provider.SetTimestamps(path, ts); !st.Ok() {
			return failed(&logger, path, st)
		}
	}

	if st := r.provider.GetAttributes(path, &out.Attr); !st.Ok() {
		return failed(&logger, path, st)
	}
	out.SetTimeout(r.attrTimeout())
	return fuse.OK
}

// setAttrTimes builds the [access, modify] pair; a time that was not
// requested is left alone with UTIME_OMIT.
func setAttrTimes(input *fuse.SetAttrIn) [2]unix.Timespec {
	ts := [2]unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
	if input.Valid&fuse.FATTR_ATIME != 0 {
		if input.Valid&fuse.FATTR_ATIME_NOW != 0 {
			ts[0].Nsec = unix.UTIME_NOW
		} else {
			ts[0] = unix.Timespec{Sec: int64(input.Atime), Nsec: int64(input.Atimensec)}
		}
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
			ts[1].Nsec = unix.UTIME_NOW
		} else {
			ts[1] = unix.Timespec{Sec: int64(input.Mtime), Nsec: int64(input.Mtimensec)}
		}
	}
	return ts
}

func (r *FuseRaw) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Mknod")
	logger.Trace().Uint64("parent", input.NodeId).Str("name", name).Uint32("mode", input.Mode).Msg("Mknod called")

	path, ok := r.fs.ChildHostPath(input.NodeId, name)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.MakeNode(path, input.Mode, input.Rdev); !st.Ok() {
		return failed(&logger, path, st)
	}
	return r.lookupCreated(&logger, input.NodeId, name, path, out)
}

func (r *FuseRaw) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Mkdir")
	logger.Trace().Uint64("parent", input.NodeId).Str("name", name).Uint32("mode", input.Mode).Msg("Mkdir called")

	path, ok := r.fs.ChildHostPath(input.NodeId, name)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.MakeDirectory(path, input.Mode); !st.Ok() {
		return failed(&logger, path, st)
	}
	return r.lookupCreated(&logger, input.NodeId, name, path, out)
}

func (r *FuseRaw) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	logger := util.GetLogger("Fuse.Unlink")
	logger.Trace().Uint64("parent", header.NodeId).Str("name", name).Msg("Unlink called")

	path, ok := r.fs.ChildHostPath(header.NodeId, name)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.Unlink(path); !st.Ok() {
		return failed(&logger, path, st)
	}
	r.fs.Detach(header.NodeId, name)
	return fuse.OK
}

func (r *FuseRaw) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	logger := util.GetLogger("Fuse.Rmdir")
	logger.Trace().Uint64("parent", header.NodeId).Str("name", name).Msg("Rmdir called")

	path, ok := r.fs.ChildHostPath(header.NodeId, name)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.RemoveDirectory(path); !st.Ok() {
		return failed(&logger, path, st)
	}
	r.fs.Detach(header.NodeId, name)
	return fuse.OK
}

// Rename only supports a plain rename; RENAME_NOREPLACE and RENAME_EXCHANGE
// have no single-primitive equivalent.
func (r *FuseRaw) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	logger := util.GetLogger("Fuse.Rename")
	logger.Trace().
		Uint64("parent", input.NodeId).Str("old", oldName).
		Uint64("newParent", input.Newdir).Str("new", newName).
		Msg("Rename called")

	if input.Flags != 0 {
		return fuse.EINVAL
	}
	oldPath, ok := r.fs.ChildHostPath(input.NodeId, oldName)
	if !ok {
		return fuse.ENOENT
	}
	newPath, ok := r.fs.ChildHostPath(input.Newdir, newName)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.Rename(oldPath, newPath); !st.Ok() {
		return failed(&logger, oldPath, st)
	}
	r.fs.Move(input.NodeId, oldName, input.Newdir, newName)
	return fuse.OK
}

func (r *FuseRaw) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Link")
	logger.Trace().Uint64("existing", input.Oldnodeid).Uint64("parent", input.NodeId).Str("name", filename).Msg("Link called")

	existing, ok := r.fs.HostPath(input.Oldnodeid)
	if !ok {
		return fuse.ENOENT
	}
	path, ok := r.fs.ChildHostPath(input.NodeId, filename)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.CreateHardlink(existing, path); !st.Ok() {
		return failed(&logger, path, st)
	}
	return r.lookupCreated(&logger, input.NodeId, filename, path, out)
}

func (r *FuseRaw) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Symlink")
	logger.Trace().Uint64("parent", header.NodeId).Str("name", linkName).Str("target", pointedTo).Msg("Symlink called")

	path, ok := r.fs.ChildHostPath(header.NodeId, linkName)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.CreateSymlink(pointedTo, path); !st.Ok() {
		return failed(&logger, path, st)
	}
	return r.lookupCreated(&logger, header.NodeId, linkName, path, out)
}

func (r *FuseRaw) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	logger := util.GetLogger("Fuse.Readlink")
	logger.Trace().Uint64("nodeID", header.NodeId).Msg("Readlink called")

	path, ok := r.fs.HostPath(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	buf := make([]byte, unix.PathMax+1)
	n, st := r.provider.ReadLink(path, buf)
	if !st.Ok() {
		return nil, failed(&logger, path, st)
	}
	return buf[:n], fuse.OK
}

// Access called when the kernel wants to know if the user has permission to access the node.
// If the 'default_permissions' mount option is given, this method is not called.
func (r *FuseRaw) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	logger := util.GetLogger("Fuse.Access")
	logger.Trace().Uint64("nodeID", input.NodeId).Uint32("mask", input.Mask).Msg("Access called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	return failed(&logger, path, r.provider.CheckAccess(path, input.Mask))
}

// Open checks the file can be opened with the requested flags. No handle is
// kept: reads and writes reopen by path.
func (r *FuseRaw) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	logger := util.GetLogger("Fuse.Open")
	logger.Trace().Uint64("nodeID", input.NodeId).Uint32("flags", input.Flags).Msg("Open called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if st := r.provider.Open(path, input.Flags); !st.Ok() {
		return failed(&logger, path, st)
	}
	out.Fh = 0
	if r.cfg.DirectIO {
		out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	}
	return fuse.OK
}

func (r *FuseRaw) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	logger := util.GetLogger("Fuse.Read")
	logger.Trace().Uint64("nodeID", input.NodeId).Uint64("offset", input.Offset).Uint32("size", input.Size).Msg("Read called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	if int(input.Size) < len(buf) {
		buf = buf[:input.Size]
	}
	n, st := r.provider.Read(path, buf, int64(input.Offset))
	if !st.Ok() {
		return nil, failed(&logger, path, st)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (r *FuseRaw) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (written uint32, code fuse.Status) {
	logger := util.GetLogger("Fuse.Write")
	logger.Trace().Uint64("nodeID", input.NodeId).Uint64("offset", input.Offset).Int("size", len(data)).Msg("Write called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return 0, fuse.ENOENT
	}
	n, st := r.provider.Write(path, data, int64(input.Offset))
	if !st.Ok() {
		return 0, failed(&logger, path, st)
	}
	return uint32(n), fuse.OK
}

// OpenDir keeps no directory stream; every ReadDir rescans.
func (r *FuseRaw) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	logger := util.GetLogger("Fuse.OpenDir")
	logger.Trace().Uint64("nodeID", input.NodeId).Msg("OpenDir called")

	if _, ok := r.fs.HostPath(input.NodeId); !ok {
		return fuse.ENOENT
	}
	out.Fh = 0
	return fuse.OK
}

func (r *FuseRaw) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	logger := util.GetLogger("Fuse.ReadDir")
	logger.Trace().Uint64("nodeID", input.NodeId).Uint64("offset", input.Offset).Msg("ReadDir called")

	path, ok := r.fs.HostPath(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	fill := fillDir(input.Offset, out.AddDirEntry)
	return failed(&logger, path, r.provider.ListDirectory(path, fill))
}

// fillDir adapts add to a provider fill callback, dropping the first skip
// entries the kernel has already consumed.
func fillDir(skip uint64, add func(fuse.DirEntry) bool) passthrough.FillFunc {
	return func(name string, attr *fuse.Attr) bool {
		if skip > 0 {
			skip--
			return true
		}
		return add(fuse.DirEntry{Mode: attr.Mode, Name: name, Ino: attr.Ino})
	}
}

// Flush is answered with ENOSYS; no handle is held, so there is nothing to
// flush. The kernel stops sending it afterwards.
func (r *FuseRaw) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.ENOSYS
}

func (r *FuseRaw) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.ENOSYS
}

func (r *FuseRaw) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	logger := util.GetLogger("Fuse.StatFs")
	logger.Trace().Uint64("nodeID", header.NodeId).Msg("StatFs called")

	path, ok := r.fs.HostPath(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	return failed(&logger, path, r.provider.StatSpace(path, out))
}

// lookupCreated answers a creating op with the new entry, counting it as a
// kernel lookup.
func (r *FuseRaw) lookupCreated(logger *util.Logger, parentID uint64, name, path string, out *fuse.EntryOut) fuse.Status {
	if st := r.provider.GetAttributes(path, &out.Attr); !st.Ok() {
		return failed(logger, path, st)
	}
	return r.register(parentID, name, out)
}

func (r *FuseRaw) register(parentID uint64, name string, out *fuse.EntryOut) fuse.Status {
	node, ok := r.fs.LookupChild(parentID, name)
	if !ok {
		return fuse.ENOENT
	}
	out.NodeId = node.NodeID()
	out.SetEntryTimeout(secondsToDuration(r.cfg.EntryTimeout))
	out.SetAttrTimeout(r.attrTimeout())
	return fuse.OK
}

func (r *FuseRaw) attrTimeout() time.Duration {
	return secondsToDuration(r.cfg.AttrTimeout)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// failed logs a non-OK status at debug level and passes it through
func failed(logger *util.Logger, path string, st fuse.Status) fuse.Status {
	if !st.Ok() {
		logger.Debug().Str("path", path).Str("status", st.String()).Msg("Host call failed")
	}
	return st
}

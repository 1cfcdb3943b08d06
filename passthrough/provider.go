// Package passthrough relays filesystem operations to the identical path on
// the host filesystem.
//
// Every method invokes exactly one analogous host primitive and reports the
// host's errno unchanged through a [fuse.Status]. Nothing is cached, retried
// or logged, and no descriptor outlives the call that opened it.
package passthrough

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// FillFunc receives one directory entry per call. It returns false when the
// receiving buffer is full and enumeration must stop.
type FillFunc func(name string, attr *fuse.Attr) bool

// Provider implements the passthrough operations. It holds no state, so a
// single value is safe for concurrent use.
type Provider struct{}

func New() *Provider {
	return &Provider{}
}

// GetAttributes describes path itself; a trailing symlink is not followed.
func (p *Provider) GetAttributes(path string, out *fuse.Attr) fuse.Status {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return ToStatus(err)
	}
	out.FromStat(&st)
	return fuse.OK
}

func (p *Provider) CheckAccess(path string, mask uint32) fuse.Status {
	return ToStatus(unix.Access(path, mask))
}

// ReadLink reads the target of the symlink at path into buf, truncating it to
// len(buf)-1 bytes and NUL-terminating it. It returns the number of bytes
// copied, which is less than the target length when it was truncated.
// Truncation is silent.
func (p *Provider) ReadLink(path string, buf []byte) (int, fuse.Status) {
	if len(buf) == 0 {
		// same answer the host gives for a zero-length buffer
		return 0, fuse.EINVAL
	}
	n, err := unix.Readlink(path, buf[:len(buf)-1])
	if err != nil {
		return 0, ToStatus(err)
	}
	buf[n] = 0
	return n, fuse.OK
}

// ListDirectory enumerates path, including "." and "..", in host order.
//
// Entries carry only their inode number and type bits; no per-entry metadata
// query is issued. The directory is always closed before returning.
func (p *Provider) ListDirectory(path string, fill FillFunc) fuse.Status {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return ToStatus(err)
	}
	defer unix.Close(fd)

	buf := make([]byte, direntBufSize)
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return ToStatus(err)
		}
		if n <= 0 {
			return fuse.OK
		}
		if !parseDirents(buf[:n], fill) {
			return fuse.OK
		}
	}
}

func (p *Provider) MakeNode(path string, mode uint32, dev uint32) fuse.Status {
	return ToStatus(unix.Mknod(path, mode, int(dev)))
}

func (p *Provider) MakeDirectory(path string, mode uint32) fuse.Status {
	return ToStatus(unix.Mkdir(path, mode))
}

func (p *Provider) Unlink(path string) fuse.Status {
	return ToStatus(unix.Unlink(path))
}

func (p *Provider) RemoveDirectory(path string) fuse.Status {
	return ToStatus(unix.Rmdir(path))
}

// CreateSymlink creates linkPath pointing at target. target is stored as-is.
func (p *Provider) CreateSymlink(target, linkPath string) fuse.Status {
	return ToStatus(unix.Symlink(target, linkPath))
}

func (p *Provider) Rename(oldPath, newPath string) fuse.Status {
	return ToStatus(unix.Rename(oldPath, newPath))
}

func (p *Provider) CreateHardlink(existingPath, newPath string) fuse.Status {
	return ToStatus(unix.Link(existingPath, newPath))
}

func (p *Provider) ChangeMode(path string, mode uint32) fuse.Status {
	return ToStatus(unix.Chmod(path, mode))
}

// ChangeOwner acts on the link itself when path is a symlink. An id of -1
// leaves that id unchanged.
func (p *Provider) ChangeOwner(path string, uid, gid int) fuse.Status {
	return ToStatus(unix.Lchown(path, uid, gid))
}

func (p *Provider) Truncate(path string, size int64) fuse.Status {
	return ToStatus(unix.Truncate(path, size))
}

// SetTimestamps sets [access, modify] times on path without following a
// trailing symlink. UTIME_NOW and UTIME_OMIT are honoured in Nsec.
func (p *Provider) SetTimestamps(path string, ts [2]unix.Timespec) fuse.Status {
	return ToStatus(unix.UtimesNanoAt(unix.AT_FDCWD, path, ts[:], unix.AT_SYMLINK_NOFOLLOW))
}

// Open validates that path can be opened with flags. The descriptor is closed
// immediately; nothing is kept for later reads or writes.
func (p *Provider) Open(path string, flags uint32) fuse.Status {
	fd, err := unix.Open(path, int(flags)|unix.O_CLOEXEC, 0)
	if err != nil {
		return ToStatus(err)
	}
	unix.Close(fd)
	return fuse.OK
}

// Read reopens path read-only and reads up to len(buf) bytes at offset.
func (p *Provider) Read(path string, buf []byte, offset int64) (int, fuse.Status) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, ToStatus(err)
	}
	defer unix.Close(fd)

	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		return 0, ToStatus(err)
	}
	return n, fuse.OK
}

// Write reopens path write-only and writes data at offset.
func (p *Provider) Write(path string, data []byte, offset int64) (int, fuse.Status) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, ToStatus(err)
	}
	defer unix.Close(fd)

	n, err := unix.Pwrite(fd, data, offset)
	if err != nil {
		return 0, ToStatus(err)
	}
	return n, fuse.OK
}

// StatSpace reports space and inode usage of the filesystem holding path.
func (p *Provider) StatSpace(path string, out *fuse.StatfsOut) fuse.Status {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return ToStatus(err)
	}
	out.FromStatfsT(&st)
	return fuse.OK
}

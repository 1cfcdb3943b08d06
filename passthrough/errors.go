package passthrough

import (
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// hostErrors is the host error classification space the provider surfaces.
// Every entry carries the host errno to the dispatch layer unchanged.
var hostErrors = map[syscall.Errno]fuse.Status{
	syscall.ENOENT:       fuse.Status(syscall.ENOENT),
	syscall.EACCES:       fuse.Status(syscall.EACCES),
	syscall.EPERM:        fuse.Status(syscall.EPERM),
	syscall.EEXIST:       fuse.Status(syscall.EEXIST),
	syscall.ENOTDIR:      fuse.Status(syscall.ENOTDIR),
	syscall.EISDIR:       fuse.Status(syscall.EISDIR),
	syscall.ENOTEMPTY:    fuse.Status(syscall.ENOTEMPTY),
	syscall.ENOSPC:       fuse.Status(syscall.ENOSPC),
	syscall.EDQUOT:       fuse.Status(syscall.EDQUOT),
	syscall.EINVAL:       fuse.Status(syscall.EINVAL),
	syscall.EXDEV:        fuse.Status(syscall.EXDEV),
	syscall.EIO:          fuse.Status(syscall.EIO),
	syscall.ELOOP:        fuse.Status(syscall.ELOOP),
	syscall.ENAMETOOLONG: fuse.Status(syscall.ENAMETOOLONG),
	syscall.EROFS:        fuse.Status(syscall.EROFS),
	syscall.EBUSY:        fuse.Status(syscall.EBUSY),
	syscall.EMLINK:       fuse.Status(syscall.EMLINK),
	syscall.EBADF:        fuse.Status(syscall.EBADF),
	syscall.EFAULT:       fuse.Status(syscall.EFAULT),
	syscall.EFBIG:        fuse.Status(syscall.EFBIG),
	syscall.ETXTBSY:      fuse.Status(syscall.ETXTBSY),
	syscall.ENXIO:        fuse.Status(syscall.ENXIO),
	syscall.ENODEV:       fuse.Status(syscall.ENODEV),
	syscall.EAGAIN:       fuse.Status(syscall.EAGAIN),
	syscall.EINTR:        fuse.Status(syscall.EINTR),
	syscall.ENOMEM:       fuse.Status(syscall.ENOMEM),
	syscall.EOVERFLOW:    fuse.Status(syscall.EOVERFLOW),
	syscall.ESPIPE:       fuse.Status(syscall.ESPIPE),
	syscall.EOPNOTSUPP:   fuse.Status(syscall.EOPNOTSUPP),
	syscall.ENOSYS:       fuse.Status(syscall.ENOSYS),
	syscall.EMFILE:       fuse.Status(syscall.EMFILE),
	syscall.ENFILE:       fuse.Status(syscall.ENFILE),
	syscall.ESTALE:       fuse.Status(syscall.ESTALE),
	syscall.ENODATA:      fuse.Status(syscall.ENODATA),
	syscall.ERANGE:       fuse.Status(syscall.ERANGE),
}

// ToStatus translates a host failure into the protocol's result status.
//
// The mapping is total: errnos outside [hostErrors] keep their value too, and
// anything that is not an errno at all becomes EIO.
func ToStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fuse.EIO
	}
	if st, ok := hostErrors[errno]; ok {
		return st
	}
	return fuse.Status(errno)
}

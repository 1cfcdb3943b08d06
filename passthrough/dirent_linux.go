//go:build linux

package passthrough

import (
	"bytes"
	"encoding/binary"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// linux_dirent64 layout: d_ino u64, d_off s64, d_reclen u16, d_type u8, d_name[]
const (
	direntInoOff    = 0
	direntReclenOff = 16
	direntTypeOff   = 18
	direntNameOff   = 19
)

// direntBufSize matches glibc's readdir buffer
const direntBufSize = 32 * 1024

// parseDirents feeds every record in buf to fill. It reports false as soon as
// fill asks to stop.
//
// Only d_ino and d_type are known here, so the synthesized metadata has every
// other field zeroed.
func parseDirents(buf []byte, fill FillFunc) bool {
	for len(buf) >= direntNameOff {
		reclen := int(binary.NativeEndian.Uint16(buf[direntReclenOff:]))
		if reclen < direntNameOff || reclen > len(buf) {
			// truncated record; the kernel never returns one
			return true
		}
		rec := buf[:reclen]
		buf = buf[reclen:]

		name := rec[direntNameOff:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		attr := fuse.Attr{
			Ino:  binary.NativeEndian.Uint64(rec[direntInoOff:]),
			Mode: uint32(rec[direntTypeOff]) << 12,
		}
		if !fill(string(name), &attr) {
			return false
		}
	}
	return true
}

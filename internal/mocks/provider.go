package mocks

import (
	"github.com/brettbedarf/stackfs/passthrough"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/mock"
	"golang.org/x/sys/unix"
)

// MockProvider implements the dispatch layer's Provider for testing across
// packages. Out-parameters are filled with .Run on the expectation.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) status(args mock.Arguments, i int) fuse.Status {
	if args.Get(i) == nil {
		return fuse.OK
	}
	return args.Get(i).(fuse.Status)
}

func (m *MockProvider) GetAttributes(path string, out *fuse.Attr) fuse.Status {
	return m.status(m.Called(path, out), 0)
}

func (m *MockProvider) CheckAccess(path string, mask uint32) fuse.Status {
	return m.status(m.Called(path, mask), 0)
}

func (m *MockProvider) ReadLink(path string, buf []byte) (int, fuse.Status) {
	args := m.Called(path, buf)

	// Handle function return types so a test can write into buf
	if fn, ok := args.Get(0).(func(string, []byte) int); ok {
		return fn(path, buf), m.status(args, 1)
	}
	return args.Int(0), m.status(args, 1)
}

func (m *MockProvider) ListDirectory(path string, fill passthrough.FillFunc) fuse.Status {
	return m.status(m.Called(path, fill), 0)
}

func (m *MockProvider) MakeNode(path string, mode uint32, dev uint32) fuse.Status {
	return m.status(m.Called(path, mode, dev), 0)
}

func (m *MockProvider) MakeDirectory(path string, mode uint32) fuse.Status {
	return m.status(m.Called(path, mode), 0)
}

func (m *MockProvider) Unlink(path string) fuse.Status {
	return m.status(m.Called(path), 0)
}

func (m *MockProvider) RemoveDirectory(path string) fuse.Status {
	return m.status(m.Called(path), 0)
}

func (m *MockProvider) CreateSymlink(target, linkPath string) fuse.Status {
	return m.status(m.Called(target, linkPath), 0)
}

func (m *MockProvider) Rename(oldPath, newPath string) fuse.Status {
	return m.status(m.Called(oldPath, newPath), 0)
}

func (m *MockProvider) CreateHardlink(existingPath, newPath string) fuse.Status {
	return m.status(m.Called(existingPath, newPath), 0)
}

func (m *MockProvider) ChangeMode(path string, mode uint32) fuse.Status {
	return m.status(m.Called(path, mode), 0)
}

func (m *MockProvider) ChangeOwner(path string, uid, gid int) fuse.Status {
	return m.status(m.Called(path, uid, gid), 0)
}

func (m *MockProvider) Truncate(path string, size int64) fuse.Status {
	return m.status(m.Called(path, size), 0)
}

func (m *MockProvider) SetTimestamps(path string, ts [2]unix.Timespec) fuse.Status {
	return m.status(m.Called(path, ts), 0)
}

func (m *MockProvider) Open(path string, flags uint32) fuse.Status {
	return m.status(m.Called(path, flags), 0)
}

func (m *MockProvider) Read(path string, buf []byte, offset int64) (int, fuse.Status) {
	args := m.Called(path, buf, offset)

	if fn, ok := args.Get(0).(func(string, []byte, int64) int); ok {
		return fn(path, buf, offset), m.status(args, 1)
	}
	return args.Int(0), m.status(args, 1)
}

func (m *MockProvider) Write(path string, data []byte, offset int64) (int, fuse.Status) {
	args := m.Called(path, data, offset)
	return args.Int(0), m.status(args, 1)
}

func (m *MockProvider) StatSpace(path string, out *fuse.StatfsOut) fuse.Status {
	return m.status(m.Called(path, out), 0)
}

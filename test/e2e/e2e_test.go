package e2e

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"
)

var (
	stackfsBin string
	projRoot   string
	testEnv    *E2ETestEnvironment
	skipReason string
)

func TestMain(m *testing.M) {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		skipReason = "/dev/fuse not available"
	} else if _, err := exec.LookPath("fusermount"); err != nil {
		skipReason = "fusermount not on PATH"
	}
	if skipReason != "" {
		os.Exit(m.Run())
	}

	// Build StackFS binary once for all tests
	tmpBinDir, err := os.MkdirTemp("", "stackfs-bin")
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := os.RemoveAll(tmpBinDir); err != nil {
			panic(err)
		}
	}()

	stackfsBin = filepath.Join(tmpBinDir, "stackfs")

	// Determine project root
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		panic("cannot determine current file path")
	}
	projRoot = filepath.Join(filepath.Dir(thisFile), "..", "..")
	src := filepath.Join(projRoot, "cmd", "main.go")

	// Build with debug symbols
	cmd := exec.Command("go", "build", "-o", stackfsBin, "-gcflags=all=-N -l", src)
	if out, err := cmd.CombinedOutput(); err != nil {
		panic(string(out))
	}

	testEnv, err = NewE2ETestEnvironment(stackfsBin)
	if err != nil {
		panic(err)
	}
	defer testEnv.Close()

	// Run tests
	code := m.Run()
	os.Exit(code)
}

func requireFuse(t *testing.T) {
	t.Helper()
	if skipReason != "" {
		t.Skip(skipReason)
	}
}

func TestE2EReadExistingFile(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	content := "Hello, StackFS! This file lives on the host."
	sfs.WriteSource(t, "hello.txt", content)

	data, err := os.ReadFile(sfs.Mounted("hello.txt"))
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != content {
		t.Fatalf("content mismatch:\nexpected: %q\ngot:      %q", content, string(data))
	}
}

func TestE2EWriteThrough(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	// create is unsupported, so this goes through mknod + open
	payload := bytes.Repeat([]byte{0xAB, 0x00, 0x42}, 4096)
	if err := os.WriteFile(sfs.Mounted("new.bin"), payload, 0o640); err != nil {
		t.Fatalf("failed to write through mount: %v", err)
	}

	onHost, err := os.ReadFile(sfs.Source("new.bin"))
	if err != nil {
		t.Fatalf("file missing on host: %v", err)
	}
	if !bytes.Equal(onHost, payload) {
		t.Fatalf("host content mismatch: got %d bytes, want %d", len(onHost), len(payload))
	}

	// overwrite in the middle
	f, err := os.OpenFile(sfs.Mounted("new.bin"), os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	if _, err := f.WriteAt([]byte("patch"), 100); err != nil {
		t.Fatalf("failed to write at offset: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	onHost, _ = os.ReadFile(sfs.Source("new.bin"))
	if string(onHost[100:105]) != "patch" {
		t.Fatalf("offset write not visible on host: %q", onHost[100:105])
	}
}

func TestE2EDirectoryListing(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	want := []string{"alpha", "beta", "gamma"}
	for _, name := range want {
		sfs.WriteSource(t, name, name)
	}
	if err := os.Mkdir(sfs.Source("subdir"), 0o755); err != nil {
		t.Fatalf("mkdir on host: %v", err)
	}
	want = append(want, "subdir")

	entries, err := os.ReadDir(sfs.MountDir)
	if err != nil {
		t.Fatalf("failed to list mount: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
		if e.Name() == "subdir" && !e.IsDir() {
			t.Fatalf("subdir listed without its directory type")
		}
	}
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Fatalf("listing mismatch:\nexpected: %v\ngot:      %v", want, got)
	}
}

func TestE2ENamespaceOps(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	if err := os.MkdirAll(sfs.Mounted("a", "b"), 0o755); err != nil {
		t.Fatalf("mkdir through mount: %v", err)
	}
	sfs.WriteSource(t, "a/b/file", "data")

	if err := os.Rename(sfs.Mounted("a", "b"), sfs.Mounted("moved")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := os.Stat(sfs.Source("moved", "file")); err != nil {
		t.Fatalf("rename not reflected on host: %v", err)
	}
	if data, err := os.ReadFile(sfs.Mounted("moved", "file")); err != nil || string(data) != "data" {
		t.Fatalf("renamed file unreadable: %q, %v", data, err)
	}

	if err := os.Symlink("moved/file", sfs.Mounted("link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if target, err := os.Readlink(sfs.Mounted("link")); err != nil || target != "moved/file" {
		t.Fatalf("readlink: %q, %v", target, err)
	}
	if err := os.Link(sfs.Mounted("moved", "file"), sfs.Mounted("hard")); err != nil {
		t.Fatalf("link: %v", err)
	}
	var st syscall.Stat_t
	if err := syscall.Stat(sfs.Source("hard"), &st); err != nil || st.Nlink != 2 {
		t.Fatalf("hard link not on host: nlink=%d, %v", st.Nlink, err)
	}

	err := syscall.Rmdir(sfs.Mounted("moved"))
	if !errors.Is(err, syscall.ENOTEMPTY) {
		t.Fatalf("expected ENOTEMPTY from rmdir, got %v", err)
	}
	for _, p := range []string{"link", "hard", "moved/file", "a"} {
		if err := os.Remove(sfs.Mounted(p)); err != nil {
			t.Fatalf("remove %s: %v", p, err)
		}
	}
	if err := os.Remove(sfs.Mounted("moved")); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if entries, _ := os.ReadDir(sfs.SourceDir); len(entries) != 0 {
		t.Fatalf("host source not empty after removals: %v", entries)
	}
}

func TestE2EAttributes(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	sfs.WriteSource(t, "attrs", "0123456789")
	mounted := sfs.Mounted("attrs")

	if err := os.Chmod(mounted, 0o604); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.Truncate(mounted, 4); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	mtime := time.Date(2005, 5, 5, 5, 5, 5, 0, time.UTC)
	if err := os.Chtimes(mounted, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	info, err := os.Lstat(sfs.Source("attrs"))
	if err != nil {
		t.Fatalf("lstat on host: %v", err)
	}
	if info.Mode().Perm() != 0o604 {
		t.Fatalf("mode mismatch: %v", info.Mode())
	}
	if info.Size() != 4 {
		t.Fatalf("size mismatch: %d", info.Size())
	}
	if !info.ModTime().Equal(mtime) {
		t.Fatalf("mtime mismatch: %v", info.ModTime())
	}
}

func TestE2EErrorsPassThrough(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	if _, err := os.Stat(sfs.Mounted("missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	sfs.WriteSource(t, "file", "x")
	if err := os.Mkdir(sfs.Mounted("file"), 0o755); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected exist, got %v", err)
	}
	if _, err := os.ReadDir(sfs.Mounted("file")); !errors.Is(err, syscall.ENOTDIR) {
		t.Fatalf("expected ENOTDIR, got %v", err)
	}
}

func TestE2EStatfs(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFS(t)
	defer sfs.Stop()

	var mounted, host syscall.Statfs_t
	if err := syscall.Statfs(sfs.MountDir, &mounted); err != nil {
		t.Fatalf("statfs on mount: %v", err)
	}
	if err := syscall.Statfs(sfs.SourceDir, &host); err != nil {
		t.Fatalf("statfs on host: %v", err)
	}
	if mounted.Blocks != host.Blocks || mounted.Bsize != host.Bsize {
		t.Fatalf("statfs mismatch: mount %d x %d, host %d x %d", mounted.Blocks, mounted.Bsize, host.Blocks, host.Bsize)
	}
}

func TestE2EConfigFile(t *testing.T) {
	requireFuse(t)
	sfs := testEnv.StartStackFSWithConfig(t, "direct_io: true\nverbose: 5\n")
	defer sfs.Stop()

	sfs.WriteSource(t, "cfg.txt", "configured")
	data, err := os.ReadFile(sfs.Mounted("cfg.txt"))
	if err != nil || string(data) != "configured" {
		t.Fatalf("read with direct io: %q, %v", data, err)
	}
}

// E2ETestEnvironment holds the shared base directory for every mount
type E2ETestEnvironment struct {
	BaseDir    string
	StackFSBin string
}

// StackFSInstance is one running stackfs process
type StackFSInstance struct {
	cmd       *exec.Cmd
	MountDir  string
	SourceDir string
	stdout    *bytes.Buffer
	stderr    *bytes.Buffer
	cleanup   func()
}

func NewE2ETestEnvironment(bin string) (*E2ETestEnvironment, error) {
	baseDir, err := os.MkdirTemp("", "stackfs-e2e")
	if err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}
	return &E2ETestEnvironment{BaseDir: baseDir, StackFSBin: bin}, nil
}

func (env *E2ETestEnvironment) Close() {
	_ = os.RemoveAll(env.BaseDir) // Best effort cleanup
}

// StartStackFS mounts a fresh, empty source directory
func (env *E2ETestEnvironment) StartStackFS(t *testing.T) *StackFSInstance {
	return env.start(t, "")
}

// StartStackFSWithConfig mounts a fresh source with cfgYAML passed via --config
func (env *E2ETestEnvironment) StartStackFSWithConfig(t *testing.T, cfgYAML string) *StackFSInstance {
	return env.start(t, cfgYAML)
}

func (env *E2ETestEnvironment) start(t *testing.T, cfgYAML string) *StackFSInstance {
	t.Helper()

	testID := strings.ReplaceAll(t.Name(), "/", "_")
	mountDir := filepath.Join(env.BaseDir, fmt.Sprintf("mount-%s", testID))
	sourceDir := filepath.Join(env.BaseDir, fmt.Sprintf("source-%s", testID))
	for _, dir := range []string{mountDir, sourceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
	}

	args := []string{"-s", sourceDir, "-v", "4"}
	if cfgYAML != "" {
		cfgFile := filepath.Join(env.BaseDir, fmt.Sprintf("config-%s.yaml", testID))
		if err := os.WriteFile(cfgFile, []byte(cfgYAML), 0o644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}
		args = []string{"-c", cfgFile, "-s", sourceDir}
	}
	cmd := exec.Command(env.StackFSBin, append(args, mountDir)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start StackFS: %v", err)
	}

	instance := &StackFSInstance{
		cmd:       cmd,
		MountDir:  mountDir,
		SourceDir: sourceDir,
		stdout:    &stdout,
		stderr:    &stderr,
		cleanup: func() {
			_ = os.RemoveAll(mountDir)  // Best effort cleanup
			_ = os.RemoveAll(sourceDir) // Best effort cleanup
		},
	}

	if err := instance.WaitForMount(15 * time.Second); err != nil {
		instance.Stop()
		out, errOut := instance.GetLogs()
		t.Fatalf("StackFS mount failed: %v\nstdout: %s\nstderr: %s", err, out, errOut)
	}

	return instance
}

// Mounted returns the path of rel inside the mount
func (s *StackFSInstance) Mounted(rel ...string) string {
	return filepath.Join(append([]string{s.MountDir}, rel...)...)
}

// Source returns the host path of rel inside the source directory
func (s *StackFSInstance) Source(rel ...string) string {
	return filepath.Join(append([]string{s.SourceDir}, rel...)...)
}

// WriteSource creates a file directly on the host, bypassing the mount
func (s *StackFSInstance) WriteSource(t *testing.T, rel string, data string) {
	t.Helper()
	if err := os.WriteFile(s.Source(rel), []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}
}

// Stop gracefully stops the StackFS instance
func (s *StackFSInstance) Stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		// Send interrupt signal
		_ = s.cmd.Process.Signal(os.Interrupt) // Process may have already exited

		// Wait for graceful shutdown with timeout
		done := make(chan error, 1)
		go func() {
			done <- s.cmd.Wait()
		}()

		select {
		case <-done:
			// Graceful shutdown completed
		case <-time.After(5 * time.Second):
			// Force kill if graceful shutdown takes too long
			_ = s.cmd.Process.Kill() // Process may have already exited
			<-done
			_ = exec.Command("fusermount", "-u", s.MountDir).Run()
		}
	}

	if s.cleanup != nil {
		s.cleanup()
	}
}

// WaitForMount waits until the mount point sits on a different device than
// its parent directory
func (s *StackFSInstance) WaitForMount(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	var parent syscall.Stat_t
	if err := syscall.Stat(filepath.Dir(s.MountDir), &parent); err != nil {
		return err
	}
	for time.Now().Before(deadline) {
		var st syscall.Stat_t
		if err := syscall.Stat(s.MountDir, &st); err == nil && st.Dev != parent.Dev {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for StackFS mount to be ready")
}

// GetLogs returns the stdout and stderr from the StackFS process
func (s *StackFSInstance) GetLogs() (stdout, stderr string) {
	return s.stdout.String(), s.stderr.String()
}

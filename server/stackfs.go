package server

import (
	"fmt"

	"github.com/brettbedarf/stackfs/config"
	"github.com/brettbedarf/stackfs/filesystem"
	wfuse "github.com/brettbedarf/stackfs/fuse"
	"github.com/brettbedarf/stackfs/internal/util"
	"github.com/brettbedarf/stackfs/passthrough"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// StackFs contains the node table and the passthrough provider with
// abstractions over the underlying FUSE wire protocol implementation
type StackFs struct {
	*filesystem.FileSystem
	cfg      *config.Config
	provider *passthrough.Provider
	server   *fuse.Server
	mountID  string
}

// New creates a StackFs instance given your config.
func New(cfg *config.Config) *StackFs {
	return &StackFs{
		FileSystem: filesystem.NewFS(cfg),
		cfg:        cfg,
		provider:   passthrough.New(),
		mountID:    uuid.New().String(),
	}
}

// MountID identifies this instance in logs
func (fs *StackFs) MountID() string {
	return fs.mountID
}

// Serve mounts and serves the filesystem at the given mountPoint.
func (fs *StackFs) Serve(mountPoint string) error {
	logger := util.GetLogger("Server")
	logger = logger.With().Str("mountID", fs.mountID).Logger()

	raw := wfuse.NewFuseRaw(fs.cfg, fs.FileSystem, fs.provider)
	srv, err := fuse.NewServer(raw, mountPoint, fs.mountOptions())
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", mountPoint, err)
	}
	fs.server = srv

	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		return fmt.Errorf("mount %s never became ready: %w", mountPoint, err)
	}

	var st fuse.StatfsOut
	if status := fs.provider.StatSpace(fs.cfg.Source, &st); status.Ok() {
		logger.Info().
			Str("source", fs.cfg.Source).
			Str("mountpoint", mountPoint).
			Str("size", humanize.IBytes(st.Blocks*uint64(st.Bsize))).
			Str("free", humanize.IBytes(st.Bavail*uint64(st.Bsize))).
			Msg("Passthrough mounted")
	} else {
		logger.Warn().Str("source", fs.cfg.Source).Str("status", status.String()).Msg("Cannot stat source filesystem")
	}
	return nil
}

func (fs *StackFs) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- fs.Serve(mountPoint)
		close(done)
	}()

	return done
}

// Wait blocks until the filesystem is unmounted.
func (fs *StackFs) Wait() {
	if fs.server != nil {
		fs.server.Wait()
	}
}

// Unmount cleanly unmounts the filesystem.
func (fs *StackFs) Unmount() error {
	if fs.server == nil {
		return nil
	}
	return fs.server.Unmount()
}

func (fs *StackFs) mountOptions() *fuse.MountOptions {
	opts := fs.cfg.MountOptions
	return &fuse.MountOptions{
		Name:       opts.Name,
		FsName:     opts.FsName,
		AllowOther: opts.AllowOther,
		MaxWrite:   fs.cfg.MaxWrite,
		Debug:      opts.Debug,
		Logger:     util.NewLogLogger("FuseServer", util.DebugLevel),
		// every READDIRPLUS entry would need its own lstat
		DisableReadDirPlus: true,
	}
}

// Package stackfs mounts a FUSE filesystem that relays every operation to
// the same path under a host source directory.
//
// With the default source of "/", every path in the mount names the identical
// host path. Nothing is cached and no descriptor is held between requests.
package stackfs

import (
	"github.com/brettbedarf/stackfs/config"
	"github.com/brettbedarf/stackfs/server"
)

// New creates a StackFs instance given your config.
func New(cfg *config.Config) *server.StackFs {
	return server.New(cfg)
}

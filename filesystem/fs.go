// Package filesystem keeps the table from kernel NodeIDs to paths under the
// passthrough source directory.
package filesystem

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/stackfs/config"
	"github.com/brettbedarf/stackfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
)

type FileSystem struct {
	cfg          *config.Config
	root         *Node                     // Root of node tree
	lastNodeID   atomic.Uint64             // Last registry NodeID assigned; assigned on-demand for session only
	nodeRegistry *xsync.Map[uint64, *Node] // maps registry NodeIDs to Nodes
	treeMu       sync.Mutex                // serializes structural changes: renames, removals and pruning
}

func NewFS(cfg *config.Config) *FileSystem {
	rootNode := NewNode("", nil)
	rootNode.nodeID.Store(fuse.FUSE_ROOT_ID)

	fs := FileSystem{cfg: cfg, root: rootNode}
	fs.lastNodeID.Store(fuse.FUSE_ROOT_ID)
	fs.nodeRegistry = xsync.NewMap[uint64, *Node]()
	fs.nodeRegistry.Store(fuse.FUSE_ROOT_ID, rootNode)
	return &fs
}

func (fs *FileSystem) Root() *Node {
	return fs.root
}

// Source is the host directory the mount mirrors
func (fs *FileSystem) Source() string {
	return fs.cfg.Source
}

// GetNode returns the registered node for nodeID
func (fs *FileSystem) GetNode(nodeID uint64) (*Node, bool) {
	return fs.nodeRegistry.Load(nodeID)
}

// HostPath resolves nodeID to its host path. It reports false for unknown
// NodeIDs and for nodes that have been unlinked or removed.
func (fs *FileSystem) HostPath(nodeID uint64) (string, bool) {
	logger := util.GetLogger("FS.HostPath")

	node, ok := fs.nodeRegistry.Load(nodeID)
	if !ok {
		logger.Debug().Uint64("nodeID", nodeID).Msg("No node found")
		return "", false
	}
	rel, err := node.Path()
	if err != nil {
		logger.Debug().Err(err).Uint64("nodeID", nodeID).Msg("Node no longer reachable")
		return "", false
	}
	return filepath.Join(fs.cfg.Source, rel), true
}

// ChildHostPath resolves name within the directory parentID without
// registering anything.
func (fs *FileSystem) ChildHostPath(parentID uint64, name string) (string, bool) {
	dir, ok := fs.HostPath(parentID)
	if !ok {
		return "", false
	}
	return filepath.Join(dir, name), true
}

// LookupChild returns the node for name under parentID, creating it if
// needed, and takes one kernel lookup reference on it. The node is given a
// NodeID if it does not already have one.
//
// Callers must only invoke it after the host confirmed the entry exists;
// every successful call must eventually be balanced by [FileSystem.Forget].
func (fs *FileSystem) LookupChild(parentID uint64, name string) (*Node, bool) {
	logger := util.GetLogger("FS.LookupChild")
	logger.Trace().Uint64("parentID", parentID).Str("name", name).Msg("LookupChild called")

	parent, ok := fs.nodeRegistry.Load(parentID)
	if !ok || parent.IsDel() {
		logger.Debug().Uint64("parentID", parentID).Str("name", name).Msg("No parent found")
		return nil, false
	}

	for {
		child, ok := parent.GetChild(name)
		if !ok {
			child, _ = parent.children.LoadOrStore(name, NewNode(name, parent))
		}

		child.mu.Lock()
		if child.isDel.Load() {
			// lost a race with Forget pruning it; try again with a fresh node
			child.mu.Unlock()
			continue
		}
		child.lookups++
		id := fs.ensureNodeIDLocked(child)
		child.mu.Unlock()

		logger.Trace().Uint64("parentID", parentID).Str("name", name).Uint64("nodeID", id).Msg("Child referenced")
		return child, true
	}
}

// Forget drops nlookup kernel references from nodeID. A node with no
// references left is unregistered, and pruned from the tree along with any
// ancestors it leaves empty and unregistered. The root is never forgotten.
func (fs *FileSystem) Forget(nodeID, nlookup uint64) {
	logger := util.GetLogger("FS.Forget")
	logger.Trace().Uint64("nodeID", nodeID).Uint64("nlookup", nlookup).Msg("Forget called")

	if nodeID == fuse.FUSE_ROOT_ID {
		return
	}
	node, ok := fs.nodeRegistry.Load(nodeID)
	if !ok {
		logger.Debug().Uint64("nodeID", nodeID).Msg("No node found")
		return
	}

	fs.treeMu.Lock()
	defer fs.treeMu.Unlock()
	node.mu.Lock()
	if nlookup < node.lookups {
		node.lookups -= nlookup
		node.mu.Unlock()
		return
	}
	node.lookups = 0
	fs.nodeRegistry.Delete(nodeID)
	node.nodeID.Store(0)
	node.mu.Unlock()
	logger.Trace().Uint64("nodeID", nodeID).Msg("NodeID released")

	fs.pruneLocked(node)
}

// pruneLocked removes n from the tree, then walks up removing each ancestor
// left with no NodeID, no lookups and no children. It stops at the first node
// still in use. fs.treeMu must be held.
func (fs *FileSystem) pruneLocked(n *Node) {
	for n != nil {
		n.mu.Lock()
		parent := n.parent
		if parent == nil || n.isDel.Load() || n.lookups > 0 || n.nodeID.Load() != 0 || n.children.Size() > 0 {
			n.mu.Unlock()
			return
		}
		if cur, ok := parent.GetChild(n.name); ok && cur == n {
			parent.children.Delete(n.name)
		}
		n.isDel.Store(true)
		n.mu.Unlock()
		n = parent
	}
}

// Detach unlinks name from parentID after the host removed it. The node
// stays registered until the kernel forgets it, but no longer resolves.
func (fs *FileSystem) Detach(parentID uint64, name string) {
	fs.treeMu.Lock()
	defer fs.treeMu.Unlock()

	if parent, ok := fs.nodeRegistry.Load(parentID); ok {
		parent.RemoveChild(name)
	}
}

// Move follows a successful host rename. Anything previously known at the
// destination is detached, since the host replaced it.
func (fs *FileSystem) Move(oldParentID uint64, oldName string, newParentID uint64, newName string) {
	logger := util.GetLogger("FS.Move")

	fs.treeMu.Lock()
	defer fs.treeMu.Unlock()

	oldParent, ok := fs.nodeRegistry.Load(oldParentID)
	if !ok {
		return
	}
	newParent, ok := fs.nodeRegistry.Load(newParentID)
	if !ok {
		// the destination is unknown to the kernel; nothing under it can resolve
		oldParent.RemoveChild(oldName)
		return
	}

	child, ok := oldParent.children.LoadAndDelete(oldName)
	if !ok {
		newParent.RemoveChild(newName)
		return
	}
	if replaced, ok := newParent.GetChild(newName); ok && replaced != child {
		newParent.RemoveChild(newName)
	}
	child.rename(newParent, newName)
	newParent.children.Store(newName, child)
	logger.Trace().Str("from", oldName).Str("to", newName).Msg("Node moved")
}

// ensureNodeIDLocked retrieves or allocates the node's NodeID.
// n.mu must be held for writing.
func (fs *FileSystem) ensureNodeIDLocked(n *Node) uint64 {
	if id := n.nodeID.Load(); id != 0 {
		return id
	}
	newID := fs.lastNodeID.Add(1)
	n.nodeID.Store(newID)
	fs.nodeRegistry.Store(newID, n)
	return newID
}

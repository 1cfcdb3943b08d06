package filesystem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
)

// Node is one name the kernel has looked up. It carries no attributes; the
// host is asked afresh on every request.
type Node struct {
	name     string                    // Name of the node (last part of the path). Protected by mu
	parent   *Node                     // Protected by mu
	lookups  uint64                    // Kernel lookup count. Protected by mu
	mu       sync.RWMutex              // Protects the fields above
	nodeID   atomic.Uint64             // Active registry ID; 0 if not registered
	children *xsync.Map[string, *Node] // thread-safe map of child nodes by name
	isDel    atomic.Bool               // set once the node is detached from the tree
}

// NewNode creates a Node already linked under parent. The parent's children
// map is left to the caller.
func NewNode(name string, parent *Node) *Node {
	return &Node{
		name:     name,
		parent:   parent,
		children: xsync.NewMap[string, *Node](),
	}
}

// NodeID returns the nodeID of the node (Thread-safe); 0 if not registered
func (n *Node) NodeID() uint64 {
	return n.nodeID.Load()
}

// Lookups returns the outstanding kernel lookup count
func (n *Node) Lookups() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lookups
}

// Path returns the path of the node relative from root.
// If the node is the root, returns ""
//
// Returns an error if the node or an ancestor is detached, along with the
// path up to the first detached node
func (n *Node) Path() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pathLocked()
}

// See [Node.Path]
func (n *Node) pathLocked() (string, error) {
	if n.isRootLocked() {
		return "", nil
	}
	if n.isDel.Load() {
		return "", fmt.Errorf("deleted node: %s", n.name)
	}
	p := n.parent
	if p == nil {
		return n.name, fmt.Errorf("detached node: %s", n.name)
	}

	pPath, err := p.Path()
	if pPath == "" {
		// relative from root
		return pPath + n.name, err
	}
	return pPath + "/" + n.name, err
}

// AddChild adds a child node to the node's children map
// and sets the child's parent to this node
func (n *Node) AddChild(child *Node) {
	n.children.Store(child.Name(), child)

	child.mu.Lock()
	defer child.mu.Unlock()
	child.parent = n
}

// GetChild returns a child node.
// Safe to call when Node is already locked
func (n *Node) GetChild(name string) (child *Node, ok bool) {
	return n.children.Load(name)
}

// RemoveChild unlinks the named child and marks it deleted. It returns the
// detached node, if there was one.
func (n *Node) RemoveChild(name string) (*Node, bool) {
	child, exists := n.children.LoadAndDelete(name)
	if !exists {
		return nil, false
	}
	child.mu.Lock()
	defer child.mu.Unlock()
	child.parent = nil
	child.isDel.Store(true)
	return child, true
}

// Name returns the node's current name
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) IsDel() bool {
	return n.isDel.Load()
}

func (n *Node) IsRoot() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.isRootLocked()
}

func (n *Node) isRootLocked() bool {
	return n.parent == nil && n.nodeID.Load() == fuse.FUSE_ROOT_ID
}

// rename repoints the node at newParent under newName. The children maps are
// the caller's responsibility.
func (n *Node) rename(newParent *Node, newName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.parent = newParent
	n.name = newName
}

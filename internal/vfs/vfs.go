// Package vfs is the virtual filesystem tree, file descriptor table and
// mount table. Nodes live in a bounded arena addressed by index rather
// than by pointer, so a child can record its parent as a plain integer:
// a fixed array of structs instead of heap-allocated nodes, since the
// node count is bounded up front.
package vfs

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/kerr"
)

const (
	maxNodes       = 1024
	maxChildren    = 64
	maxInlineData  = 4096
	maxOpenFiles   = 256
	maxMounts      = 16
)

// NodeType enumerates VFS node kinds.
type NodeType int

const (
	NodeFile NodeType = iota
	NodeDir
	NodeSymlink
	NodeDevice
)

// Node is one in-memory VFS tree record.
type Node struct {
	InUse      bool
	Name       string
	Type       NodeType
	Perms      uint16
	Size       uint64
	Ctime      uint64
	Mtime      uint64
	UID, GID   uint32
	InlineData []byte
	Children   []int
	Parent     int
	ID         int
}

// Mount is a record {mount-point, fs-type, vtable, opaque state, active}.
type Mount struct {
	Active     bool
	Path       string
	FSType     string
	Ops        MountOps
	FSState    interface{}
}

// MountOps is the exact mount vtable: open, close, read, write,
// readdir, mkdir, stat, create, delete. Every call receives the mount's
// opaque FSState back; the VFS itself never inspects it.
type MountOps interface {
	Open(state interface{}, path string, flags int) (fsFd interface{}, err error)
	Close(state interface{}, fsFd interface{}) error
	Read(state interface{}, fsFd interface{}, offset uint64, buf []byte) (int, error)
	Write(state interface{}, fsFd interface{}, offset uint64, buf []byte) (int, error)
	ReadDir(state interface{}, path string) ([]DirEntry, error)
	Mkdir(state interface{}, path string) error
	Stat(state interface{}, path string) (Stat, error)
	Create(state interface{}, path string, perms uint16) error
	Delete(state interface{}, path string) error
}

// DirEntry is one directory-listing result, used by both the in-memory
// tree's ReadDir and mount-delegated ReadDir.
type DirEntry struct {
	Name string
	Type NodeType
}

// Stat mirrors the fields callers can observe about a node regardless of
// backend.
type Stat struct {
	Type  NodeType
	Perms uint16
	Size  uint64
	Ctime uint64
	Mtime uint64
}

// OpenFile is a file descriptor table entry.
type OpenFile struct {
	InUse      bool
	MountIndex int // -1 for the in-memory tree
	NodeID     int // valid when MountIndex == -1
	FSFd       interface{}
	Path       string // retained for mount-backed fds, which address by path
	Offset     uint64
	Flags      int
}

// VFS owns the node arena, the fd table and the mount table.
type VFS struct {
	nodes  [maxNodes]Node
	fds    [maxOpenFiles]OpenFile
	mounts [maxMounts]Mount
	log    logr.Logger
}

var global *VFS

const rootNodeID = 0

// ErrReadOnly is returned by mount vtables (ext2, and this package's test
// double) that reject every mutating call.
var ErrReadOnly = kerr.ErrInvalid

// Init builds the tree with a single root directory "/" and no mounts.
func Init(log logr.Logger) *VFS {
	v := &VFS{log: log}
	v.nodes[rootNodeID] = Node{
		InUse:  true,
		Name:   "/",
		Type:   NodeDir,
		Perms:  0755,
		Parent: rootNodeID,
		ID:     rootNodeID,
	}
	global = v
	if log.GetSink() != nil {
		log.Info("vfs initialized", "maxNodes", maxNodes, "maxMounts", maxMounts)
	}
	return v
}

// Global returns the singleton built by Init.
func Global() *VFS { return global }

// Mount installs ops under path. A path already
// prefixed by an active mount cannot itself host another.
func (v *VFS) Mount(path, fsType string, ops MountOps, state interface{}) error {
	clean := normalize(path)
	for _, m := range v.mounts {
		if m.Active && (m.Path == clean || m.Path == "/" || clean == "/" || strings.HasPrefix(clean, m.Path+"/") || strings.HasPrefix(m.Path, clean+"/")) {
			return kerr.ErrInvalid
		}
	}
	for i := range v.mounts {
		if !v.mounts[i].Active {
			v.mounts[i] = Mount{Active: true, Path: clean, FSType: fsType, Ops: ops, FSState: state}
			if v.log.GetSink() != nil {
				v.log.Info("mounted filesystem", "path", clean, "type", fsType)
			}
			return nil
		}
	}
	return kerr.ErrExhausted
}

// Unmount removes the mount-table entry at path; it never touches the
// in-memory tree.
func (v *VFS) Unmount(path string) error {
	clean := normalize(path)
	for i := range v.mounts {
		if v.mounts[i].Active && v.mounts[i].Path == clean {
			v.mounts[i] = Mount{}
			return nil
		}
	}
	return kerr.ErrNotFound
}

// normalize collapses "." and ".." and duplicate separators (the
// round-trip invariant resolve(normalize(p)) == resolve(p)).
func normalize(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	var stack []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	return "/" + strings.Join(stack, "/")
}

// findMount returns the most specific active mount whose path is a
// prefix of clean, and the remainder of the path below the mount point.
func (v *VFS) findMount(clean string) (*Mount, string, bool) {
	var best *Mount
	var bestLen int
	for i := range v.mounts {
		m := &v.mounts[i]
		if !m.Active {
			continue
		}
		if clean == m.Path || m.Path == "/" || strings.HasPrefix(clean, m.Path+"/") {
			if len(m.Path) > bestLen {
				best = m
				bestLen = len(m.Path)
			}
		}
	}
	if best == nil {
		return nil, "", false
	}
	rel := strings.TrimPrefix(clean, best.Path)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "/"
	} else {
		rel = "/" + rel
	}
	return best, rel, true
}

// resolveNode walks the in-memory tree from root for a mount-free path,
// honoring "." and ".." (already collapsed by normalize, but "..' past
// root is clamped there too). Returns the node id.
func (v *VFS) resolveNode(clean string) (int, bool) {
	if clean == "/" {
		return rootNodeID, true
	}
	cur := rootNodeID
	for _, comp := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		node := &v.nodes[cur]
		found := -1
		for _, childID := range node.Children {
			if v.nodes[childID].Name == comp {
				found = childID
				break
			}
		}
		if found < 0 {
			return 0, false
		}
		cur = found
	}
	return cur, true
}

func (v *VFS) allocNode() (int, bool) {
	for i := 1; i < maxNodes; i++ {
		if !v.nodes[i].InUse {
			return i, true
		}
	}
	return 0, false
}

func (v *VFS) allocFD() (int, bool) {
	for i := range v.fds {
		if !v.fds[i].InUse {
			return i, true
		}
	}
	return 0, false
}

// Open resolves path (through a mount if one covers it, otherwise the
// in-memory tree) and installs a file descriptor.
func (v *VFS) Open(path string, flags int) (int, error) {
	clean := normalize(path)
	fdIdx, ok := v.allocFD()
	if !ok {
		return -1, kerr.ErrExhausted
	}

	if m, rel, ok := v.findMount(clean); ok {
		fsFd, err := m.Ops.Open(m.FSState, rel, flags)
		if err != nil {
			return -1, err
		}
		v.fds[fdIdx] = OpenFile{InUse: true, MountIndex: mountSlotIndex(v, m), FSFd: fsFd, Path: clean, Flags: flags}
		return fdIdx, nil
	}

	nodeID, ok := v.resolveNode(clean)
	if !ok {
		return -1, kerr.ErrNotFound
	}
	v.fds[fdIdx] = OpenFile{InUse: true, MountIndex: -1, NodeID: nodeID, Path: clean, Flags: flags}
	return fdIdx, nil
}

func mountSlotIndex(v *VFS, m *Mount) int {
	for i := range v.mounts {
		if &v.mounts[i] == m {
			return i
		}
	}
	return -1
}

// Close releases fd.
func (v *VFS) Close(fd int) error {
	if fd < 0 || fd >= maxOpenFiles || !v.fds[fd].InUse {
		return kerr.ErrInvalid
	}
	of := v.fds[fd]
	if of.MountIndex >= 0 {
		m := &v.mounts[of.MountIndex]
		_ = m.Ops.Close(m.FSState, of.FSFd)
	}
	v.fds[fd] = OpenFile{}
	return nil
}

// Read reads from fd at its current offset, advancing it by the number
// of bytes actually read.
func (v *VFS) Read(fd int, buf []byte) (int, error) {
	if fd < 0 || fd >= maxOpenFiles || !v.fds[fd].InUse {
		return 0, kerr.ErrInvalid
	}
	of := &v.fds[fd]

	if of.MountIndex >= 0 {
		m := &v.mounts[of.MountIndex]
		n, err := m.Ops.Read(m.FSState, of.FSFd, of.Offset, buf)
		if err != nil {
			return 0, err
		}
		of.Offset += uint64(n)
		return n, nil
	}

	node := &v.nodes[of.NodeID]
	if of.Offset >= node.Size {
		return 0, nil
	}
	end := of.Offset + uint64(len(buf))
	if end > node.Size {
		end = node.Size
	}
	n := copy(buf, node.InlineData[of.Offset:end])
	of.Offset += uint64(n)
	return n, nil
}

// Write writes to fd at its current offset (in-memory tree only; mounts
// that reject writes — like ext2 — return an error from their vtable).
func (v *VFS) Write(fd int, buf []byte) (int, error) {
	if fd < 0 || fd >= maxOpenFiles || !v.fds[fd].InUse {
		return 0, kerr.ErrInvalid
	}
	of := &v.fds[fd]

	if of.MountIndex >= 0 {
		m := &v.mounts[of.MountIndex]
		n, err := m.Ops.Write(m.FSState, of.FSFd, of.Offset, buf)
		if err != nil {
			return 0, err
		}
		of.Offset += uint64(n)
		return n, nil
	}

	node := &v.nodes[of.NodeID]
	end := of.Offset + uint64(len(buf))
	if end > maxInlineData {
		return 0, kerr.ErrExhausted
	}
	if int(end) > len(node.InlineData) {
		grown := make([]byte, end)
		copy(grown, node.InlineData)
		node.InlineData = grown
	}
	copy(node.InlineData[of.Offset:end], buf)
	if end > node.Size {
		node.Size = end
	}
	of.Offset += uint64(len(buf))
	return len(buf), nil
}

// Create makes a new regular file at path in the in-memory tree (mounts
// reject creation through their own vtable if read-only).
func (v *VFS) Create(path string, perms uint16) error {
	clean := normalize(path)
	if m, rel, ok := v.findMount(clean); ok {
		return m.Ops.Create(m.FSState, rel, perms)
	}

	dirPath, name := splitPath(clean)
	parentID, ok := v.resolveNode(dirPath)
	if !ok {
		return kerr.ErrNotFound
	}
	parent := &v.nodes[parentID]
	if len(parent.Children) >= maxChildren {
		return kerr.ErrExhausted
	}

	childID, ok := v.allocNode()
	if !ok {
		return kerr.ErrExhausted
	}
	v.nodes[childID] = Node{InUse: true, Name: name, Type: NodeFile, Perms: perms, Parent: parentID, ID: childID}
	parent.Children = append(parent.Children, childID)
	return nil
}

// Mkdir makes a new directory at path in the in-memory tree.
func (v *VFS) Mkdir(path string) error {
	clean := normalize(path)
	if m, rel, ok := v.findMount(clean); ok {
		return m.Ops.Mkdir(m.FSState, rel)
	}

	dirPath, name := splitPath(clean)
	parentID, ok := v.resolveNode(dirPath)
	if !ok {
		return kerr.ErrNotFound
	}
	parent := &v.nodes[parentID]
	if len(parent.Children) >= maxChildren {
		return kerr.ErrExhausted
	}

	childID, ok := v.allocNode()
	if !ok {
		return kerr.ErrExhausted
	}
	v.nodes[childID] = Node{InUse: true, Name: name, Type: NodeDir, Perms: 0755, Parent: parentID, ID: childID}
	parent.Children = append(parent.Children, childID)
	return nil
}

// Delete removes path from the in-memory tree.
func (v *VFS) Delete(path string) error {
	clean := normalize(path)
	if m, rel, ok := v.findMount(clean); ok {
		return m.Ops.Delete(m.FSState, rel)
	}
	if clean == "/" {
		return kerr.ErrInvalid
	}

	nodeID, ok := v.resolveNode(clean)
	if !ok {
		return kerr.ErrNotFound
	}
	node := &v.nodes[nodeID]
	parent := &v.nodes[node.Parent]
	for i, c := range parent.Children {
		if c == nodeID {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	v.nodes[nodeID] = Node{}
	return nil
}

// Stat reports metadata for path.
func (v *VFS) Stat(path string) (Stat, error) {
	clean := normalize(path)
	if m, rel, ok := v.findMount(clean); ok {
		return m.Ops.Stat(m.FSState, rel)
	}

	nodeID, ok := v.resolveNode(clean)
	if !ok {
		return Stat{}, kerr.ErrNotFound
	}
	n := &v.nodes[nodeID]
	return Stat{Type: n.Type, Perms: n.Perms, Size: n.Size, Ctime: n.Ctime, Mtime: n.Mtime}, nil
}

// ReadDir lists path's children.
func (v *VFS) ReadDir(path string) ([]DirEntry, error) {
	clean := normalize(path)
	if m, rel, ok := v.findMount(clean); ok {
		return m.Ops.ReadDir(m.FSState, rel)
	}

	nodeID, ok := v.resolveNode(clean)
	if !ok {
		return nil, kerr.ErrNotFound
	}
	node := &v.nodes[nodeID]
	if node.Type != NodeDir {
		return nil, kerr.ErrInvalid
	}
	out := make([]DirEntry, 0, len(node.Children))
	for _, childID := range node.Children {
		c := &v.nodes[childID]
		out = append(out, DirEntry{Name: c.Name, Type: c.Type})
	}
	return out, nil
}

func splitPath(clean string) (dir, name string) {
	idx := strings.LastIndex(clean, "/")
	if idx <= 0 {
		return "/", clean[idx+1:]
	}
	return clean[:idx], clean[idx+1:]
}

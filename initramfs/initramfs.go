// Package initramfs is a tiny in-memory, byte-slice-keyed file table
// standing in for a tar-parsed boot filesystem, exposed through the same
// vfs.Node/vfs.Tree surface a real UFS mount would use. It holds process
// images rather than implementing the on-disk layout ufs.Ufs_t
// (biscuit/src/ufs/ufs.go) wraps; the directory-entry shape it exposes is
// grounded on that package's path-keyed lookups.
package initramfs

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/vfs"
)

// FS is a flat map of absolute paths to file contents, with directories
// synthesized from the path prefixes that appear.
type FS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// New builds an FS from a path->contents map. Paths must be absolute
// ("/init", "/bin/sh"); "/" is always a valid directory even if empty.
func New(files map[string][]byte) *FS {
	fs := &FS{files: make(map[string][]byte, len(files))}
	for p, b := range files {
		fs.files[path.Clean(p)] = b
	}
	return fs
}

// Lookup implements vfs.Tree.
func (fs *FS) Lookup(p string) (vfs.Node, defs.Err_t) {
	p = path.Clean("/" + p)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if data, ok := fs.files[p]; ok {
		return &fileNode{fs: fs, path: p, data: data}, 0
	}
	if fs.isDir(p) {
		return &dirNode{fs: fs, prefix: p}, 0
	}
	return nil, defs.ENOENT
}

// Put installs or replaces a file's contents, used to seed the kernel's
// first user image before any process has opened it.
func (fs *FS) Put(p string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path.Clean("/"+p)] = data
}

func (fs *FS) isDir(p string) bool {
	if p == "/" {
		return true
	}
	prefix := p
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

// children lists the immediate child names of a directory prefix, sorted
// for deterministic Readdir ordering.
func (fs *FS) children(prefix string) []string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := map[string]bool{}
	fs.mu.RLock()
	for f := range fs.files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		rest := strings.TrimPrefix(f, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = true
		}
	}
	fs.mu.RUnlock()
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type fileNode struct {
	fs   *FS
	path string
	data []byte
}

func (n *fileNode) Kind() vfs.Kind { return vfs.KindFile }
func (n *fileNode) Size() int64    { return int64(len(n.data)) }

func (n *fileNode) ReadAt(buf []byte, off int64) (int, defs.Err_t) {
	if off < 0 {
		return -1, defs.EINVAL
	}
	if off >= int64(len(n.data)) {
		return 0, 0
	}
	return copy(buf, n.data[off:]), 0
}

func (n *fileNode) WriteAt(buf []byte, off int64) (int, defs.Err_t) {
	if off < 0 {
		return -1, defs.EINVAL
	}
	end := off + int64(len(buf))
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	data := n.fs.files[n.path]
	if int64(len(data)) < end {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:end], buf)
	n.fs.files[n.path] = data
	n.data = data
	return len(buf), 0
}

func (n *fileNode) Readdir(idx int) (string, bool) { return "", false }

type dirNode struct {
	fs     *FS
	prefix string
}

func (n *dirNode) Kind() vfs.Kind { return vfs.KindDir }
func (n *dirNode) Size() int64    { return int64(len(n.fs.children(n.prefix))) }

func (n *dirNode) ReadAt(buf []byte, off int64) (int, defs.Err_t) {
	return -1, defs.ENOTDIR
}

func (n *dirNode) WriteAt(buf []byte, off int64) (int, defs.Err_t) {
	return -1, defs.ENOTDIR
}

func (n *dirNode) Readdir(idx int) (string, bool) {
	names := n.fs.children(n.prefix)
	if idx < 0 || idx >= len(names) {
		return "", false
	}
	return names[idx], true
}

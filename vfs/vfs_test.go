package vfs

import (
	"testing"

	"github.com/shard-kernel/shard/defs"
)

// fixedSizeNode is a minimal file Node for tests that don't need real byte
// storage.
type fixedSizeNode struct {
	size     int64
	writable bool
}

func (n *fixedSizeNode) Kind() Kind                                     { return KindFile }
func (n *fixedSizeNode) Size() int64                                    { return n.size }
func (n *fixedSizeNode) ReadAt(buf []byte, off int64) (int, defs.Err_t)  { return 0, 0 }
func (n *fixedSizeNode) WriteAt(buf []byte, off int64) (int, defs.Err_t) { return len(buf), 0 }
func (n *fixedSizeNode) Readdir(idx int) (string, bool)                 { return "", false }

type dirNode struct{ ents []string }

func (n *dirNode) Kind() Kind                                    { return KindDir }
func (n *dirNode) Size() int64                                   { return int64(len(n.ents)) }
func (n *dirNode) ReadAt(buf []byte, off int64) (int, defs.Err_t)  { return -1, defs.EINVAL }
func (n *dirNode) WriteAt(buf []byte, off int64) (int, defs.Err_t) { return -1, defs.EINVAL }
func (n *dirNode) Readdir(idx int) (string, bool) {
	if idx < 0 || idx >= len(n.ents) {
		return "", false
	}
	return n.ents[idx], true
}

// treeMap is a trivial Tree backed by a path->Node map, enough to exercise
// the Lookup contract without pulling in initramfs.
type treeMap map[string]Node

func (m treeMap) Lookup(path string) (Node, defs.Err_t) {
	n, ok := m[path]
	if !ok {
		return nil, defs.ENOENT
	}
	return n, 0
}

func TestTreeLookupMissingPathReturnsENOENT(t *testing.T) {
	tree := treeMap{"/a": &fixedSizeNode{size: 4}}
	if _, err := tree.Lookup("/b"); err != defs.ENOENT {
		t.Fatalf("Lookup missing path = %v, want ENOENT", err)
	}
}

func TestTreeLookupResolvesNode(t *testing.T) {
	want := &fixedSizeNode{size: 4}
	tree := treeMap{"/a": want}
	got, err := tree.Lookup("/a")
	if err != 0 || got != want {
		t.Fatalf("Lookup = %v, %v; want %v, 0", got, err, want)
	}
}

func TestDirNodeReaddirPastEndReturnsFalse(t *testing.T) {
	n := &dirNode{ents: []string{"a", "b"}}
	if name, ok := n.Readdir(0); !ok || name != "a" {
		t.Fatalf("entry 0 = %q, %v; want a, true", name, ok)
	}
	if _, ok := n.Readdir(2); ok {
		t.Fatalf("past-end Readdir should return false")
	}
}

func TestSeekWhenceConstantsAreDistinct(t *testing.T) {
	if SeekSet == SeekCur || SeekCur == SeekEnd || SeekSet == SeekEnd {
		t.Fatalf("seek whence constants must be distinct: %d %d %d", SeekSet, SeekCur, SeekEnd)
	}
}

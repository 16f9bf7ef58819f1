// Package vfs is the consumer-view filesystem surface that C6's open/
// read/lseek/close/readdir syscall bodies drive, generalized from
// biscuit's fd.Fd_t/fdops.Fdops_i split (biscuit/src/fd/fd.go): a thin
// operations interface a concrete backing store implements, and a
// descriptor type syscalls hold per open file. It does not implement an
// on-disk layout the way ufs.Ufs_t does — that is initramfs's job.
package vfs

import (
	"github.com/shard-kernel/shard/defs"
)

// Kind distinguishes what a Node represents.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindDevice
)

// Node is the operations a backing store exposes per open file, directory,
// or device, mirroring fdops.Fdops_i's Read/Write/Close/Reopen shape but
// trimmed to what this core's syscall table actually drives.
type Node interface {
	Kind() Kind
	Size() int64
	// ReadAt/WriteAt follow io.ReaderAt/io.WriterAt semantics: n bytes
	// starting at off, -1 and an error on failure. Device nodes honor off
	// too (the raw disk node maps it onto 512-byte sectors).
	ReadAt(buf []byte, off int64) (int, defs.Err_t)
	WriteAt(buf []byte, off int64) (int, defs.Err_t)
	// Readdir returns the idx'th child's name, or ("", false) past the
	// end; only valid on KindDir.
	Readdir(idx int) (string, bool)
}

// Tree resolves paths to Nodes. initramfs is the only implementation in
// this repo, but syscalls depends only on this interface so a real UFS
// mount could be substituted without touching C6.
type Tree interface {
	Lookup(path string) (Node, defs.Err_t)
}

// Seek whence values, matching biscuit's lseek constants. syscalls owns
// the actual per-fd cursor (t.OpenFiles' Offset field) since a thread's
// open-file table has to stay a plain value array for fork to duplicate
// by shallow copy; these constants are the only part of that bookkeeping
// this package defines.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

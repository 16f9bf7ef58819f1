// Package defs holds the small set of types and error codes shared by
// every kernel package, mirroring biscuit's own leaf "defs" package.
package defs

// Err_t is the uniform error return used by every kernel-internal
// operation. Zero is success. The syscall ABI does not carry it: a
// failing syscall returns -1.
type Err_t int

// Errno-style error codes, stored as positive values. Functions return
// them as is and callers compare against them directly (err == EFAULT).
const (
	EPERM    Err_t = 1  /// caller ring/thread-kind mismatch
	ENOENT   Err_t = 2  /// no such file, child, or device
	ESRCH    Err_t = 3  /// no such thread/process
	EIO      Err_t = 5  /// hardware failure (virtio status, no memory map)
	ENOMEM   Err_t = 12 /// frame or table allocation failed
	EFAULT   Err_t = 14 /// bad user pointer or unmapped access
	EEXIST   Err_t = 17 /// mapping already present
	ENOTDIR  Err_t = 20 /// readdir on a non-directory fd
	EINVAL   Err_t = 22 /// bad argument
	ENAMETOOLONG Err_t = 36 /// user string exceeds the caller's buffer
	EAGAIN   Err_t = 35 /// resource table full, try again later
	ECORRUPT Err_t = 100 /// kernel-stack canary or page-table invariant violated
)

// Tid_t is a thread/process id. Id 0 is reserved for the bootstrap thread.
type Tid_t int

// Device major numbers consumed by the vfs device-node surface (§3).
const (
	DevConsole int = 1
	DevNull    int = 2
	DevRawDisk int = 3
	DevStat    int = 4
	DevFile    int = 5
)

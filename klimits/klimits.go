// Package klimits holds the fixed, compile-time resource capacities the
// kernel is built with, generalized from biscuit's limits.Syslimit_t.
// A freestanding kernel has no config file to read these from at runtime.
package klimits

// MaxThreads bounds the scheduler's thread table (§3: "a bounded open-file
// table", similarly the thread table here is fixed-capacity).
const MaxThreads = 256

// MaxOpenFiles bounds a single thread's open-file table.
const MaxOpenFiles = 32

// KStackPages is the number of 4 KiB pages backing every kernel stack.
const KStackPages = 4

// UStackPages is the number of 4 KiB pages backing a user stack.
const UStackPages = 4

// MaxIRQNest bounds nested IRQ priority masking (§4.4).
const MaxIRQNest = 8

// MaxMSIVectors bounds the MSI vector pool, generalized from biscuit's
// msi.msivecs map of 8 entries.
const MaxMSIVectors = 8

// NameLen is the fixed length of a thread's short name field.
const NameLen = 16

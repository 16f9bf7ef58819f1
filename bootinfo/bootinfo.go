// Package bootinfo parses the Multiboot2-shaped information blob the
// boot loader hands the kernel: a {total_size, reserved} header followed
// by a tag stream, each tag {type, size} padded to 8-byte alignment. Tag
// layouts and the end/cmdline/bootloader/memory-map/framebuffer type
// values are taken from original_source/include/multiboot2.h; this
// package only decodes the subset spec.md §6 names.
package bootinfo

import (
	"encoding/binary"

	"github.com/shard-kernel/shard/defs"
)

// Tag types, per original_source/include/multiboot2.h's mb2_tag_mmap_t
// family.
const (
	TagEnd         = 0
	TagCmdline     = 1
	TagBootloader  = 2
	TagMemoryMap   = 6
	TagFramebuffer = 8
)

// MemType 1 marks a memory-map entry as available, per original_source's
// pmm_init ("Free all 'available' pages from the multiboot map").
const MemTypeAvailable = 1

const headerSize = 8 // sizeof(mb2_info_t): total_size + reserved
const tagHeaderSize = 8

// MemoryRegion mirrors one mb2_mmap_entry_t.
type MemoryRegion struct {
	Addr uint64
	Len  uint64
	Type uint32
}

// Framebuffer mirrors mb2_tag_framebuffer_t's fixed fields.
type Framebuffer struct {
	Addr   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    uint8
	Kind   uint8
}

// Info is everything this core extracts from the blob.
type Info struct {
	Cmdline     string
	Bootloader  string
	Memory      []MemoryRegion
	Framebuffer *Framebuffer
}

// Parse walks blob's tag stream and collects the tags spec.md §6 names.
// Unrecognized tag types are skipped by their declared size, the same
// forward-compatible behavior original_source's tag loop has (it only
// ever looks for MB2_TAG_MMAP and ignores everything else).
func Parse(blob []byte) (*Info, defs.Err_t) {
	if len(blob) < headerSize {
		return nil, defs.EINVAL
	}
	totalSize := binary.LittleEndian.Uint32(blob[0:4])
	if uint64(totalSize) > uint64(len(blob)) {
		return nil, defs.EINVAL
	}

	info := &Info{}
	off := headerSize
	for off+tagHeaderSize <= int(totalSize) {
		typ := binary.LittleEndian.Uint32(blob[off : off+4])
		size := binary.LittleEndian.Uint32(blob[off+4 : off+8])
		if typ == TagEnd {
			break
		}
		if off+int(size) > len(blob) {
			return nil, defs.EINVAL
		}
		body := blob[off : off+int(size)]

		switch typ {
		case TagCmdline:
			info.Cmdline = cString(body[tagHeaderSize:])
		case TagBootloader:
			info.Bootloader = cString(body[tagHeaderSize:])
		case TagMemoryMap:
			regions, err := parseMemoryMap(body)
			if err != 0 {
				return nil, err
			}
			info.Memory = regions
		case TagFramebuffer:
			fb, err := parseFramebuffer(body)
			if err != 0 {
				return nil, err
			}
			info.Framebuffer = fb
		}

		off += align8(int(size))
	}
	return info, 0
}

func align8(x int) int { return (x + 7) &^ 7 }

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseMemoryMap reads entry_size/entry_version then entries of
// {addr, len, type, zero}, per mb2_tag_mmap_t/mb2_mmap_entry_t.
func parseMemoryMap(body []byte) ([]MemoryRegion, defs.Err_t) {
	const mmapHeaderSize = 16 // type, size, entry_size, entry_version
	if len(body) < mmapHeaderSize {
		return nil, defs.EINVAL
	}
	entrySize := binary.LittleEndian.Uint32(body[8:12])
	if entrySize < 24 {
		return nil, defs.EINVAL
	}
	var regions []MemoryRegion
	for off := mmapHeaderSize; off+int(entrySize) <= len(body); off += int(entrySize) {
		e := body[off:]
		regions = append(regions, MemoryRegion{
			Addr: binary.LittleEndian.Uint64(e[0:8]),
			Len:  binary.LittleEndian.Uint64(e[8:16]),
			Type: binary.LittleEndian.Uint32(e[16:20]),
		})
	}
	return regions, 0
}

func parseFramebuffer(body []byte) (*Framebuffer, defs.Err_t) {
	const want = 8 + 8 + 4 + 4 + 4 + 1 + 1
	if len(body) < want {
		return nil, defs.EINVAL
	}
	b := body[tagHeaderSize:]
	return &Framebuffer{
		Addr:   binary.LittleEndian.Uint64(b[0:8]),
		Pitch:  binary.LittleEndian.Uint32(b[8:12]),
		Width:  binary.LittleEndian.Uint32(b[12:16]),
		Height: binary.LittleEndian.Uint32(b[16:20]),
		BPP:    b[20],
		Kind:   b[21],
	}, 0
}

// AvailableRanges returns only the MemTypeAvailable regions, the subset
// C1's frame allocator seeds itself from (original_source's pmm_init).
func (i *Info) AvailableRanges() []MemoryRegion {
	var out []MemoryRegion
	for _, r := range i.Memory {
		if r.Type == MemTypeAvailable {
			out = append(out, r)
		}
	}
	return out
}

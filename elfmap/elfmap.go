// Package elfmap is the ELF mapper (component C8): validates an image,
// maps its PT_LOAD segments into a fresh address space, and applies
// PT_DYNAMIC relocations for position-independent executables. Header
// and program-header parsing is done with the standard library's
// debug/elf, the same package biscuit's cmd/chentry
// (kernel/chentry.go) uses to manipulate ELF files; relocation
// application walks the dynamic segment by hand exactly as
// original_source/src/elf.c does, since debug/elf has no notion of "apply
// this relocation against this address space" — there is no section
// table to lean on once the image is trimmed to headers programs expect.
package elfmap

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
	"github.com/shard-kernel/shard/util"
	"github.com/shard-kernel/shard/vmspace"
)

// dynamicLoadBiasOffset is added to vmspace.UserRegionBase for ET_DYN
// images, taken verbatim from original_source/src/elf.c
// (USER_REGION_BASE + 0x01000000).
const dynamicLoadBiasOffset = 0x01000000

// Dynamic tags this loader understands, per original_source/include/elf.h.
const (
	dtRela    = 7
	dtRelaSz  = 8
	dtRelaEnt = 9
	dtSymTab  = 6
	dtSymEnt  = 11
	dtRel     = 17
	dtRelSz   = 18
	dtRelEnt  = 19
)

// Relocation types applied; anything else is a load failure (spec.md
// §4.8).
const (
	rX8664None     = 0
	rX8664_64      = 1
	rX8664GlobDat  = 6
	rX8664JumpSlot = 7
	rX8664Relative = 8
)

const symEntSize = 24 // sizeof(Elf64_Sym)
const dynEntSize = 16 // sizeof(Elf64_Dyn)
const relEntSize = 16 // sizeof(Elf64_Rel)
const relaEntSize = 24 // sizeof(Elf64_Rela)

// Load validates image, maps its PT_LOAD segments into root, applies
// dynamic relocations for ET_DYN images, and returns the entry point and
// the page-aligned end of the highest segment as the initial brk, per
// spec.md §4.8.
func Load(image []byte, mgr *pagetable.Manager, alloc *memframe.Allocator, root memframe.Frame) (uintptr, uintptr, defs.Err_t) {
	ef, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, 0, defs.EINVAL
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.Machine != elf.EM_X86_64 {
		return 0, 0, defs.EINVAL
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return 0, 0, defs.EINVAL
	}

	var bias uintptr
	if ef.Type == elf.ET_DYN {
		bias = util.Roundup(uintptr(vmspace.UserRegionBase+dynamicLoadBiasOffset), uintptr(memframe.PageSize))
	}

	var maxEnd uintptr
	var dynProg *elf.Prog
	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			end, lerr := mapSegment(image, mgr, alloc, root, p, bias)
			if lerr != 0 {
				return 0, 0, lerr
			}
			if end > maxEnd {
				maxEnd = end
			}
		case elf.PT_DYNAMIC:
			dynProg = p
		}
	}

	entry := uintptr(ef.Entry) + bias

	if ef.Type == elf.ET_DYN && dynProg != nil {
		if lerr := applyRelocations(image, ef.Progs, dynProg, mgr, root, bias); lerr != 0 {
			return 0, 0, lerr
		}
	}

	return entry, maxEnd, 0
}

// mapSegment maps one PT_LOAD program header's page range into root,
// with permissions derived from its RWX flags, and copies its
// file-backed bytes; the remainder of memsz stays zeroed from the fresh
// frames Alloc hands back.
func mapSegment(image []byte, mgr *pagetable.Manager, alloc *memframe.Allocator, root memframe.Frame, p *elf.Prog, bias uintptr) (uintptr, defs.Err_t) {
	vaddr := uintptr(p.Vaddr) + bias
	filesz := uintptr(p.Filesz)
	memsz := uintptr(p.Memsz)
	off := p.Off

	if off+p.Filesz > uint64(len(image)) {
		return 0, defs.EINVAL
	}

	flags := pagetable.Present | pagetable.User
	if p.Flags&elf.PF_W != 0 {
		flags |= pagetable.Writable
	}
	if p.Flags&elf.PF_X == 0 {
		flags |= pagetable.NoExec
	}

	pageStart := util.Rounddown(vaddr, memframe.PageSize)
	pageEnd := util.Roundup(vaddr+memsz, memframe.PageSize)

	for va := pageStart; va < pageEnd; va += memframe.PageSize {
		pa, aerr := alloc.Alloc(1)
		if aerr != 0 {
			return 0, aerr
		}
		zeroFrame(mgr, pa)
		if merr := mgr.Map(root, va, pa, flags); merr != 0 {
			alloc.Free(pa, 1)
			return 0, merr
		}
	}

	if filesz > 0 {
		if werr := copyIntoMapped(mgr, root, vaddr, image[off:off+uint64(filesz)]); werr != 0 {
			return 0, werr
		}
	}

	return pageEnd, 0
}

func zeroFrame(mgr *pagetable.Manager, pa memframe.Frame) {
	buf := mgr.Backing.Bytes(pa)
	for i := range buf {
		buf[i] = 0
	}
}

// copyIntoMapped copies data into root's mapping starting at vaddr,
// resolving each touched page's backing frame via mgr.Resolve, per
// spec.md §4.8's "walk the copy region page by page via resolve".
func copyIntoMapped(mgr *pagetable.Manager, root memframe.Frame, vaddr uintptr, data []byte) defs.Err_t {
	for i := 0; i < len(data); {
		va := vaddr + uintptr(i)
		pageVA := util.Rounddown(va, memframe.PageSize)
		pa, _, ok := mgr.Resolve(root, pageVA)
		if !ok {
			return defs.EFAULT
		}
		inPage := int(va - pageVA)
		buf := mgr.Backing.Bytes(pa)
		n := copy(buf[inPage:], data[i:])
		i += n
	}
	return 0
}

func readU64(mgr *pagetable.Manager, root memframe.Frame, va uintptr) (uint64, bool) {
	pageVA := util.Rounddown(va, memframe.PageSize)
	pa, _, ok := mgr.Resolve(root, pageVA)
	if !ok {
		return 0, false
	}
	inPage := int(va - pageVA)
	buf := mgr.Backing.Bytes(pa)
	return binary.LittleEndian.Uint64(buf[inPage : inPage+8]), true
}

func writeU64(mgr *pagetable.Manager, root memframe.Frame, va uintptr, v uint64) bool {
	pageVA := util.Rounddown(va, memframe.PageSize)
	pa, _, ok := mgr.Resolve(root, pageVA)
	if !ok {
		return false
	}
	inPage := int(va - pageVA)
	buf := mgr.Backing.Bytes(pa)
	binary.LittleEndian.PutUint64(buf[inPage:inPage+8], v)
	return true
}

// vaddrToFileOffset maps a pre-bias dynamic-segment virtual address to an
// image file offset via whichever PT_LOAD segment covers it, the same
// lookup original_source's elf_vaddr_to_ptr performs.
func vaddrToFileOffset(progs []*elf.Prog, vaddr uint64) (uint64, bool) {
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return p.Off + (vaddr - p.Vaddr), true
		}
	}
	return 0, false
}

// applyRelocations walks the PT_DYNAMIC segment's tags and applies
// DT_RELA then DT_REL entries against root, exactly the order and
// relocation-type set original_source/src/elf.c supports.
func applyRelocations(image []byte, progs []*elf.Prog, dyn *elf.Prog, mgr *pagetable.Manager, root memframe.Frame, bias uintptr) defs.Err_t {
	tags := map[int64]uint64{}
	base := dyn.Off
	for o := uint64(0); o+dynEntSize <= dyn.Filesz; o += dynEntSize {
		tag := int64(binary.LittleEndian.Uint64(image[base+o : base+o+8]))
		val := binary.LittleEndian.Uint64(image[base+o+8 : base+o+16])
		if tag == 0 {
			break
		}
		tags[tag] = val
	}

	symEnt := tags[dtSymEnt]
	if symEnt == 0 {
		symEnt = symEntSize
	}
	relEnt := tags[dtRelEnt]
	if relEnt == 0 {
		relEnt = relEntSize
	}
	relaEnt := tags[dtRelaEnt]
	if relaEnt == 0 {
		relaEnt = relaEntSize
	}

	var symtabOff uint64
	haveSymtab := false
	if symAddr, ok := tags[dtSymTab]; ok {
		if off, ok2 := vaddrToFileOffset(progs, symAddr); ok2 {
			symtabOff = off
			haveSymtab = true
		}
	}

	resolveSym := func(idx uint32) (uint64, bool, defs.Err_t) {
		if !haveSymtab {
			return 0, false, defs.EINVAL
		}
		o := symtabOff + uint64(idx)*symEnt
		if o+symEntSize > uint64(len(image)) {
			return 0, false, defs.EINVAL
		}
		shndx := binary.LittleEndian.Uint16(image[o+6 : o+8])
		value := binary.LittleEndian.Uint64(image[o+8 : o+16])
		return value, shndx != 0, 0
	}

	relocBase := bias

	if relaAddr, ok := tags[dtRela]; ok {
		relaSz := tags[dtRelaSz]
		off, ok2 := vaddrToFileOffset(progs, relaAddr)
		if !ok2 {
			return defs.EINVAL
		}
		count := relaSz / relaEnt
		for i := uint64(0); i < count; i++ {
			e := off + i*relaEnt
			rOffset := binary.LittleEndian.Uint64(image[e : e+8])
			rInfo := binary.LittleEndian.Uint64(image[e+8 : e+16])
			rAddend := int64(binary.LittleEndian.Uint64(image[e+16 : e+24]))
			rType := uint32(rInfo)
			rSym := uint32(rInfo >> 32)

			place := relocBase + uintptr(rOffset)
			var value uint64
			switch rType {
			case rX8664Relative:
				value = uint64(bias) + uint64(rAddend)
			case rX8664_64, rX8664GlobDat, rX8664JumpSlot:
				symVal, defined, serr := resolveSym(rSym)
				if serr != 0 || !defined {
					return defs.EINVAL
				}
				value = uint64(bias) + symVal + uint64(rAddend)
			default:
				return defs.EINVAL
			}
			if !writeU64(mgr, root, place, value) {
				return defs.EFAULT
			}
		}
	}

	if relAddr, ok := tags[dtRel]; ok {
		relSz := tags[dtRelSz]
		off, ok2 := vaddrToFileOffset(progs, relAddr)
		if !ok2 {
			return defs.EINVAL
		}
		count := relSz / relEnt
		for i := uint64(0); i < count; i++ {
			e := off + i*relEnt
			rOffset := binary.LittleEndian.Uint64(image[e : e+8])
			rInfo := binary.LittleEndian.Uint64(image[e+8 : e+16])
			rType := uint32(rInfo)
			rSym := uint32(rInfo >> 32)

			place := relocBase + uintptr(rOffset)
			addend, ok3 := readU64(mgr, root, place)
			if !ok3 {
				return defs.EFAULT
			}
			var value uint64
			switch rType {
			case rX8664Relative:
				value = uint64(bias) + addend
			case rX8664_64, rX8664GlobDat, rX8664JumpSlot:
				symVal, defined, serr := resolveSym(rSym)
				if serr != 0 || !defined {
					return defs.EINVAL
				}
				value = uint64(bias) + symVal + addend
			default:
				return defs.EINVAL
			}
			if !writeU64(mgr, root, place, value) {
				return defs.EFAULT
			}
		}
	}

	return 0
}

// Command chentry rewrites the entry point recorded in an ELF header, the
// same post-link step original_source's build scripts shell out to a C
// tool for: the linker places the kernel image's sections at their final
// addresses but leaves the entry point at the linker's default, so a
// separate pass patches it to the real boot entry symbol's address.
package main

import (
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <elf-file> <entry-address>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	path := flag.Arg(0)
	entry, err := strconv.ParseUint(flag.Arg(1), 0, 64)
	if err != nil {
		log.Fatalf("invalid entry address %q: %v", flag.Arg(1), err)
	}
	if entry>>32 != 0 {
		log.Fatalf("entry 0x%x does not fit in 32 bits; this loader's boot stub reads a 32-bit entry", entry)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	if err := validateHeader(&ef.FileHeader); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("chentry: patching %s entry to 0x%x\n", path, entry)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], entry)
	if _, err := f.WriteAt(buf[:], 24); err != nil { // e_entry of an ELF64 header
		log.Fatal(err)
	}
}

// validateHeader rejects anything this kernel's boot stub could not
// actually load, instead of silently patching an address into a header
// the loader would reject anyway. The ELF magic itself is checked by
// elf.NewFile before this runs.
func validateHeader(h *elf.FileHeader) error {
	if h.Class != elf.ELFCLASS64 {
		return fmt.Errorf("not a 64-bit ELF")
	}
	if h.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("not little-endian")
	}
	if h.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable ELF (type %s)", h.Type)
	}
	if h.Machine != elf.EM_X86_64 {
		return fmt.Errorf("not x86_64 (machine %s)", h.Machine)
	}
	return nil
}

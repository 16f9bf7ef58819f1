package bootinfo

import (
	"encoding/binary"
	"testing"
)

func appendTag(buf []byte, typ uint32, body []byte) []byte {
	size := uint32(8 + len(body))
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint32(hdr[4:8], size)
	buf = append(buf, hdr...)
	buf = append(buf, body...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func buildBlob(tags [][]byte) []byte {
	buf := make([]byte, 8) // placeholder header
	for _, t := range tags {
		buf = append(buf, t...)
	}
	buf = appendTag(buf, TagEnd, nil)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func cmdlineTag(s string) []byte {
	body := append([]byte(s), 0)
	return appendTag(nil, TagCmdline, body)
}

func mmapTag(regions []MemoryRegion) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 24) // entry_size
	binary.LittleEndian.PutUint32(body[4:8], 0)  // entry_version
	for _, r := range regions {
		e := make([]byte, 24)
		binary.LittleEndian.PutUint64(e[0:8], r.Addr)
		binary.LittleEndian.PutUint64(e[8:16], r.Len)
		binary.LittleEndian.PutUint32(e[16:20], r.Type)
		body = append(body, e...)
	}
	return appendTag(nil, TagMemoryMap, body)
}

func TestParseCmdlineAndMemoryMap(t *testing.T) {
	regions := []MemoryRegion{
		{Addr: 0, Len: 16 << 20, Type: MemTypeAvailable},
		{Addr: 16 << 20, Len: 1 << 20, Type: 2},
	}
	blob := buildBlob([][]byte{cmdlineTag("console=ttyS0"), mmapTag(regions)})

	info, err := Parse(blob)
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	if info.Cmdline != "console=ttyS0" {
		t.Fatalf("Cmdline = %q", info.Cmdline)
	}
	if len(info.Memory) != 2 || info.Memory[0] != regions[0] || info.Memory[1] != regions[1] {
		t.Fatalf("Memory = %+v", info.Memory)
	}
}

func TestAvailableRangesFiltersByType(t *testing.T) {
	regions := []MemoryRegion{
		{Addr: 0, Len: 16 << 20, Type: MemTypeAvailable},
		{Addr: 16 << 20, Len: 1 << 20, Type: 2},
	}
	blob := buildBlob([][]byte{mmapTag(regions)})
	info, err := Parse(blob)
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	avail := info.AvailableRanges()
	if len(avail) != 1 || avail[0].Addr != 0 {
		t.Fatalf("AvailableRanges = %+v", avail)
	}
}

func TestParseRejectsTruncatedBlob(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err == 0 {
		t.Fatalf("Parse accepted a blob shorter than the header")
	}
}

func TestParseStopsAtEndTag(t *testing.T) {
	blob := buildBlob(nil)
	info, err := Parse(blob)
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	if info.Cmdline != "" || len(info.Memory) != 0 {
		t.Fatalf("expected empty Info, got %+v", info)
	}
}

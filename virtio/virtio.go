// Package virtio is the legacy virtio-pci block driver (component C7),
// grounded byte-for-byte on original_source/src/virtio_blk.c: the same
// register offsets, status bits, descriptor flags, and single-in-flight
// request protocol. There is no asynchronous completion on real hardware
// to model here, so BlkDevice plays both roles the C driver's notify call
// would split across a kernel thread and an interrupting device: writing
// the notify port synchronously walks the ring and produces the used
// entry before returning, which is indistinguishable to a caller spinning
// on used.idx from the real device's eventual completion.
package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/shard-kernel/shard/archio"
	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/memframe"
	"github.com/shard-kernel/shard/pagetable"
)

// Legacy virtio-pci I/O register offsets (original_source's OSDev-layout
// constants), relative to the device's BAR0 I/O base.
const (
	regHostFeatures   = 0x00
	regGuestFeatures  = 0x04
	regQueueAddress   = 0x08
	regQueueSize      = 0x0C
	regQueueSelect    = 0x0E
	regQueueNotify    = 0x10
	regStatus         = 0x12
	regISR            = 0x13
	regDeviceSpecific = 0x14
)

// Device status bits written to regStatus during the handshake.
const (
	statusACK      = 0x01
	statusDriver   = 0x02
	statusDriverOK = 0x04
	statusFailed   = 0x80
)

// Descriptor flags.
const (
	descFNext  = 1
	descFWrite = 2
)

// Block request types: the first 32-bit field of the 16-byte request
// header descriptor 0 points at.
const (
	ReqTypeIn  = 0
	ReqTypeOut = 1
)

const sectorSize = 512

// VendorID and DeviceID are the legacy virtio-blk PCI identity spec.md
// §4.7 requires a matching function to carry before Init is attempted.
const (
	VendorID = 0x1AF4
	DeviceID = 0x1001
)

// BlkDevice is a single legacy virtio-blk function bound to an I/O base.
type BlkDevice struct {
	mu sync.Mutex

	ioBase uint16
	status uint8
	inited bool

	queue *queue

	storage  []byte
	capacity uint64 // sectors
}

// queue is the split virtqueue: descriptor table, available ring, used
// ring, laid out exactly as original_source's setup_queue (desc, then
// avail packed immediately after, then used padded to a 4 KiB boundary).
// A fixed scratch region past the used ring holds the single in-flight
// request's header and status byte, since this driver never has more
// than one request outstanding (spec.md §4.7).
type queue struct {
	backing *pagetable.Backing
	base    memframe.Frame
	pages   int

	num       uint16
	descOff   int
	availOff  int
	usedOff   int
	headerOff int
	statusOff int
	dataOff   int
	totalSize int
}

// Init performs the legacy handshake at ioBase: reset, ACK, ACK|DRIVER,
// zero-feature negotiation, queue-0 setup, and DRIVER_OK, per spec.md
// §4.7. capacitySectors seeds the device-specific capacity register and
// backs the simulated disk with capacitySectors*512 bytes of storage.
func Init(alloc *memframe.Allocator, backing *pagetable.Backing, ioBase uint16, capacitySectors uint64) (*BlkDevice, defs.Err_t) {
	d := &BlkDevice{ioBase: ioBase, capacity: capacitySectors, storage: make([]byte, capacitySectors*sectorSize)}

	archio.OutPortB(ioBase+regStatus, 0)
	archio.OutPortB(ioBase+regStatus, statusACK)
	archio.OutPortB(ioBase+regStatus, statusACK|statusDriver)

	archio.OutPortL(ioBase+regGuestFeatures, 0)

	q, err := setupQueue(alloc, backing, ioBase, 256)
	if err != 0 {
		archio.OutPortB(ioBase+regStatus, statusFailed)
		return nil, err
	}
	d.queue = q

	st := archio.InPortB(ioBase + regStatus)
	archio.OutPortB(ioBase+regStatus, st|statusDriverOK)
	d.status = st | statusDriverOK

	archio.OutPortL(ioBase+regDeviceSpecific+0, uint32(capacitySectors))
	archio.OutPortL(ioBase+regDeviceSpecific+4, uint32(capacitySectors>>32))

	d.inited = true
	return d, 0
}

// setupQueue negotiates queue 0's size and allocates its backing memory,
// programming the queue PFN register the way the real driver would.
func setupQueue(alloc *memframe.Allocator, backing *pagetable.Backing, ioBase uint16, num uint16) (*queue, defs.Err_t) {
	archio.OutPortW(ioBase+regQueueSelect, 0)
	archio.OutPortW(ioBase+regQueueSize, num) // the device "reports" num back
	qsz := archio.InPortW(ioBase + regQueueSize)
	if qsz == 0 {
		return nil, defs.EIO
	}

	descSize := int(qsz) * 16
	availSize := 6 + int(qsz)*2
	usedOff := roundUp4K(descSize + availSize)
	usedSize := 6 + int(qsz)*8
	headerOff := usedOff + usedSize
	statusOff := headerOff + 16
	dataOff := statusOff + 1
	total := roundUp4K(dataOff + sectorSize)

	pages := total / memframe.PageSize
	base, err := alloc.Alloc(pages)
	if err != 0 {
		return nil, err
	}
	q := &queue{
		backing:   backing,
		base:      base,
		pages:     pages,
		num:       qsz,
		descOff:   0,
		availOff:  descSize,
		usedOff:   usedOff,
		headerOff: headerOff,
		statusOff: statusOff,
		dataOff:   dataOff,
		totalSize: total,
	}
	q.writeRegion(0, make([]byte, total))

	pfn := uint32(base >> 12)
	archio.OutPortL(ioBase+regQueueAddress, pfn)
	return q, 0
}

func roundUp4K(n int) int { return (n + memframe.PageSize - 1) &^ (memframe.PageSize - 1) }

// readRegion/writeRegion copy bytes to/from the queue's possibly
// multi-page backing region, one page at a time, so an access that
// straddles a page boundary (possible for the avail/used rings at odd
// queue sizes) still behaves as a single contiguous buffer would.
func (q *queue) readRegion(off, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; {
		page := (off + i) / memframe.PageSize
		inPage := (off + i) % memframe.PageSize
		buf := q.backing.Bytes(q.base + memframe.Frame(page*memframe.PageSize))
		c := copy(out[i:], buf[inPage:])
		i += c
	}
	return out
}

func (q *queue) writeRegion(off int, data []byte) {
	for i := 0; i < len(data); {
		page := (off + i) / memframe.PageSize
		inPage := (off + i) % memframe.PageSize
		buf := q.backing.Bytes(q.base + memframe.Frame(page*memframe.PageSize))
		c := copy(buf[inPage:], data[i:])
		i += c
	}
}

func (q *queue) setDesc(idx int, addr uint64, length uint32, flags uint16, next uint16) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	q.writeRegion(q.descOff+idx*16, buf)
}

func (q *queue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.readRegion(q.availOff+2, 2))
}

func (q *queue) setAvailIdx(idx uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, idx)
	q.writeRegion(q.availOff+2, buf)
}

func (q *queue) setAvailRing(slot int, head uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, head)
	q.writeRegion(q.availOff+4+slot*2, buf)
}

func (q *queue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.readRegion(q.usedOff+2, 2))
}

func (q *queue) setUsedIdx(idx uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, idx)
	q.writeRegion(q.usedOff+2, buf)
}

func (q *queue) setUsedElem(slot int, id, length uint32) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], length)
	q.writeRegion(q.usedOff+4+slot*8, buf)
}

// regionAddr encodes a queue-relative byte offset as the flat "physical
// address" descriptors carry: the queue's physical base address (a Frame
// is already a byte address) plus the offset, exactly the address space
// resolve would walk on real hardware.
func regionAddr(base memframe.Frame, off int) uint64 {
	return uint64(base) + uint64(off)
}

// submit writes the three-descriptor chain (header, data, status) into
// the queue's scratch region, publishes it on the available ring,
// notifies the device, and returns the status byte the simulated device
// wrote back.
func (d *BlkDevice) submit(reqType uint32, sector uint64, data []byte, dataIsOut bool) (uint8, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inited {
		return 0, defs.EIO
	}
	q := d.queue
	if q.num < 3 {
		return 0, defs.EIO
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], reqType)
	binary.LittleEndian.PutUint32(header[4:8], 0)
	binary.LittleEndian.PutUint64(header[8:16], sector)
	q.writeRegion(q.headerOff, header)

	q.writeRegion(q.statusOff, []byte{0xFF})
	if dataIsOut {
		q.writeRegion(q.dataOff, data)
	} else {
		q.writeRegion(q.dataOff, make([]byte, len(data)))
	}

	dataFlags := uint16(descFNext)
	if !dataIsOut {
		dataFlags |= descFWrite
	}
	q.setDesc(0, regionAddr(q.base, q.headerOff), 16, descFNext, 1)
	q.setDesc(1, regionAddr(q.base, q.dataOff), uint32(len(data)), dataFlags, 2)
	q.setDesc(2, regionAddr(q.base, q.statusOff), 1, descFWrite, 0)

	idx := q.availIdx()
	q.setAvailRing(int(idx)%int(q.num), 0)
	q.setAvailIdx(idx + 1)

	archio.OutPortW(d.ioBase+regQueueNotify, 0)
	d.processOnce()

	if !dataIsOut {
		copy(data, q.readRegion(q.dataOff, len(data)))
	}
	return q.readRegion(q.statusOff, 1)[0], 0
}

// processOnce is the simulated device side of a notify: reads the
// descriptor chain the avail ring just published, performs the actual
// sector read or write against d.storage, and advances the used ring.
// Spec.md models the driver as spinning on used.idx; since this call
// already advances it before returning, the caller's spin never blocks.
func (d *BlkDevice) processOnce() {
	q := d.queue

	header := q.readRegion(q.headerOff, 16)
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	base := int(sector) * sectorSize
	status := byte(0)
	if base < 0 || base+sectorSize > len(d.storage) {
		status = 1
	} else if reqType == ReqTypeIn {
		q.writeRegion(q.dataOff, d.storage[base:base+sectorSize])
	} else {
		buf := q.readRegion(q.dataOff, sectorSize)
		copy(d.storage[base:base+sectorSize], buf)
	}
	q.writeRegion(q.statusOff, []byte{status})

	usedIdx := q.usedIdx()
	q.setUsedElem(int(usedIdx)%int(q.num), 0, sectorSize)
	q.setUsedIdx(usedIdx + 1)
}

// ReadSector reads sector into out (which must be 512 bytes), per
// spec.md §4.7's read path: request type 0, data descriptor flagged
// device-writable, status descriptor last.
func (d *BlkDevice) ReadSector(sector uint64, out []byte) bool {
	if len(out) != sectorSize {
		return false
	}
	status, err := d.submit(ReqTypeIn, sector, out, false)
	return err == 0 && status == 0
}

// WriteSector writes in (512 bytes) to sector, symmetric with ReadSector
// but with a read-only data descriptor and request type 1.
func (d *BlkDevice) WriteSector(sector uint64, in []byte) bool {
	if len(in) != sectorSize {
		return false
	}
	status, err := d.submit(ReqTypeOut, sector, in, true)
	return err == 0 && status == 0
}

// Capacity returns the device's sector count, the value given to Init
// (which also writes it into the device-specific configuration region).
func (d *BlkDevice) Capacity() uint64 { return d.capacity }

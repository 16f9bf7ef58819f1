// Package pciscan is the legacy PCI configuration-space bus walk that
// discovers the virtio block device C7 drives: config-address/data port
// access and the bus/slot/function enumeration loop are taken from
// original_source/src/pci.c; BAR0-to-I/O-base decoding follows
// original_source/src/virtio_blk.c's probe ("bar0 & 1" for an I/O BAR,
// "bar0 & ~0x3" for the base).
package pciscan

import "github.com/shard-kernel/shard/archio"

const (
	configAddress = 0xCF8
	configData    = 0xCFC
)

// Device is one enumerated PCI function's identity and class code, the
// same fields original_source's pci_dev_t carries.
type Device struct {
	Bus, Slot, Func uint8
	VendorID        uint16
	DeviceID        uint16
	ClassCode       uint8
	Subclass        uint8
	ProgIF          uint8
	HeaderType      uint8
}

func configAddr(bus, slot, fn, offset uint8) uint32 {
	return 0x80000000 |
		uint32(bus)<<16 |
		uint32(slot)<<11 |
		uint32(fn)<<8 |
		uint32(offset&0xFC)
}

// Read32 reads a 32-bit config-space register via the CF8/CFC pair.
func Read32(bus, slot, fn, offset uint8) uint32 {
	archio.OutPortL(configAddress, configAddr(bus, slot, fn, offset))
	return archio.InPortL(configData)
}

// Read16 reads a 16-bit register, selecting the correct half-word of the
// aligned 32-bit read per original_source's pci_read16.
func Read16(bus, slot, fn, offset uint8) uint16 {
	v := Read32(bus, slot, fn, offset&0xFC)
	return uint16(v >> ((uint32(offset) & 2) * 8))
}

// Read8 is Read32's byte-granular sibling, per pci_read8.
func Read8(bus, slot, fn, offset uint8) uint8 {
	v := Read32(bus, slot, fn, offset&0xFC)
	return uint8(v >> ((uint32(offset) & 3) * 8))
}

// Write32 writes a 32-bit config-space register.
func Write32(bus, slot, fn, offset uint8, value uint32) {
	archio.OutPortL(configAddress, configAddr(bus, slot, fn, offset))
	archio.OutPortL(configData, value)
}

// Enumerate walks all 256 buses and 32 slots, descending into every
// function a multi-function device exposes (header type bit 7), per
// original_source/src/pci.c's pci_enumerate.
func Enumerate() []Device {
	var found []Device
	for bus := 0; bus < 256; bus++ {
		for slot := uint8(0); slot < 32; slot++ {
			vendor := Read16(uint8(bus), slot, 0, 0x00)
			if vendor == 0xFFFF {
				continue
			}
			headerType := Read8(uint8(bus), slot, 0, 0x0E)
			funcs := uint8(1)
			if headerType&0x80 != 0 {
				funcs = 8
			}
			for fn := uint8(0); fn < funcs; fn++ {
				v := Read16(uint8(bus), slot, fn, 0x00)
				if v == 0xFFFF {
					continue
				}
				classReg := Read32(uint8(bus), slot, fn, 0x08)
				found = append(found, Device{
					Bus:        uint8(bus),
					Slot:       slot,
					Func:       fn,
					VendorID:   v,
					DeviceID:   Read16(uint8(bus), slot, fn, 0x02),
					ClassCode:  uint8(classReg >> 24),
					Subclass:   uint8(classReg >> 16),
					ProgIF:     uint8(classReg >> 8),
					HeaderType: Read8(uint8(bus), slot, fn, 0x0E),
				})
			}
		}
	}
	return found
}

// FindFirst returns the first enumerated device matching vendor/device,
// the lookup cmd/kernel uses to locate the virtio-blk function (vendor
// 0x1AF4, device 0x1001, per spec.md §4.7).
func FindFirst(vendor, device uint16) (Device, bool) {
	for _, d := range Enumerate() {
		if d.VendorID == vendor && d.DeviceID == device {
			return d, true
		}
	}
	return Device{}, false
}

// Bar0IOBase reads a function's BAR0 and, if it names an I/O-space BAR,
// returns its port base, per original_source/src/virtio_blk.c's probe
// ("bar0 & 1" for I/O, "bar0 & ~0x3" for the base address).
func Bar0IOBase(d Device) (uint16, bool) {
	bar0 := Read32(d.Bus, d.Slot, d.Func, 0x10)
	if bar0&1 == 0 {
		return 0, false
	}
	return uint16(bar0 &^ 0x3), true
}

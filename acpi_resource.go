// acpi_resource.go - ACPI 6.x resource-descriptor (_CRS) byte encoders

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
acpi_resource.go builds the small/large resource descriptors referenced
from _CRS buffers: fixed I/O port ranges, IRQ masks, fixed/relocatable
memory windows, and word/dword address-space windows used to describe the
PCI root bridge's bus/IO/MMIO apertures (the _SB.PCI0
_CRS, split around ECAM when it overlaps the general MMIO window).
*/

package main

// ioPortDescriptor encodes a Decode16 fixed I/O port range (small item tag
// 0x47, 7-byte payload).
func ioPortDescriptor(min, max uint16, alignment, length uint8) [8]byte {
	var out [8]byte
	out[0] = 0x47
	out[1] = 0x01 // Decode16
	out[2] = byte(min)
	out[3] = byte(min >> 8)
	out[4] = byte(max)
	out[5] = byte(max >> 8)
	out[6] = alignment
	out[7] = length
	return out
}

// irqNoFlagsDescriptor encodes a small-item IRQNoFlags descriptor (tag
// 0x22) selecting a single IRQ line via its bitmask.
func irqNoFlagsDescriptor(irq uint8) [3]byte {
	mask := uint16(1) << irq
	return [3]byte{0x22, byte(mask), byte(mask >> 8)}
}

// memory32FixedDescriptor encodes a Large Memory32Fixed descriptor (tag
// 0x86) for a read/write MMIO window of fixed address and length.
func memory32FixedDescriptor(address, length uint32) [12]byte {
	var out [12]byte
	out[0] = 0x86
	out[1] = 0x09
	out[2] = 0x00
	out[3] = 1 // read/write
	out[4] = byte(address)
	out[5] = byte(address >> 8)
	out[6] = byte(address >> 16)
	out[7] = byte(address >> 24)
	out[8] = byte(length)
	out[9] = byte(length >> 8)
	out[10] = byte(length >> 16)
	out[11] = byte(length >> 24)
	return out
}

// endTag is the AML resource-template terminator (small item, tag 0x79).
var endTag = [2]byte{0x79, 0x00}

type addrSpaceHeader struct {
	ResourceType      byte
	GeneralFlags      byte
	TypeSpecificFlags byte
}

type addrSpaceRange16 struct {
	Granularity, Min, Max, Translation, Length uint16
}

type addrSpaceRange32 struct {
	Granularity, Min, Max, Translation, Length uint32
}

// wordAddrSpaceDescriptor encodes a Large Word Address Space descriptor
// (tag 0x88, 16-byte payload including the 3-byte header) used for PCI bus
// number and legacy I/O port windows.
func wordAddrSpaceDescriptor(h addrSpaceHeader, r addrSpaceRange16) [16]byte {
	var out [16]byte
	out[0] = 0x88
	out[1], out[2] = 0x0D, 0x00
	out[3] = h.ResourceType
	out[4] = h.GeneralFlags
	out[5] = h.TypeSpecificFlags
	putLE16(out[6:8], r.Granularity)
	putLE16(out[8:10], r.Min)
	putLE16(out[10:12], r.Max)
	putLE16(out[12:14], r.Translation)
	putLE16(out[14:16], r.Length)
	return out
}

// dwordAddrSpaceDescriptor encodes a Large DWord Address Space descriptor
// (tag 0x87, 26-byte payload) used for the PCI MMIO window.
func dwordAddrSpaceDescriptor(h addrSpaceHeader, r addrSpaceRange32) [26]byte {
	var out [26]byte
	out[0] = 0x87
	out[1], out[2] = 0x17, 0x00
	out[3] = h.ResourceType
	out[4] = h.GeneralFlags
	out[5] = h.TypeSpecificFlags
	putLE32(out[6:10], r.Granularity)
	putLE32(out[10:14], r.Min)
	putLE32(out[14:18], r.Max)
	putLE32(out[18:22], r.Translation)
	putLE32(out[22:26], r.Length)
	return out
}

func putLE16(dst []byte, v uint16) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}

func putLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

// aerogpu_registers.go - GPU BAR MMIO register address map

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_registers.go centralizes the offsets within the GPU BAR: one
block of named offset constants plus a small lookup helper
(GetRegisterName) used by debug tooling and by the MMIO dispatch in the
device core.

All registers are 32-bit; 64-bit fields are split into _LO/_HI halves the
device reads and writes as two independent dwords (no tearing guarantee
required across the pair).
*/

package main

import "fmt"

const (
	RegRingGpaLo       = 0x0000
	RegRingGpaHi       = 0x0004
	RegRingSizeBytes   = 0x0008
	RegRingControl     = 0x000C
	RegFenceGpaLo      = 0x0010
	RegFenceGpaHi      = 0x0014
	RegCompletedFenceLo = 0x0018 // read-only
	RegCompletedFenceHi = 0x001C // read-only
	RegDoorbell        = 0x0020 // write-any
	RegIrqEnable       = 0x0024
	RegIrqStatus       = 0x0028 // write-1-to-clear
	RegErrorCode       = 0x002C
	RegErrorFenceLo    = 0x0030
	RegErrorFenceHi    = 0x0034
	RegErrorCount      = 0x0038
	RegAbiVersion      = 0x003C // read-only {major:u16, minor:u16}
	RegFeatures        = 0x0040
)

// RegRingControlEnable is bit 0 of RING_CONTROL.
const RegRingControlEnable uint32 = 1 << 0

// IRQ taxonomy bits, shared by IRQ_ENABLE and IRQ_STATUS.
const (
	IrqBitFence   uint32 = 1 << 0
	IrqBitError   uint32 = 1 << 1
	IrqBitVBlank  uint32 = 1 << 2
)

// FeatureBitVBlank advertises vsync-gated present pacing support in the
// FEATURES register.
const FeatureBitVBlank uint32 = 1 << 0

// ScanoutRegisterStride is the byte distance between a scanout's register
// block and the next scanout's, within the per-scanout window.
const ScanoutRegisterStride = 0x20

// ScanoutRegisterBase is the offset of scanout 0's register block.
const ScanoutRegisterBase = 0x0100

// Offsets within a single scanout's register block, relative to
// ScanoutRegisterBase + n*ScanoutRegisterStride.
const (
	ScanoutOffEnable  = 0x00
	ScanoutOffWidth   = 0x04
	ScanoutOffHeight  = 0x08
	ScanoutOffPitch   = 0x0C
	ScanoutOffFbGpaLo = 0x10
	ScanoutOffFbGpaHi = 0x14
	ScanoutOffFormat  = 0x18
)

// ScanoutRegisterOffset returns the absolute BAR offset of field within
// scanout idx's register block.
func ScanoutRegisterOffset(idx int, field uint32) uint32 {
	return ScanoutRegisterBase + uint32(idx)*ScanoutRegisterStride + field
}

// GetRegisterName returns a human-readable name for a fixed (non-scanout)
// BAR offset, for debug logging and aerogpuctl's register dump. It does
// not resolve per-scanout offsets; callers should check those separately
// with ScanoutRegisterOffset.
func GetRegisterName(offset uint32) string {
	switch offset {
	case RegRingGpaLo:
		return "RING_GPA_LO"
	case RegRingGpaHi:
		return "RING_GPA_HI"
	case RegRingSizeBytes:
		return "RING_SIZE_BYTES"
	case RegRingControl:
		return "RING_CONTROL"
	case RegFenceGpaLo:
		return "FENCE_GPA_LO"
	case RegFenceGpaHi:
		return "FENCE_GPA_HI"
	case RegCompletedFenceLo:
		return "COMPLETED_FENCE_LO"
	case RegCompletedFenceHi:
		return "COMPLETED_FENCE_HI"
	case RegDoorbell:
		return "DOORBELL"
	case RegIrqEnable:
		return "IRQ_ENABLE"
	case RegIrqStatus:
		return "IRQ_STATUS"
	case RegErrorCode:
		return "ERROR_CODE"
	case RegErrorFenceLo:
		return "ERROR_FENCE_LO"
	case RegErrorFenceHi:
		return "ERROR_FENCE_HI"
	case RegErrorCount:
		return "ERROR_COUNT"
	case RegAbiVersion:
		return "ABI_VERSION"
	case RegFeatures:
		return "FEATURES"
	default:
		if offset >= ScanoutRegisterBase {
			rel := (offset - ScanoutRegisterBase) % ScanoutRegisterStride
			idx := (offset - ScanoutRegisterBase) / ScanoutRegisterStride
			return fmt.Sprintf("SCANOUT_%d+0x%02X", idx, rel)
		}
		return fmt.Sprintf("UNKNOWN(0x%04X)", offset)
	}
}

// IsReadOnlyRegister reports whether offset is one of the device-owned,
// guest-read-only registers ("guest must treat these
// as read-only").
func IsReadOnlyRegister(offset uint32) bool {
	switch offset {
	case RegCompletedFenceLo, RegCompletedFenceHi, RegAbiVersion:
		return true
	default:
		return false
	}
}

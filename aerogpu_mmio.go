// aerogpu_mmio.go - GPU BAR register file dispatch

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_mmio.go is the device's guest-facing register file: it decodes
32-bit accesses against the offset map in aerogpu_registers.go and routes
them to the scheduler/executor. All registers are 32-bit; 64-bit
quantities are latched as _LO/_HI halves and recombined on every write to
either half (ring reconfigure, fence-page configure, scanout update).
*/

package main

// scanoutRegs latches one scanout's register block; every field write
// pushes the combined Scanout into the pipeline executor.
type scanoutRegs struct {
	Enable  uint32
	Width   uint32
	Height  uint32
	Pitch   uint32
	FbGpaLo uint32
	FbGpaHi uint32
	Format  uint32
}

func (r scanoutRegs) toScanout() Scanout {
	return Scanout{
		Enable:         r.Enable&1 != 0,
		Width:          r.Width,
		Height:         r.Height,
		PitchBytes:     r.Pitch,
		FramebufferGPA: uint64(r.FbGpaLo) | uint64(r.FbGpaHi)<<32,
		Format:         TextureFormat(r.Format),
	}
}

// mmioState is the guest-written latch half of the register file. The
// device-owned read-only registers (COMPLETED_FENCE, ERROR_*, IRQ_STATUS)
// live in the scheduler and are only projected through MmioRead.
type mmioState struct {
	RingGpaLo     uint32
	RingGpaHi     uint32
	RingSizeBytes uint32
	RingControl   uint32
	FenceGpaLo    uint32
	FenceGpaHi    uint32

	Scanouts [4]scanoutRegs
}

// AttachGuestMemory hands the device the physical-memory bus its MMIO
// side effects (doorbell drains, fence-page writes, scanout flushes)
// operate on. A VMM calls this once at device plug time.
func (d *AeroGPUDevice) AttachGuestMemory(mem GuestMemory) {
	d.Mem = mem
}

// MmioRead services a 32-bit read from the GPU BAR at the given offset.
// Unmapped offsets read as zero, matching the all-ones-free PCI
// convention only for config space, not BARs.
func (d *AeroGPUDevice) MmioRead(offset uint32) uint32 {
	switch offset {
	case RegRingGpaLo:
		return d.mmio.RingGpaLo
	case RegRingGpaHi:
		return d.mmio.RingGpaHi
	case RegRingSizeBytes:
		return d.mmio.RingSizeBytes
	case RegRingControl:
		return d.mmio.RingControl
	case RegFenceGpaLo:
		return d.mmio.FenceGpaLo
	case RegFenceGpaHi:
		return d.mmio.FenceGpaHi
	case RegCompletedFenceLo:
		return uint32(d.Scheduler.CompletedFence())
	case RegCompletedFenceHi:
		return uint32(d.Scheduler.CompletedFence() >> 32)
	case RegDoorbell:
		return 0
	case RegIrqEnable:
		return d.Scheduler.IrqEnable()
	case RegIrqStatus:
		return d.Scheduler.IrqStatus()
	case RegErrorCode:
		return uint32(d.Scheduler.ErrorCode())
	case RegErrorFenceLo:
		return uint32(d.Scheduler.ErrorFence())
	case RegErrorFenceHi:
		return uint32(d.Scheduler.ErrorFence() >> 32)
	case RegErrorCount:
		return uint32(d.Scheduler.ErrorCount())
	case RegAbiVersion:
		return abiVersion{Major: currentABIMajor, Minor: 0}.encode()
	case RegFeatures:
		return FeatureBitVBlank
	}
	if idx, field, ok := scanoutRegisterAt(offset); ok {
		return d.readScanoutReg(idx, field)
	}
	return 0
}

// MmioWrite services a 32-bit write to the GPU BAR at the given offset.
// Writes to device-owned read-only registers are dropped.
func (d *AeroGPUDevice) MmioWrite(offset uint32, value uint32) {
	if IsReadOnlyRegister(offset) {
		return
	}
	switch offset {
	case RegRingGpaLo:
		d.mmio.RingGpaLo = value
		d.reconfigureRing()
	case RegRingGpaHi:
		d.mmio.RingGpaHi = value
		d.reconfigureRing()
	case RegRingSizeBytes:
		d.mmio.RingSizeBytes = value
		d.reconfigureRing()
	case RegRingControl:
		d.mmio.RingControl = value
		d.reconfigureRing()
	case RegFenceGpaLo:
		d.mmio.FenceGpaLo = value
		d.Scheduler.ConfigureFencePage(uint64(d.mmio.FenceGpaLo) | uint64(d.mmio.FenceGpaHi)<<32)
	case RegFenceGpaHi:
		d.mmio.FenceGpaHi = value
		d.Scheduler.ConfigureFencePage(uint64(d.mmio.FenceGpaLo) | uint64(d.mmio.FenceGpaHi)<<32)
	case RegDoorbell:
		// Write-any: the value is ignored, the edge is the event.
		if d.Mem != nil {
			d.Scheduler.OnDoorbell(d.Mem)
		}
	case RegIrqEnable:
		d.Scheduler.SetIrqEnable(value)
	case RegIrqStatus:
		d.Scheduler.AckIrq(value)
	default:
		if idx, field, ok := scanoutRegisterAt(offset); ok {
			d.writeScanoutReg(idx, field, value)
		}
	}
}

func (d *AeroGPUDevice) reconfigureRing() {
	gpa := uint64(d.mmio.RingGpaLo) | uint64(d.mmio.RingGpaHi)<<32
	enabled := d.mmio.RingControl&RegRingControlEnable != 0
	d.Scheduler.ConfigureRing(gpa, d.mmio.RingSizeBytes, enabled)
}

// scanoutRegisterAt maps a BAR offset into (scanout index, field offset),
// reporting ok=false for offsets outside the scanout window.
func scanoutRegisterAt(offset uint32) (idx int, field uint32, ok bool) {
	if offset < ScanoutRegisterBase {
		return 0, 0, false
	}
	rel := offset - ScanoutRegisterBase
	idx = int(rel / ScanoutRegisterStride)
	if idx >= 4 {
		return 0, 0, false
	}
	return idx, rel % ScanoutRegisterStride, true
}

func (d *AeroGPUDevice) readScanoutReg(idx int, field uint32) uint32 {
	s := &d.mmio.Scanouts[idx]
	switch field {
	case ScanoutOffEnable:
		return s.Enable
	case ScanoutOffWidth:
		return s.Width
	case ScanoutOffHeight:
		return s.Height
	case ScanoutOffPitch:
		return s.Pitch
	case ScanoutOffFbGpaLo:
		return s.FbGpaLo
	case ScanoutOffFbGpaHi:
		return s.FbGpaHi
	case ScanoutOffFormat:
		return s.Format
	}
	return 0
}

func (d *AeroGPUDevice) writeScanoutReg(idx int, field uint32, value uint32) {
	s := &d.mmio.Scanouts[idx]
	wasEnabled := s.Enable&1 != 0
	switch field {
	case ScanoutOffEnable:
		s.Enable = value
	case ScanoutOffWidth:
		s.Width = value
	case ScanoutOffHeight:
		s.Height = value
	case ScanoutOffPitch:
		s.Pitch = value
	case ScanoutOffFbGpaLo:
		s.FbGpaLo = value
	case ScanoutOffFbGpaHi:
		s.FbGpaHi = value
	case ScanoutOffFormat:
		s.Format = value
	default:
		return
	}
	d.Exec.SetScanout(idx, s.toScanout())
	if field == ScanoutOffEnable && wasEnabled && s.Enable&1 == 0 {
		// Disabling a scanout mid-flight releases every queued
		// vsync-gated fence so no present ever waits on a dead head.
		d.Scheduler.FlushPending(d.Mem)
	}
}

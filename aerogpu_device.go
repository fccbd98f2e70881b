// aerogpu_device.go - AeroGPU device instance: wires scheduler, resources,
// pipeline, and ACPI presentation together behind one Reset boundary

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_device.go is the top-level object a VMM host process owns: one
AeroGPUDevice per virtual GPU. It owns the three scheduler entry
points' collaborators (RingScheduler, ResourceManager, PipelineExecutor,
GpuBackend) and the ACPI table set describing the device's PCI/firmware
presence, all behind one struct with a single Reset boundary.
*/

package main

// AeroGPUDevice is one virtual GPU instance: MMIO register file plumbing
// plus the Ring Scheduler / Resource Manager / Pipeline Executor / backend
// stack described above.
type AeroGPUDevice struct {
	Scheduler *RingScheduler
	Resources *ResourceManager
	Exec      *PipelineExecutor
	Backend   GpuBackend

	// Mem is the guest-physical bus MmioWrite side effects operate on,
	// attached by the owning VMM via AttachGuestMemory.
	Mem GuestMemory

	mmio mmioState

	Acpi         *AcpiTables
	AcpiConfig   AcpiConfig
	AcpiPlacement AcpiPlacement
}

// NewAeroGPUDevice wires a device instance using backend as the host
// rendering collaborator. Pass NewNullBackend() for ring/fence-only
// testing, or a software/Vulkan GpuBackend for a rendering-capable
// instance.
func NewAeroGPUDevice(backend GpuBackend) *AeroGPUDevice {
	resources := NewResourceManager()
	exec := NewPipelineExecutor(resources)
	scheduler := NewRingScheduler(DefaultSchedulerConfig(), backend, resources, exec)
	return &AeroGPUDevice{
		Scheduler:     scheduler,
		Resources:     resources,
		Exec:          exec,
		Backend:       backend,
		AcpiConfig:    DefaultAcpiConfig(),
		AcpiPlacement: DefaultAcpiPlacement(),
	}
}

// Reset returns every owned component to its post-construction state;
// a VM hard reset must not leak a previous boot's state.
func (d *AeroGPUDevice) Reset() error {
	d.mmio = mmioState{}
	d.Scheduler.Reset()
	d.Scheduler.ConfigureRing(0, 0, false)
	d.Scheduler.ConfigureFencePage(0)
	d.Resources.Reset()
	d.Exec.Reset()
	if err := d.Backend.Reset(); err != nil {
		return err
	}
	return nil
}

// BuildAndPublishACPI builds this device's ACPI table set and writes it
// onto mem, so a VMM can hand the guest firmware a complete RSDP chain
// before first boot.
func (d *AeroGPUDevice) BuildAndPublishACPI(mem GuestMemory) error {
	tables, err := BuildAcpiTables(d.AcpiConfig, d.AcpiPlacement)
	if err != nil {
		return err
	}
	if err := tables.WriteTo(mem); err != nil {
		return err
	}
	d.Acpi = tables
	return nil
}

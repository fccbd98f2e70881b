// main.go - AeroGPU standalone device-host entry point

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
main.go is a minimal host process for exercising an AeroGPUDevice outside
a real VMM: it allocates a flat guest-physical address space, publishes
the device's ACPI table set into it, and reports the resulting register
offsets and table addresses. It is not the device model itself — VMM
integrations embed AeroGPUDevice directly and supply their own
GuestMemory backed by the guest's real memory mapping.
*/

package main

import (
	"fmt"
	"os"
)

const hostGuestMemorySize = 256 * 1024 * 1024 // 256MiB, ample for ACPI tables + a test ring

func main() {
	backendName := "null"
	if len(os.Args) > 1 {
		backendName = os.Args[1]
	}

	backend, err := newBackendByName(backendName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aerogpu: %v\n", err)
		os.Exit(1)
	}

	device := NewAeroGPUDevice(backend)
	mem := NewFlatGuestMemory(hostGuestMemorySize)

	if err := device.BuildAndPublishACPI(mem); err != nil {
		fmt.Fprintf(os.Stderr, "aerogpu: failed to build ACPI tables: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("AeroGPU device model (backend=%s)\n", backendName)
	fmt.Printf("  RSDP @ 0x%08X\n", device.Acpi.Addrs.RSDP)
	fmt.Printf("  RSDT @ 0x%08X  XSDT @ 0x%08X\n", device.Acpi.Addrs.RSDT, device.Acpi.Addrs.XSDT)
	fmt.Printf("  FADT @ 0x%08X  FACS @ 0x%08X  DSDT @ 0x%08X\n", device.Acpi.Addrs.FADT, device.Acpi.Addrs.FACS, device.Acpi.Addrs.DSDT)
	fmt.Printf("  MADT @ 0x%08X  HPET @ 0x%08X\n", device.Acpi.Addrs.MADT, device.Acpi.Addrs.HPET)
	if device.Acpi.Addrs.MCFG != 0 {
		fmt.Printf("  MCFG @ 0x%08X\n", device.Acpi.Addrs.MCFG)
	}
	fmt.Printf("  ABI_VERSION register offset: 0x%04X\n", uint32(RegAbiVersion))
	fmt.Printf("  DOORBELL register offset:    0x%04X\n", uint32(RegDoorbell))
}

func newBackendByName(name string) (GpuBackend, error) {
	switch name {
	case "null":
		return NewNullBackend(), nil
	case "vulkan":
		return NewVulkanBackend()
	default:
		return nil, fmt.Errorf("unknown backend %q (want \"null\" or \"vulkan\")", name)
	}
}

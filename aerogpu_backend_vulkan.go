// aerogpu_backend_vulkan.go - Vulkan-accelerated GpuBackend implementation

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_backend_vulkan.go is the hardware-accelerated GpuBackend alongside
NullBackend: a thin Vulkan layer that, once the PipelineExecutor has
rasterized a submission's draw/clear/copy commands in software (the
scheduler always calls exec.Apply before backend.Submit — see
aerogpu_scheduler.go's processSubmission), uploads the resulting scanout
target into a persistent host-visible staging VkBuffer (a MapMemory/
Memcopy/UnmapMemory cycle) and keeps a Go-side copy of the same pixels,
which is what ReadScanoutRGBA8 returns; nothing is read back out of the
VkBuffer. This exercises the real device/instance/memory-type
plumbing without requiring a compiled SPIR-V pipeline, since AeroGPU's
rasterization already happens on the CPU side; Vulkan here receives the
presented pixels and is not the rasterizer.
*/

package main

import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

var (
	aeroVulkanInitMutex sync.Mutex
	aeroVulkanInitDone  bool
)

// VulkanBackend drives scanout present/readback through a Vulkan staging
// buffer. Submission rasterization itself is still performed by the
// PipelineExecutor the scheduler already owns.
type VulkanBackend struct {
	mutex sync.Mutex

	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	device         vk.Device
	queueFamily    uint32
	queue          vk.Queue

	stagingBuffer       vk.Buffer
	stagingBufferMemory vk.DeviceMemory
	stagingCapacity     int
	stagingAllocated    bool

	completions []BackendCompletion
	lastPixels  []byte
	lastWidth   uint32
	lastHeight  uint32
	ready       bool
}

// NewVulkanBackend attempts to stand up a Vulkan instance/device pair. It
// returns an error rather than silently degrading to software-only, so a
// caller that explicitly asked for "vulkan" learns immediately that no
// Vulkan-capable GPU was available.
func NewVulkanBackend() (*VulkanBackend, error) {
	vb := &VulkanBackend{}
	if err := vb.initVulkan(); err != nil {
		return nil, err
	}
	return vb, nil
}

func (vb *VulkanBackend) initVulkan() error {
	aeroVulkanInitMutex.Lock()
	defer aeroVulkanInitMutex.Unlock()

	if !aeroVulkanInitDone {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return fmt.Errorf("aerogpu vulkan: failed to load the Vulkan library: %w", err)
		}
		if err := vk.Init(); err != nil {
			return fmt.Errorf("aerogpu vulkan: failed to initialize the loader: %w", err)
		}
		aeroVulkanInitDone = true
	}

	if err := vb.openInstance(); err != nil {
		return err
	}
	if err := vb.openCopyDevice(); err != nil {
		vk.DestroyInstance(vb.instance, nil)
		return err
	}
	vb.ready = true
	return nil
}

// openInstance brings up a headless Vulkan instance. The device model has
// no window or surface, so no instance extensions are requested; the
// application version mirrors the device's wire ABI major so a host-side
// Vulkan trace can be matched to the guest-facing protocol revision.
func (vb *VulkanBackend) openInstance() error {
	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   safeString("aerogpu"),
		ApplicationVersion: vk.MakeVersion(currentABIMajor, 0, 0),
		PEngineName:        safeString("aerogpu-staging"),
		EngineVersion:      vk.MakeVersion(currentABIMajor, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 1, 0),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}
	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return fmt.Errorf("aerogpu vulkan: vkCreateInstance failed: %d", res)
	}
	vb.instance = instance
	vk.InitInstance(instance)
	return nil
}

// copyQueueFamily picks the queue family this backend would use on dev.
// The whole workload is staging-buffer copies, so a dedicated transfer
// family (transfer-capable, no graphics or compute) is the best fit — it
// leaves the host compositor's graphics queue alone. Families carrying
// graphics or compute implicitly support transfer and serve as fallback.
func copyQueueFamily(dev vk.PhysicalDevice) (family uint32, dedicated, ok bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(dev, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(dev, &count, families)

	fallback := -1
	for i := range families {
		families[i].Deref()
		flags := families[i].QueueFlags
		transfer := flags&vk.QueueFlags(vk.QueueTransferBit) != 0
		graphics := flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0
		compute := flags&vk.QueueFlags(vk.QueueComputeBit) != 0
		if transfer && !graphics && !compute {
			return uint32(i), true, true
		}
		if fallback < 0 && (transfer || graphics || compute) {
			fallback = i
		}
	}
	if fallback >= 0 {
		return uint32(fallback), false, true
	}
	return 0, false, false
}

// copyDeviceRank scores dev for the copy-only workload. Discrete parts
// outrank integrated ones (their host-visible heaps sit behind a real
// bus, which is exactly what a staging round trip should exercise), and
// a dedicated transfer queue outranks contending with a compositor.
func copyDeviceRank(dev vk.PhysicalDevice, dedicatedQueue bool) int {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(dev, &props)
	props.Deref()
	rank := 1
	switch props.DeviceType {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		rank += 4
	case vk.PhysicalDeviceTypeIntegratedGpu:
		rank += 2
	}
	if dedicatedQueue {
		rank++
	}
	return rank
}

// openCopyDevice enumerates physical devices, keeps the highest-ranked
// one that exposes a usable copy queue family, and creates the logical
// device with that single queue.
func (vb *VulkanBackend) openCopyDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(vb.instance, &count, nil)
	if count == 0 {
		return fmt.Errorf("aerogpu vulkan: no Vulkan-capable GPUs found")
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(vb.instance, &count, devices)

	best := 0
	for _, dev := range devices {
		family, dedicated, ok := copyQueueFamily(dev)
		if !ok {
			continue
		}
		if rank := copyDeviceRank(dev, dedicated); rank > best {
			best = rank
			vb.physicalDevice = dev
			vb.queueFamily = family
		}
	}
	if best == 0 {
		return fmt.Errorf("aerogpu vulkan: no GPU exposes a transfer-capable queue family")
	}

	deviceInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: vb.queueFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
	}
	var device vk.Device
	if res := vk.CreateDevice(vb.physicalDevice, &deviceInfo, nil, &device); res != vk.Success {
		return fmt.Errorf("aerogpu vulkan: vkCreateDevice failed: %d", res)
	}
	vb.device = device
	vk.GetDeviceQueue(device, vb.queueFamily, 0, &vb.queue)
	return nil
}

func (vb *VulkanBackend) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(vb.physicalDevice, &memProps)
	memProps.Deref()
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && memProps.MemoryTypes[i].PropertyFlags&properties == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("aerogpu vulkan: no suitable memory type")
}

// ensureStagingBuffer (re)allocates the host-visible staging buffer when
// the requested capacity grows, sized to the current scanout rather
// than a compile-time resolution.
func (vb *VulkanBackend) ensureStagingBuffer(size int) error {
	if size <= vb.stagingCapacity && vb.stagingAllocated {
		return nil
	}
	if vb.stagingAllocated {
		vk.DestroyBuffer(vb.device, vb.stagingBuffer, nil)
		vk.FreeMemory(vb.device, vb.stagingBufferMemory, nil)
	}

	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(vk.BufferUsageTransferDstBit | vk.BufferUsageTransferSrcBit),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if res := vk.CreateBuffer(vb.device, &bufferInfo, nil, &buffer); res != vk.Success {
		return fmt.Errorf("aerogpu vulkan: vkCreateBuffer (staging) failed: %d", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(vb.device, buffer, &memReqs)
	memReqs.Deref()

	memTypeIndex, err := vb.findMemoryType(memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		vk.DestroyBuffer(vb.device, buffer, nil)
		return err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(vb.device, &allocInfo, nil, &memory); res != vk.Success {
		vk.DestroyBuffer(vb.device, buffer, nil)
		return fmt.Errorf("aerogpu vulkan: vkAllocateMemory (staging) failed: %d", res)
	}
	vk.BindBufferMemory(vb.device, buffer, memory, 0)

	vb.stagingBuffer = buffer
	vb.stagingBufferMemory = memory
	vb.stagingCapacity = size
	vb.stagingAllocated = true
	return nil
}

func (vb *VulkanBackend) Reset() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	vb.completions = nil
	vb.lastPixels = nil
	vb.lastWidth, vb.lastHeight = 0, 0
	return nil
}

// Close tears down the staging buffer, device, and instance in reverse
// creation order; buffers must be released before their device goes.
func (vb *VulkanBackend) Close() {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if vb.stagingAllocated {
		vk.DestroyBuffer(vb.device, vb.stagingBuffer, nil)
		vk.FreeMemory(vb.device, vb.stagingBufferMemory, nil)
		vb.stagingAllocated = false
	}
	if vb.device != nil {
		vk.DestroyDevice(vb.device, nil)
	}
	if vb.instance != nil {
		vk.DestroyInstance(vb.instance, nil)
	}
}

// Submit copies exec's already-rasterized scanout 0 into the Vulkan
// staging buffer and keeps a Go-side copy for ReadScanoutRGBA8, standing
// in for a hardware present/composite pass; the actual command
// interpretation already happened in
// PipelineExecutor.Apply before the scheduler called Submit.
func (vb *VulkanBackend) Submit(submissionID uint64, cmds []Command, exec *PipelineExecutor) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	if scanout, ok := exec.GetScanout(0); !ok || !scanout.Enable {
		vb.completions = append(vb.completions, BackendCompletion{SubmissionID: submissionID})
		return nil
	}
	target, ok := exec.ReadPresentedRGBA8(0)
	if !ok {
		vb.completions = append(vb.completions, BackendCompletion{SubmissionID: submissionID})
		return nil
	}

	size := len(target.Pixels)
	if size > 0 {
		if err := vb.ensureStagingBuffer(size); err != nil {
			return fmt.Errorf("aerogpu vulkan: %w", err)
		}
		var data unsafe.Pointer
		vk.MapMemory(vb.device, vb.stagingBufferMemory, 0, vk.DeviceSize(size), 0, &data)
		vk.Memcopy(data, target.Pixels)
		vk.UnmapMemory(vb.device, vb.stagingBufferMemory)
	}

	vb.lastPixels = append([]byte(nil), target.Pixels...)
	vb.lastWidth = target.Width
	vb.lastHeight = target.Height
	vb.completions = append(vb.completions, BackendCompletion{SubmissionID: submissionID})
	return nil
}

func (vb *VulkanBackend) PollCompletions() []BackendCompletion {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := vb.completions
	vb.completions = nil
	return out
}

func (vb *VulkanBackend) ReadScanoutRGBA8(idx int) ([]byte, int, int, bool) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if idx != 0 || vb.lastPixels == nil {
		return nil, 0, 0, false
	}
	return vb.lastPixels, int(vb.lastWidth), int(vb.lastHeight), true
}

// safeString NUL-terminates a Go string for
// PApplicationName/PEngineName.
func safeString(s string) string {
	return s + "\x00"
}

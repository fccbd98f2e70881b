// aerogpu_scheduler.go - Ring Scheduler: doorbell drain, fence publication, vsync pacing

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_scheduler.go is the device's three cooperative entry points:
on_doorbell, on_vblank_tick, on_backend_completion. They must never run
concurrently with each other for one device instance — whoever drives
the AeroGPUDevice is responsible for that; neither AeroGPUDevice nor this
type takes a lock of its own.
*/

package main

import "fmt"

// CompletionMode selects whether a fence completes as soon as the backend
// accepts a submission, or only after an explicit completion notification.
type CompletionMode int

const (
	CompletionImmediate CompletionMode = iota
	CompletionDeferred
)

// DeviceErrorKind is the top-level taxonomy surfaced through ERROR_CODE.
type DeviceErrorKind uint32

const (
	DeviceErrNone DeviceErrorKind = iota
	DeviceErrCmdDecode
	DeviceErrAllocTable
	DeviceErrOob
	DeviceErrBackend
)

const (
	IrqFence         uint32 = 1 << 0
	IrqError         uint32 = 1 << 1
	IrqScanoutVblank uint32 = 1 << 2
)

// SchedulerConfig bounds the resource the scheduler otherwise ties up
// unboundedly (submission trace depth).
type SchedulerConfig struct {
	TraceCapacity  int
	CompletionMode CompletionMode
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{TraceCapacity: 64, CompletionMode: CompletionImmediate}
}

// submissionTrace is one bounded-depth record of a processed submission,
// used for post-mortem debugging.
type submissionTrace struct {
	Fence     uint64
	ContextID uint32
	EngineID  uint32
	Malformed bool
}

// pendingFence tracks one in-flight submission's fence until it is safe
// to publish as completed.
type pendingFence struct {
	fence       uint64
	vsyncGated  bool
	completed   bool
	err         error
	boundHandles []uint32
}

// RingScheduler owns the
// ring-to-backend pipeline, fence publication and IRQ routing for one
// AeroGPU device instance.
type RingScheduler struct {
	cfg       SchedulerConfig
	backend   GpuBackend
	resources *ResourceManager
	exec      *PipelineExecutor

	ringGPA       uint64
	ringSizeBytes uint32
	ringEnabled   bool

	fenceGPA uint64

	pending []*pendingFence // in submission order
	byFence map[uint64]*pendingFence

	completedFence uint64
	nextFence      uint64 // test/driver-side helper to mint monotone fences when SignalFence==0

	irqEnable uint32
	irqStatus uint32

	errorCode   DeviceErrorKind
	errorFence  uint64
	errorCount  uint64

	malformedSubmissions uint64
	gpuExecErrors        uint64

	trace []submissionTrace

	vsyncGateConsumedThisTick bool
}

func NewRingScheduler(cfg SchedulerConfig, backend GpuBackend, resources *ResourceManager, exec *PipelineExecutor) *RingScheduler {
	return &RingScheduler{
		cfg:       cfg,
		backend:   backend,
		resources: resources,
		exec:      exec,
		byFence:   make(map[uint64]*pendingFence),
	}
}

func (s *RingScheduler) Reset() {
	s.pending = nil
	s.byFence = make(map[uint64]*pendingFence)
	s.completedFence = 0
	s.irqStatus = 0
	s.errorCode = DeviceErrNone
	s.errorFence = 0
	s.errorCount = 0
	s.malformedSubmissions = 0
	s.gpuExecErrors = 0
	s.trace = nil
	s.vsyncGateConsumedThisTick = false
}

func (s *RingScheduler) ConfigureRing(gpa uint64, sizeBytes uint32, enabled bool) {
	s.ringGPA = gpa
	s.ringSizeBytes = sizeBytes
	s.ringEnabled = enabled
}

// ConfigureFencePage sets the guest-physical base of the fence page the
// scheduler mirrors completed_fence into. Zero disables the mirror.
func (s *RingScheduler) ConfigureFencePage(gpa uint64) {
	s.fenceGPA = gpa
}

func (s *RingScheduler) CompletedFence() uint64     { return s.completedFence }
func (s *RingScheduler) ErrorCode() DeviceErrorKind  { return s.errorCode }
func (s *RingScheduler) ErrorFence() uint64          { return s.errorFence }
func (s *RingScheduler) ErrorCount() uint64          { return s.errorCount }
func (s *RingScheduler) MalformedSubmissions() uint64 { return s.malformedSubmissions }
func (s *RingScheduler) GpuExecErrors() uint64        { return s.gpuExecErrors }
func (s *RingScheduler) IrqStatus() uint32            { return s.irqStatus }

func (s *RingScheduler) SetIrqEnable(v uint32) { s.irqEnable = v }
func (s *RingScheduler) IrqEnable() uint32      { return s.irqEnable }

// AckIrq clears the given write-1-to-clear bits from IRQ_STATUS.
func (s *RingScheduler) AckIrq(bits uint32) { s.irqStatus &^= bits }

func (s *RingScheduler) raiseIrq(bit uint32) {
	if s.irqEnable&bit != 0 {
		s.irqStatus |= bit
	}
}

func (s *RingScheduler) raiseError(kind DeviceErrorKind, fence uint64) {
	s.errorCode = kind
	s.errorFence = fence
	s.errorCount++
	s.raiseIrq(IrqError)
}

func (s *RingScheduler) recordTrace(t submissionTrace) {
	s.trace = append(s.trace, t)
	if len(s.trace) > s.cfg.TraceCapacity {
		s.trace = s.trace[len(s.trace)-s.cfg.TraceCapacity:]
	}
}

// OnDoorbell implements the doorbell-triggered ring drain algorithm.
func (s *RingScheduler) OnDoorbell(mem GuestMemory) error {
	if !s.ringEnabled {
		return nil
	}
	hdrBytes, ok := mem.ReadPhysical(s.ringGPA, ringHeaderSize)
	if !ok {
		s.malformedSubmissions++
		s.raiseError(DeviceErrOob, 0)
		return nil
	}
	hdr := decodeRingHeader(hdrBytes)
	if hdr.Magic != ringMagic {
		s.malformedSubmissions++
		s.raiseError(DeviceErrCmdDecode, 0)
		return nil
	}
	if !abiMajorSupported(hdr.ABIVersion) {
		s.malformedSubmissions++
		s.raiseError(DeviceErrCmdDecode, 0)
		return nil
	}
	if hdr.EntryCount == 0 {
		return nil
	}

	// rawPending is the true, un-clamped distance from head to tail (both
	// are monotonic counters, not slot indices); only after confirming it
	// fits within one lap of the ring is it safe to use as a loop bound.
	// Reducing mod entry_count first, before the overflow check, would
	// silently fold a corrupted tail back into a plausible-looking range.
	rawPending := hdr.Tail - hdr.Head
	if rawPending > hdr.EntryCount {
		s.writeHead(mem, hdr.Tail)
		s.malformedSubmissions++
		s.raiseError(DeviceErrCmdDecode, 0)
		return nil
	}
	pendingCount := rawPending

	head := hdr.Head
	for i := uint32(0); i < pendingCount; i++ {
		slot := (head + i) % hdr.EntryCount
		slotOff := uint64(ringHeaderSize) + uint64(slot)*uint64(hdr.EntryStride)
		if gpaRangeOverflows(s.ringGPA, slotOff+submitDescSize) {
			s.malformedSubmissions++
			s.raiseError(DeviceErrOob, 0)
			s.writeHead(mem, head+i+1)
			continue
		}
		descBytes, ok := mem.ReadPhysical(s.ringGPA+slotOff, submitDescSize)
		if !ok {
			s.malformedSubmissions++
			s.raiseError(DeviceErrOob, 0)
			s.writeHead(mem, head+i+1)
			continue
		}
		desc := decodeSubmitDescriptor(descBytes)
		s.processSubmission(mem, desc)
		s.writeHead(mem, head+i+1)
	}

	s.pollCompletionsLocked()
	s.advanceCompletedFence(mem)
	return nil
}

func (s *RingScheduler) writeHead(mem GuestMemory, head uint32) {
	mem.Write32(s.ringGPA+24, head) // offset of `head` in ringHeader
}

func (s *RingScheduler) fenceFor(desc submitDescriptor) uint64 {
	if desc.SignalFence != 0 {
		return desc.SignalFence
	}
	s.nextFence++
	return s.nextFence
}

func (s *RingScheduler) processSubmission(mem GuestMemory, desc submitDescriptor) {
	fence := s.fenceFor(desc)
	pf := &pendingFence{fence: fence}
	s.pending = append(s.pending, pf)
	s.byFence[fence] = pf

	var allocs AllocTable
	if desc.hasAllocTable() {
		raw, ok := mem.ReadPhysical(desc.AllocTableGPA, desc.AllocTableSizeBytes)
		if !ok {
			s.failDecode(pf, DeviceErrOob)
			return
		}
		var err error
		allocs, err = decodeAllocationTable(raw)
		if err != nil {
			s.failDecode(pf, DeviceErrAllocTable)
			return
		}
	}

	var cmdBuf []byte
	if desc.CmdGPA != 0 {
		var ok bool
		cmdBuf, ok = mem.ReadPhysical(desc.CmdGPA, desc.CmdSizeBytes)
		if !ok {
			s.failDecode(pf, DeviceErrOob)
			return
		}
	}

	cmds, err := decodeCommandStream(cmdBuf, desc.CmdGPA, desc.CmdSizeBytes)
	if err != nil {
		s.failDecode(pf, DeviceErrCmdDecode)
		return
	}

	pf.boundHandles = boundHandlesIn(cmds)
	s.resources.BindFenceRefs(pf.boundHandles)

	pf.vsyncGated = submissionIsVsyncGated(desc, cmds, s.exec)

	if err := s.exec.Apply(desc.ContextID, cmds, mem, allocs); err != nil {
		s.gpuExecErrors++
		s.raiseError(DeviceErrBackend, fence)
		pf.err = err
		pf.completed = true
		s.recordTrace(submissionTrace{Fence: fence, ContextID: desc.ContextID, EngineID: desc.EngineID, Malformed: false})
		return
	}

	if err := s.backend.Submit(fence, cmds, s.exec); err != nil {
		s.gpuExecErrors++
		s.raiseError(DeviceErrBackend, fence)
		pf.err = err
		pf.completed = true
	} else if s.cfg.CompletionMode == CompletionImmediate {
		pf.completed = true
	}
	s.recordTrace(submissionTrace{Fence: fence, ContextID: desc.ContextID, EngineID: desc.EngineID, Malformed: false})
}

func (s *RingScheduler) failDecode(pf *pendingFence, kind DeviceErrorKind) {
	s.malformedSubmissions++
	// Local recovery: the fence still completes so the guest is never
	// wedged by a malformed submission.
	pf.completed = true
	s.raiseError(kind, pf.fence)
	s.recordTrace(submissionTrace{Fence: pf.fence, Malformed: true})
}

// boundHandlesIn collects every resource handle a decoded command stream
// binds, deduplicated, so the caller can take one fence-lifetime reference
// per handle regardless of how many commands reference it.
func boundHandlesIn(cmds []Command) []uint32 {
	seen := make(map[uint32]bool)
	var handles []uint32
	add := func(h uint32) {
		if h == 0 || seen[h] {
			return
		}
		seen[h] = true
		handles = append(handles, h)
	}
	for _, c := range cmds {
		switch cmd := c.(type) {
		case SetRenderTargetsCmd:
			for _, h := range cmd.Targets {
				add(h)
			}
			add(cmd.DepthStencilHandle)
		case SetVertexBuffersCmd:
			for _, b := range cmd.Buffers {
				add(b.Handle)
			}
		case SetIndexBufferCmd:
			add(cmd.Handle)
		case SetInputLayoutCmd:
			add(cmd.Handle)
		case BindShadersCmd:
			add(cmd.VertexShader)
			add(cmd.PixelShader)
			add(cmd.ComputeShader)
		case CopyTexture2DCmd:
			add(cmd.Dst)
			add(cmd.Src)
		case UploadResourceCmd:
			add(cmd.Handle)
		case ResourceDirtyRangeCmd:
			add(cmd.Handle)
		}
	}
	return handles
}

// submissionIsVsyncGated implements the vsync-gating rule:
// gated if targeting a scanout-enabled path, or if any Present packet
// carries the VSYNC flag, regardless of the submit-level PRESENT hint.
func submissionIsVsyncGated(desc submitDescriptor, cmds []Command, exec *PipelineExecutor) bool {
	for _, c := range cmds {
		if present, ok := c.(PresentCmd); ok {
			scanout, ok := exec.GetScanout(int(present.ScanoutID))
			if present.vsync() || (ok && scanout.Enable) {
				return true
			}
		}
	}
	return false
}

// OnBackendCompletion drains the backend's completion FIFO and marks the
// matching pending fences as completed.
func (s *RingScheduler) OnBackendCompletion(mem GuestMemory) {
	s.pollCompletionsLocked()
	s.advanceCompletedFence(mem)
}

func (s *RingScheduler) pollCompletionsLocked() {
	for _, c := range s.backend.PollCompletions() {
		pf, ok := s.byFence[c.SubmissionID]
		if !ok {
			continue // a completion whose ID matches no pending fence is dropped; it is not kept for a later submit
		}
		pf.completed = true
		if c.Err != nil {
			pf.err = c.Err
			s.gpuExecErrors++
			s.raiseError(DeviceErrBackend, pf.fence)
		}
	}
}

// advanceCompletedFence publishes the largest prefix of consecutive
// completed, non-vsync-blocked fences, mirroring each advance into the
// fence page when one is configured.
// At most one vsync-gated fence advances per call (back-pressure is
// enforced by OnVblankTick granting exactly one tick's allowance).
func (s *RingScheduler) advanceCompletedFence(mem GuestMemory) {
	for len(s.pending) > 0 {
		pf := s.pending[0]
		if !pf.completed {
			break
		}
		if pf.vsyncGated && !s.vsyncGateConsumedThisTick {
			break
		}
		if pf.vsyncGated {
			s.vsyncGateConsumedThisTick = false // consumed; next gated fence waits for next tick
		}
		s.completedFence = pf.fence
		s.publishFencePage(mem)
		if pf.err == nil {
			s.raiseIrq(IrqFence)
		}
		s.resources.ReleaseFenceRefs(pf.boundHandles)
		delete(s.byFence, pf.fence)
		s.pending = s.pending[1:]
	}
}

// publishFencePage mirrors completed_fence into the guest-visible fence
// page as two independent 32-bit writes, low half first (the unit of
// coherence is the 32-bit write; no tearing guarantee across the pair).
func (s *RingScheduler) publishFencePage(mem GuestMemory) {
	if s.fenceGPA == 0 || mem == nil {
		return
	}
	mem.Write32(s.fenceGPA, uint32(s.completedFence))
	mem.Write32(s.fenceGPA+4, uint32(s.completedFence>>32))
}

// OnVblankTick drives vsync-gated completions, advancing at most one
// vsync-gated fence. The tick's allowance does not persist: a gated
// fence that completes between ticks waits for the next tick rather
// than riding an earlier, unconsumed one.
func (s *RingScheduler) OnVblankTick(mem GuestMemory) {
	s.vsyncGateConsumedThisTick = true
	s.advanceCompletedFence(mem)
	s.vsyncGateConsumedThisTick = false
	s.raiseIrq(IrqScanoutVblank)
}

// FlushPending releases every queued vsync-gated fence, used when a
// scanout is disabled mid-flight.
func (s *RingScheduler) FlushPending(mem GuestMemory) {
	for _, pf := range s.pending {
		pf.vsyncGated = false
	}
	s.advanceCompletedFence(mem)
}

func (s *RingScheduler) String() string {
	return fmt.Sprintf("RingScheduler{completed=%d pending=%d}", s.completedFence, len(s.pending))
}

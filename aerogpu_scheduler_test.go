// aerogpu_scheduler_test.go - Ring Scheduler tests

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

package main

import (
	"sync"
	"testing"
)

const testRingGPA = uint64(0x10000)

// deferredBackend behaves like NullBackend but holds a submission's
// completion back from PollCompletions until the test calls release,
// so a test can observe scheduler/resource state in the window between
// a fence's submit and its completion.
type deferredBackend struct {
	mu      sync.Mutex
	held    []BackendCompletion
	visible []BackendCompletion
}

func newDeferredBackend() *deferredBackend { return &deferredBackend{} }

func (b *deferredBackend) Reset() error { return nil }

func (b *deferredBackend) Submit(submissionID uint64, cmds []Command, exec *PipelineExecutor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = append(b.held, BackendCompletion{SubmissionID: submissionID})
	return nil
}

func (b *deferredBackend) PollCompletions() []BackendCompletion {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.visible
	b.visible = nil
	return out
}

// release moves the held completions for the given submission IDs into
// the set the next PollCompletions call drains.
func (b *deferredBackend) release(ids ...uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keep []BackendCompletion
	for _, c := range b.held {
		match := false
		for _, id := range ids {
			if c.SubmissionID == id {
				match = true
				break
			}
		}
		if match {
			b.visible = append(b.visible, c)
		} else {
			keep = append(keep, c)
		}
	}
	b.held = keep
}

func (b *deferredBackend) ReadScanoutRGBA8(idx int) ([]byte, int, int, bool) {
	return nil, 0, 0, false
}

func writeRingHeader(t *testing.T, mem GuestMemory, entryCount, entryStride, head, tail uint32) {
	t.Helper()
	hdr := ringHeader{
		Magic:       ringMagic,
		ABIVersion:  abiVersion{Major: currentABIMajor, Minor: 0},
		SizeBytes:   ringHeaderSize + entryCount*entryStride,
		EntryCount:  entryCount,
		EntryStride: entryStride,
		Head:        head,
		Tail:        tail,
	}
	if !mem.WritePhysical(testRingGPA, hdr.encode()) {
		t.Fatalf("failed to write ring header")
	}
}

// presentVsyncCmdStream builds a minimal, valid command-stream buffer
// holding a single Present packet with the vsync flag set.
func presentVsyncCmdStream(scanoutID uint32) []byte {
	payload := presentPacket(scanoutID, presentFlagVsync)
	size := uint32(cmdStreamHeaderSize) + uint32(len(payload))
	raw := cmdStreamHeaderBytes(size, 0)
	raw = append(raw, payload...)
	return raw
}

// writeSubmission places one submit descriptor into ring slot `slot` and
// its referenced command stream at cmdGPA, with no allocation table.
func writeSubmission(t *testing.T, mem GuestMemory, slot uint32, cmdGPA uint64) {
	t.Helper()
	cmdBuf := presentVsyncCmdStream(0)
	if !mem.WritePhysical(cmdGPA, cmdBuf) {
		t.Fatalf("failed to write command stream")
	}
	desc := submitDescriptor{
		DescSize:     submitDescSize,
		ContextID:    1,
		EngineID:     0,
		CmdGPA:       cmdGPA,
		CmdSizeBytes: uint32(len(cmdBuf)),
	}
	slotOff := uint64(ringHeaderSize) + uint64(slot)*uint64(submitDescSize)
	if !mem.WritePhysical(testRingGPA+slotOff, desc.encode()) {
		t.Fatalf("failed to write submit descriptor")
	}
}

// writeSubmissionCmdStream places one submit descriptor into ring slot
// `slot` pointing at a caller-supplied command-stream buffer at cmdGPA.
func writeSubmissionCmdStream(t *testing.T, mem GuestMemory, slot uint32, cmdGPA uint64, cmdBuf []byte) {
	t.Helper()
	if !mem.WritePhysical(cmdGPA, cmdBuf) {
		t.Fatalf("failed to write command stream")
	}
	desc := submitDescriptor{
		DescSize:     submitDescSize,
		ContextID:    1,
		EngineID:     0,
		CmdGPA:       cmdGPA,
		CmdSizeBytes: uint32(len(cmdBuf)),
	}
	slotOff := uint64(ringHeaderSize) + uint64(slot)*uint64(submitDescSize)
	if !mem.WritePhysical(testRingGPA+slotOff, desc.encode()) {
		t.Fatalf("failed to write submit descriptor")
	}
}

func newTestScheduler() (*RingScheduler, *PipelineExecutor) {
	rm := NewResourceManager()
	exec := NewPipelineExecutor(rm)
	sched := NewRingScheduler(DefaultSchedulerConfig(), NewNullBackend(), rm, exec)
	sched.ConfigureRing(testRingGPA, ringHeaderSize+4*submitDescSize, true)
	return sched, exec
}

// TestScheduler_VsyncPacing covers vsync-gated fence ordering: a
// vsync-flagged Present's fence does not advance on the doorbell that
// submitted it, only on the next vblank tick, and at most one gated fence
// advances per tick.
func TestScheduler_VsyncPacing(t *testing.T) {
	sched, _ := newTestScheduler()
	mem := NewFlatGuestMemory(1 << 20)

	writeRingHeader(t, mem, 4, submitDescSize, 0, 1)
	writeSubmission(t, mem, 0, 0x20000)
	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.CompletedFence() != 0 {
		t.Fatalf("CompletedFence() = %d immediately after doorbell, want 0 (vsync-gated)", sched.CompletedFence())
	}

	sched.OnVblankTick(mem)
	if sched.CompletedFence() != 1 {
		t.Fatalf("CompletedFence() = %d after first vblank tick, want 1", sched.CompletedFence())
	}

	writeRingHeader(t, mem, 4, submitDescSize, 1, 2)
	writeSubmission(t, mem, 1, 0x21000)
	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.CompletedFence() != 1 {
		t.Fatalf("CompletedFence() = %d after second doorbell, want unchanged at 1 until the next tick", sched.CompletedFence())
	}

	sched.OnVblankTick(mem)
	if sched.CompletedFence() != 2 {
		t.Fatalf("CompletedFence() = %d after second vblank tick, want 2", sched.CompletedFence())
	}
}

// TestScheduler_PendingCountOverflowFastForwardsHead covers the
// pathological tail/head distance case: when tail-head exceeds
// entry_count, the scheduler must not silently reduce it modulo
// entry_count first (which would hide the corruption behind a
// plausible-looking wrapped value) — it counts a malformed submission,
// raises ERROR, and fast-forwards head to tail instead of iterating a
// bogus range.
func TestScheduler_PendingCountOverflowFastForwardsHead(t *testing.T) {
	sched, _ := newTestScheduler()
	sched.SetIrqEnable(IrqError)
	mem := NewFlatGuestMemory(1 << 20)

	const entryCount = 4
	writeRingHeader(t, mem, entryCount, submitDescSize, 0, entryCount+5)

	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.MalformedSubmissions() != 1 {
		t.Errorf("MalformedSubmissions() = %d, want 1", sched.MalformedSubmissions())
	}
	if sched.IrqStatus()&IrqError == 0 {
		t.Errorf("IrqStatus() = 0x%X, want IrqError bit set", sched.IrqStatus())
	}

	head, ok := mem.Read32(testRingGPA + 24)
	if !ok {
		t.Fatalf("failed to read back head")
	}
	if head != entryCount+5 {
		t.Errorf("head = %d, want fast-forwarded to tail (%d)", head, entryCount+5)
	}
}

// TestScheduler_RingDescriptorGpaOverflow covers a ring placed so its
// 32-byte header ends exactly at the top of the address space: the header
// read itself succeeds (its last byte is 0xFFFFFFFFFFFFFFFF, not past
// it), but slot 0's descriptor would wrap past 2^64. The device must
// record one malformed submission, raise ERROR with Oob, fast-forward
// head to tail, and record no fence.
func TestScheduler_RingDescriptorGpaOverflow(t *testing.T) {
	rm := NewResourceManager()
	exec := NewPipelineExecutor(rm)
	sched := NewRingScheduler(DefaultSchedulerConfig(), NewNullBackend(), rm, exec)
	ringGPA := ^uint64(0) - (ringHeaderSize - 1)
	sched.ConfigureRing(ringGPA, ringHeaderSize, true)
	sched.SetIrqEnable(IrqError)
	mem := newSparseGuestMemory()

	hdr := ringHeader{
		Magic:       ringMagic,
		ABIVersion:  abiVersion{Major: currentABIMajor},
		SizeBytes:   ringHeaderSize,
		EntryCount:  4,
		EntryStride: submitDescSize,
		Head:        0,
		Tail:        1,
	}
	if !mem.WritePhysical(ringGPA, hdr.encode()) {
		t.Fatalf("failed to write the boundary ring header")
	}

	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.MalformedSubmissions() != 1 {
		t.Errorf("MalformedSubmissions() = %d, want 1", sched.MalformedSubmissions())
	}
	if sched.ErrorCode() != DeviceErrOob {
		t.Errorf("ErrorCode() = %v, want DeviceErrOob", sched.ErrorCode())
	}
	if sched.IrqStatus()&IrqError == 0 {
		t.Errorf("IrqStatus() = 0x%X, want IrqError bit set", sched.IrqStatus())
	}
	if sched.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", sched.ErrorCount())
	}
	head, ok := mem.Read32(ringGPA + 24)
	if !ok {
		t.Fatalf("failed to read back head")
	}
	if head != hdr.Tail {
		t.Errorf("head = %d, want advanced to tail (%d)", head, hdr.Tail)
	}
	if sched.CompletedFence() != 0 {
		t.Errorf("CompletedFence() = %d, want 0 (no fence completed)", sched.CompletedFence())
	}
	if len(sched.trace) != 0 {
		t.Errorf("submission trace holds %d records, want 0 (nothing was decoded)", len(sched.trace))
	}
}

// TestScheduler_PendingWithinOneLapIsNotAnOverflow is the boundary case
// right at entry_count: tail-head == entry_count is a full lap, not an
// overflow, so every entry must still be processed normally.
func TestScheduler_PendingWithinOneLapIsNotAnOverflow(t *testing.T) {
	sched, _ := newTestScheduler()
	mem := NewFlatGuestMemory(1 << 20)

	const entryCount = 1
	writeRingHeader(t, mem, entryCount, submitDescSize, 0, entryCount)
	writeSubmission(t, mem, 0, 0x20000)

	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.MalformedSubmissions() != 0 {
		t.Errorf("MalformedSubmissions() = %d, want 0 for an exact one-lap distance", sched.MalformedSubmissions())
	}
}

// TestScheduler_MalformedCmdStreamStillCompletesFence covers the
// guest-never-wedged guarantee: a submission whose command stream fails to
// decode still completes its fence (with an error recorded), rather than
// stalling the ring forever.
func TestScheduler_MalformedCmdStreamStillCompletesFence(t *testing.T) {
	sched, _ := newTestScheduler()
	mem := NewFlatGuestMemory(1 << 20)

	writeRingHeader(t, mem, 4, submitDescSize, 0, 1)
	badCmdGPA := uint64(0x30000)
	if !mem.WritePhysical(badCmdGPA, []byte{0xDE, 0xAD, 0xBE}) { // not even a valid header size
		t.Fatalf("failed to write bad command stream")
	}
	desc := submitDescriptor{DescSize: submitDescSize, ContextID: 1, CmdGPA: badCmdGPA, CmdSizeBytes: 3}
	if !mem.WritePhysical(testRingGPA+ringHeaderSize, desc.encode()) {
		t.Fatalf("failed to write submit descriptor")
	}

	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.MalformedSubmissions() != 1 {
		t.Errorf("MalformedSubmissions() = %d, want 1", sched.MalformedSubmissions())
	}
	if sched.CompletedFence() != 1 {
		t.Errorf("CompletedFence() = %d, want 1 (fence still completes on decode failure)", sched.CompletedFence())
	}
	if sched.ErrorCode() != DeviceErrCmdDecode {
		t.Errorf("ErrorCode() = %v, want DeviceErrCmdDecode", sched.ErrorCode())
	}
}

func TestScheduler_DisabledRingIgnoresDoorbell(t *testing.T) {
	rm := NewResourceManager()
	exec := NewPipelineExecutor(rm)
	sched := NewRingScheduler(DefaultSchedulerConfig(), NewNullBackend(), rm, exec)
	sched.ConfigureRing(testRingGPA, ringHeaderSize+4*submitDescSize, false)
	mem := NewFlatGuestMemory(1 << 20)
	writeRingHeader(t, mem, 4, submitDescSize, 0, 1)

	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	if sched.MalformedSubmissions() != 0 || sched.CompletedFence() != 0 {
		t.Errorf("a disabled ring must not process anything, got malformed=%d completed=%d", sched.MalformedSubmissions(), sched.CompletedFence())
	}
}

func TestScheduler_Reset(t *testing.T) {
	sched, _ := newTestScheduler()
	mem := NewFlatGuestMemory(1 << 20)
	writeRingHeader(t, mem, 4, submitDescSize, 0, 1)
	writeSubmission(t, mem, 0, 0x20000)
	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}
	sched.OnVblankTick(mem)
	if sched.CompletedFence() == 0 {
		t.Fatalf("setup failed: expected a nonzero completed fence before Reset")
	}

	sched.Reset()
	if sched.CompletedFence() != 0 {
		t.Errorf("CompletedFence() = %d after Reset, want 0", sched.CompletedFence())
	}
	if sched.MalformedSubmissions() != 0 || sched.IrqStatus() != 0 {
		t.Errorf("expected a fully zeroed scheduler after Reset")
	}
}

func createBufferPacket(handle, usage, sizeBytes, backingAllocID uint32, backingOffset uint64) []byte {
	var payload []byte
	payload = append(payload, le32(handle)...)
	payload = append(payload, le32(usage)...)
	payload = append(payload, le32(sizeBytes)...)
	payload = append(payload, le32(backingAllocID)...)
	payload = append(payload, le64(backingOffset)...)
	return packetBytes(OpCreateBuffer, payload)
}

func setIndexBufferPacket(handle uint32, format IndexFormat, offset uint32) []byte {
	var payload []byte
	payload = append(payload, le32(handle)...)
	payload = append(payload, le32(uint32(format))...)
	payload = append(payload, le32(offset)...)
	return packetBytes(OpSetIndexBuffer, payload)
}

func cmdStreamOf(payload []byte) []byte {
	size := uint32(cmdStreamHeaderSize) + uint32(len(payload))
	raw := cmdStreamHeaderBytes(size, 0)
	return append(raw, payload...)
}

// TestScheduler_OutOfOrderCompletionPublishesInOrder covers the fence
// ordering invariant: the backend completing fence 2 before fence 1 must
// not publish 2 first; completed_fence stays at 0 until 1 lands, then
// jumps straight to 2.
func TestScheduler_OutOfOrderCompletionPublishesInOrder(t *testing.T) {
	rm := NewResourceManager()
	exec := NewPipelineExecutor(rm)
	backend := newDeferredBackend()
	cfg := DefaultSchedulerConfig()
	cfg.CompletionMode = CompletionDeferred
	sched := NewRingScheduler(cfg, backend, rm, exec)
	sched.ConfigureRing(testRingGPA, ringHeaderSize+4*submitDescSize, true)

	mem := NewFlatGuestMemory(1 << 20)
	writeRingHeader(t, mem, 4, submitDescSize, 0, 2)
	emptyStream := cmdStreamOf(nil)
	writeSubmissionCmdStream(t, mem, 0, 0x20000, emptyStream)
	writeSubmissionCmdStream(t, mem, 1, 0x21000, emptyStream)
	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell: %v", err)
	}

	backend.release(2)
	sched.OnBackendCompletion(mem)
	if sched.CompletedFence() != 0 {
		t.Fatalf("CompletedFence() = %d after releasing only fence 2, want 0", sched.CompletedFence())
	}

	backend.release(1)
	sched.OnBackendCompletion(mem)
	if sched.CompletedFence() != 2 {
		t.Errorf("CompletedFence() = %d after releasing fence 1, want 2", sched.CompletedFence())
	}
}

// TestScheduler_BindOnSubmitDelaysDestroyUntilFenceCompletion drives the
// bind/release refcount contract end to end through the scheduler: a
// buffer bound by a submission's command stream must survive a Destroy
// issued while that submission's fence is still pending, and must only
// be reaped once the fence completes.
func TestScheduler_BindOnSubmitDelaysDestroyUntilFenceCompletion(t *testing.T) {
	rm := NewResourceManager()
	exec := NewPipelineExecutor(rm)
	backend := newDeferredBackend()
	cfg := DefaultSchedulerConfig()
	cfg.CompletionMode = CompletionDeferred
	sched := NewRingScheduler(cfg, backend, rm, exec)
	sched.ConfigureRing(testRingGPA, ringHeaderSize+4*submitDescSize, true)

	mem := NewFlatGuestMemory(1 << 20)

	const bufHandle = 77

	writeRingHeader(t, mem, 4, submitDescSize, 0, 1)
	createCmdBuf := cmdStreamOf(createBufferPacket(bufHandle, 0, 4, 0, 0))
	writeSubmissionCmdStream(t, mem, 0, 0x20000, createCmdBuf)
	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell (create): %v", err)
	}
	if _, ok := rm.buffers[bufHandle]; !ok {
		t.Fatalf("buffer %d not created", bufHandle)
	}

	backend.release(1)
	sched.OnBackendCompletion(mem)
	if sched.CompletedFence() != 1 {
		t.Fatalf("CompletedFence() = %d, want 1 after releasing the create submission", sched.CompletedFence())
	}

	writeRingHeader(t, mem, 4, submitDescSize, 1, 2)
	bindCmdBuf := cmdStreamOf(setIndexBufferPacket(bufHandle, IndexFormat16, 0))
	writeSubmissionCmdStream(t, mem, 1, 0x21000, bindCmdBuf)
	if err := sched.OnDoorbell(mem); err != nil {
		t.Fatalf("OnDoorbell (bind): %v", err)
	}

	if err := rm.Destroy(bufHandle); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := rm.buffers[bufHandle]; !ok {
		t.Errorf("buffer %d reaped immediately despite a live binding from the pending fence", bufHandle)
	}

	backend.release(2)
	sched.OnBackendCompletion(mem)
	if sched.CompletedFence() != 2 {
		t.Fatalf("CompletedFence() = %d, want 2 after releasing the bind submission", sched.CompletedFence())
	}
	if _, ok := rm.buffers[bufHandle]; ok {
		t.Errorf("buffer %d still present after its only binder's fence completed", bufHandle)
	}
}

// aerogpu_backend.go - Host GPU backend abstraction

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_backend.go defines the capability set the Ring Scheduler and
Pipeline Executor depend on: reset, submit,
poll completions, and read back a scanout as RGBA8: a small interface
with a null no-op and (in aerogpu_backend_vulkan.go) a
hardware-accelerated implementation, all interchangeable behind the same
owned dynamic dispatch the scheduler holds.
*/

package main

import "sync"

// BackendCompletion is one accepted submission's outcome, delivered
// asynchronously via GpuBackend.PollCompletions.
type BackendCompletion struct {
	SubmissionID uint64
	Err          error
}

// GpuBackend is the opaque host rendering collaborator. Implementations
// must be safe for Submit to be called from the scheduler's doorbell
// thread while PollCompletions is called from the same thread at a later
// time (concurrent entry points are disallowed, so the backend itself
// need not guard against concurrent Submit/Poll, only against its own
// internal completion-producer goroutine racing PollCompletions).
type GpuBackend interface {
	Reset() error

	// Submit enqueues one decoded submission's commands against pipeline
	// state for execution, identified by an opaque submissionID the
	// backend echoes back in a later BackendCompletion.
	Submit(submissionID uint64, cmds []Command, exec *PipelineExecutor) error

	// PollCompletions drains backend-side completions accumulated since
	// the last call. It never blocks.
	PollCompletions() []BackendCompletion

	// ReadScanoutRGBA8 returns the current contents of scanout index idx
	// as tightly-packed RGBA8 rows, used by Present and by tests.
	ReadScanoutRGBA8(idx int) (pixels []byte, width, height int, ok bool)
}

// NullBackend accepts every submission immediately and successfully,
// producing no visible output. Useful for exercising ring/fence plumbing
// without a rasterizer.
type NullBackend struct {
	mutex       sync.Mutex
	completions []BackendCompletion
}

func NewNullBackend() *NullBackend { return &NullBackend{} }

func (b *NullBackend) Reset() error { return nil }

func (b *NullBackend) Submit(submissionID uint64, cmds []Command, exec *PipelineExecutor) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.completions = append(b.completions, BackendCompletion{SubmissionID: submissionID})
	return nil
}

func (b *NullBackend) PollCompletions() []BackendCompletion {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := b.completions
	b.completions = nil
	return out
}

func (b *NullBackend) ReadScanoutRGBA8(idx int) ([]byte, int, int, bool) {
	return nil, 0, 0, false
}

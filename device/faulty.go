package device

import (
	"context"
	"fmt"
	"sync"
)

// Fault defines specific failure behavior for a FaultyDevice.
type Fault struct {
	FailReadsAfter  int64 // Fail reads after this many successful reads. -1 to disable.
	FailWritesAfter int64 // Fail writes after this many successful writes. -1 to disable.
	FailOnSync      bool
	Err             error
}

// FaultyDevice is a Device wrapper that can inject errors. It is intended
// for tests that exercise error paths in the layers above.
type FaultyDevice struct {
	Dev Device

	mu     sync.Mutex
	fault  Fault
	reads  int64
	writes int64
}

// NewFaultyDevice creates a FaultyDevice wrapping dev. With no fault set,
// it is a transparent pass-through.
func NewFaultyDevice(dev Device) *FaultyDevice {
	return &FaultyDevice{
		Dev: dev,
		fault: Fault{
			FailReadsAfter:  -1,
			FailWritesAfter: -1,
			Err:             fmt.Errorf("injected fault error"),
		},
	}
}

// SetFault installs the failure behavior, replacing any previous one.
func (f *FaultyDevice) SetFault(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil {
		fault.Err = fmt.Errorf("injected fault error")
	}
	f.fault = fault
}

// Reads returns the number of successful reads so far.
func (f *FaultyDevice) Reads() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Writes returns the number of successful writes so far.
func (f *FaultyDevice) Writes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *FaultyDevice) ReadBlock(ctx context.Context, blockno uint32, p []byte) error {
	f.mu.Lock()
	if f.fault.FailReadsAfter >= 0 && f.reads >= f.fault.FailReadsAfter {
		err := f.fault.Err
		f.mu.Unlock()
		return err
	}
	f.reads++
	f.mu.Unlock()

	return f.Dev.ReadBlock(ctx, blockno, p)
}

func (f *FaultyDevice) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	f.mu.Lock()
	if f.fault.FailWritesAfter >= 0 && f.writes >= f.fault.FailWritesAfter {
		err := f.fault.Err
		f.mu.Unlock()
		return err
	}
	f.writes++
	f.mu.Unlock()

	return f.Dev.WriteBlock(ctx, blockno, p)
}

func (f *FaultyDevice) Sync(ctx context.Context) error {
	f.mu.Lock()
	if f.fault.FailOnSync {
		err := f.fault.Err
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	return f.Dev.Sync(ctx)
}

func (f *FaultyDevice) Close() error { return f.Dev.Close() }

func (f *FaultyDevice) BlockSize() int { return f.Dev.BlockSize() }

func (f *FaultyDevice) NumBlocks() uint32 { return f.Dev.NumBlocks() }

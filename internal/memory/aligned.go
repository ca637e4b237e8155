package memory

import "fmt"

// Alignment is the host alignment AllocAligned guarantees for every
// backing it returns, per spec.md §4.B ("guaranteed host alignment of 8").
const Alignment = 8

// AlignedMemory owns the host backings allocated for program ro-data,
// stack, heap and input regions. It centralizes acquire/release so every
// code path (success, runtime error, syscall panic) can release backings
// through one Close call, per spec.md §5's resource-acquisition rule.
type AlignedMemory struct {
	backings [][]byte
}

// AllocAligned reserves size bytes, zero-initialized, aligned to
// Alignment. Backed by an anonymous mmap on Linux (see aligned_linux.go),
// which GuardPage can Mprotect; falls back to a plain slice elsewhere.
func (am *AlignedMemory) AllocAligned(size uint64) ([]byte, error) {
	b, err := mmapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("memory: alloc %d bytes: %w", size, err)
	}
	am.backings = append(am.backings, b)
	return b, nil
}

// GuardPage marks a sub-region of a previously allocated backing
// inaccessible (a no-op off Linux). Nothing in this module calls it: the
// VM maps the stack as one contiguous region and does not read
// EnableStackFrameGaps.
func (am *AlignedMemory) GuardPage(b []byte) error {
	return protectNone(b)
}

// Close releases every backing acquired through this allocator. Safe to
// call multiple times.
func (am *AlignedMemory) Close() error {
	var firstErr error
	for _, b := range am.backings {
		if err := munmapBacking(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	am.backings = nil
	return firstErr
}

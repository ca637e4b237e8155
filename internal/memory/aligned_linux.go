//go:build linux

package memory

import "golang.org/x/sys/unix"

// mmapAnon backs a region allocation with an anonymous mmap, giving the
// allocator a real page-aligned host mapping (alignment stricter than the
// 8-byte guarantee spec.md §4.B requires) that protectNone can Mprotect.
func mmapAnon(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// protectNone marks a sub-slice of an mmap'd region inaccessible; it
// backs AlignedMemory.GuardPage.
func protectNone(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

// munmapBacking releases one mmap'd backing acquired via mmapAnon.
func munmapBacking(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

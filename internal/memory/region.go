// Package memory implements the sandboxed address space: four fixed 4 GiB
// zones (program/stack/heap/input) carved out by the high bits of a virtual
// address, each backed by a host byte slice with its own permission mask.
// This generalizes the teacher's single flat [stackSize]byte array
// (vm/vm.go) into the multi-region model of spec.md §3/§4.B.
package memory

import (
	"fmt"
	"sort"
)

// Access is a permission bitmask requested by a load/store.
type Access uint8

const (
	Read Access = 1 << iota
	Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Read | Write:
		return "ReadWrite"
	default:
		return "None"
	}
}

// Zone identifies one of the four fixed virtual-address ranges from
// spec.md §3. Each zone is 4 GiB wide; the zone is the virtual address
// shifted right by 32 bits.
type Zone uint64

const (
	zoneShift = 32

	ZoneProgram Zone = 0x1
	ZoneStack   Zone = 0x2
	ZoneHeap    Zone = 0x3
	ZoneInput   Zone = 0x4
)

// ZoneBase returns the base virtual address of a zone.
func ZoneBase(z Zone) uint64 {
	return uint64(z) << zoneShift
}

func zoneOf(vaddr uint64) Zone {
	return Zone(vaddr >> zoneShift)
}

// Region is a contiguous host-backed span of the address space.
type Region struct {
	VAddr     uint64
	Readable  bool
	Writable  bool
	CostPerAccess uint64
	data      []byte
}

// Len returns the region's length in bytes.
func (r *Region) Len() uint64 { return uint64(len(r.data)) }

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.VAddr + r.Len() }

// NewRegion wraps a host-backed byte slice as a region at vaddr with the
// given permissions. The backing slice is expected to come from the
// aligned allocator in this package (AllocAligned) so that
// AlignedMemory's 8-byte alignment guarantee (spec.md §4.B) holds.
func NewRegion(vaddr uint64, data []byte, readable, writable bool) *Region {
	return &Region{VAddr: vaddr, Readable: readable, Writable: writable, data: data}
}

// AccessViolation is the RuntimeError raised when a load/store cannot be
// resolved to a single permitted region (spec.md §7).
type AccessViolation struct {
	VAddr  uint64
	Len    uint64
	Access Access
}

func (e *AccessViolation) Error() string {
	return fmt.Sprintf("access violation: vaddr=0x%x len=%d access=%s", e.VAddr, e.Len, e.Access)
}

// UnalignedMemoryAccess is raised when a load/store of width w isn't
// naturally aligned and config.AllowUnaligned is false.
type UnalignedMemoryAccess struct {
	VAddr uint64
	Width uint64
}

func (e *UnalignedMemoryAccess) Error() string {
	return fmt.Sprintf("unaligned memory access: vaddr=0x%x width=%d", e.VAddr, e.Width)
}

// Mapping owns the regions borrowed by one VM invocation, sorted per zone
// for the binary-search lookup spec.md §4.B describes.
type Mapping struct {
	byZone map[Zone][]*Region
}

// NewMapping builds a Mapping from an unordered set of regions. Regions in
// the same zone must not overlap (spec.md §3 invariant); AddRegion returns
// an error otherwise.
func NewMapping(regions ...*Region) (*Mapping, error) {
	m := &Mapping{byZone: make(map[Zone][]*Region)}
	for _, r := range regions {
		if err := m.AddRegion(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddRegion inserts a region into its zone's sorted slice, rejecting
// overlaps.
func (m *Mapping) AddRegion(r *Region) error {
	z := zoneOf(r.VAddr)
	list := m.byZone[z]
	idx := sort.Search(len(list), func(i int) bool { return list[i].VAddr >= r.VAddr })
	if idx > 0 && list[idx-1].End() > r.VAddr {
		return fmt.Errorf("memory: region at 0x%x overlaps preceding region ending at 0x%x", r.VAddr, list[idx-1].End())
	}
	if idx < len(list) && r.End() > list[idx].VAddr {
		return fmt.Errorf("memory: region at 0x%x overlaps following region at 0x%x", r.VAddr, list[idx].VAddr)
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = r
	m.byZone[z] = list
	return nil
}

// find locates the region containing vaddr via binary search within the
// region's zone, step 1 of the translate algorithm in spec.md §4.B.
func (m *Mapping) find(vaddr uint64) *Region {
	list := m.byZone[zoneOf(vaddr)]
	idx := sort.Search(len(list), func(i int) bool { return list[i].End() > vaddr })
	if idx < len(list) && list[idx].VAddr <= vaddr {
		return list[idx]
	}
	return nil
}

// Translate resolves vaddr/len/access to a host-addressable slice,
// implementing the three-step algorithm of spec.md §4.B: mask to zone and
// binary-search, reject overflow/out-of-range/permission violations,
// return a slice of exactly len bytes.
func (m *Mapping) Translate(vaddr, length uint64, access Access) ([]byte, error) {
	end := vaddr + length
	if end < vaddr { // overflow
		return nil, &AccessViolation{VAddr: vaddr, Len: length, Access: access}
	}
	r := m.find(vaddr)
	if r == nil || end > r.End() {
		return nil, &AccessViolation{VAddr: vaddr, Len: length, Access: access}
	}
	if access&Read != 0 && !r.Readable {
		return nil, &AccessViolation{VAddr: vaddr, Len: length, Access: access}
	}
	if access&Write != 0 && !r.Writable {
		return nil, &AccessViolation{VAddr: vaddr, Len: length, Access: access}
	}
	off := vaddr - r.VAddr
	return r.data[off : off+length], nil
}

// TranslateAligned is Translate plus the natural-alignment check from
// spec.md §4.B; callers doing sized loads/stores (widths 1/2/4/8) should
// use this instead of Translate directly.
func (m *Mapping) TranslateAligned(vaddr, width uint64, access Access, allowUnaligned bool) ([]byte, error) {
	if !allowUnaligned && width > 1 && vaddr%width != 0 {
		return nil, &UnalignedMemoryAccess{VAddr: vaddr, Width: width}
	}
	return m.Translate(vaddr, width, access)
}

// Region returns the region (if any) owning vaddr, for diagnostics.
func (m *Mapping) Region(vaddr uint64) *Region {
	return m.find(vaddr)
}

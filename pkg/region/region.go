// Package region implements the Shared Region component: the word-aligned
// data buffer, the fixed-size VWL stripe table, and the set of dynamically
// allocated segments that transactions grow via Alloc.
package region

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"tl2stm/pkg/clock"
	"tl2stm/pkg/vwl"
)

// WordSize is the size, in bytes, of one shared-memory word. It is also the
// smallest unit of locking granularity: every address maps to exactly one
// word, and every word maps to exactly one stripe.
const WordSize = 8

// NumStripes is the fixed size of the VWL stripe table. Every region, no
// matter its size, shares this many locks; stripe selection is a simple
// modulus over the word index, so larger regions see more false sharing
// between unrelated addresses but the table itself never grows.
const NumStripes = 1 << 14

// Addr identifies a single word in a region's address space. It is a
// word index, not a byte offset, and is never reused across the lifetime
// of a region even after the segment backing it is freed.
type Addr uint64

var (
	// ErrInvalidRegion is returned by Create when the region cannot be
	// constructed, either because the arguments are malformed or because
	// an allocation failed.
	ErrInvalidRegion = errors.New("region: invalid region")
	// ErrOutOfMemory is returned when a segment allocation fails.
	ErrOutOfMemory = errors.New("region: out of memory")
)

// globalClock is the single version clock shared by every region in the
// process.
var globalClock = clock.New()

type segment struct {
	base    Addr
	slots   []wordSlot
	byteLen uint64
	freed   bool
}

// wordSlot is one atomically-accessed shared word.
type wordSlot struct {
	v atomic.Uint64
}

func segmentLess(a, b *segment) bool {
	return a.base < b.base
}

// Region owns the shared-memory address space: the first non-freeable
// segment, the stripe table, and every segment allocated by a transaction.
type Region struct {
	align uint64

	locks    [NumStripes]vwl.VWL
	listLock vwl.VWL

	segMu    sync.RWMutex
	segments *btree.BTreeG[*segment]
	nextBase Addr

	startBase Addr
	firstLen  uint64 // byte size of the first segment, for Size()

	clock *clock.Clock
}

// Create allocates a region with a first segment of size bytes, aligned to
// align bytes. size must be a positive multiple of align; align must be a
// power of two no smaller than WordSize.
func Create(size, align uint64) (*Region, error) {
	if size == 0 || align == 0 || align < WordSize || align&(align-1) != 0 || size%align != 0 {
		return nil, ErrInvalidRegion
	}

	r := &Region{
		align:    align,
		segments: btree.NewBTreeG[*segment](segmentLess),
		clock:    globalClock,
		firstLen: size,
	}

	first := newSegment(0, size)
	r.segments.Set(first)
	r.startBase = first.base
	r.nextBase = first.base + Addr(len(first.slots))

	return r, nil
}

func newSegment(base Addr, size uint64) *segment {
	n := size / WordSize
	return &segment{
		base:    base,
		slots:   make([]wordSlot, n),
		byteLen: size,
	}
}

// Destroy releases every segment, including the first. The caller must
// ensure no transaction is still running against the region.
func (r *Region) Destroy() error {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	r.segments = btree.NewBTreeG[*segment](segmentLess)
	return nil
}

// Start returns the address of the first word of the first, non-freeable
// segment.
func (r *Region) Start() Addr { return r.startBase }

// Size returns the byte length of the first segment.
func (r *Region) Size() uint64 { return r.firstLen }

// Align returns the region's alignment, in bytes.
func (r *Region) Align() uint64 { return r.align }

// Clock returns the region's global version clock.
func (r *Region) Clock() *clock.Clock { return r.clock }

// Stripe returns the VWL guarding addr's stripe. Every code path (read
// validation, commit locking, alloc/free) must route through this method so
// the mapping is identical everywhere.
func (r *Region) Stripe(addr Addr) *vwl.VWL {
	return &r.locks[uint64(addr)%NumStripes]
}

// ListLock returns the VWL guarding structural mutation of the segment set.
func (r *Region) ListLock() *vwl.VWL {
	return &r.listLock
}

// Load reads the current value of addr. It does not itself validate
// against any VWL; callers are responsible for the surrounding
// snapshot/load/snapshot protocol.
func (r *Region) Load(addr Addr) (uint64, bool) {
	_, slot, ok := r.resolve(addr)
	if !ok {
		return 0, false
	}
	return slot.v.Load(), true
}

// Store writes val to addr.
func (r *Region) Store(addr Addr, val uint64) bool {
	_, slot, ok := r.resolve(addr)
	if !ok {
		return false
	}
	slot.v.Store(val)
	return true
}

func (r *Region) resolve(addr Addr) (*segment, *wordSlot, bool) {
	r.segMu.RLock()
	defer r.segMu.RUnlock()

	var found *segment
	r.segments.Descend(&segment{base: addr}, func(item *segment) bool {
		found = item
		return false
	})
	if found == nil || found.freed {
		return nil, nil, false
	}
	if addr < found.base || addr >= found.base+Addr(len(found.slots)) {
		return nil, nil, false
	}
	idx := addr - found.base
	return found, &found.slots[idx], true
}

// AllocSegment appends a new zeroed segment of size bytes and returns its
// base address. The caller (the transaction manager) is responsible for
// acquiring ListLock before calling this and releasing it after.
func (r *Region) AllocSegment(size uint64) (Addr, error) {
	if size == 0 || size%r.align != 0 {
		return 0, ErrOutOfMemory
	}

	r.segMu.Lock()
	defer r.segMu.Unlock()

	base := r.nextBase
	seg := newSegment(base, size)
	r.segments.Set(seg)
	r.nextBase = base + Addr(len(seg.slots))
	return base, nil
}

// FreeSegment logically removes the segment based at addr from the live
// set. It refuses to remove the initial segment. A release closure for the
// segment is returned so the caller can hand it to the reclamation tracker
// instead of dropping the segment immediately.
func (r *Region) FreeSegment(addr Addr) (released func(), ok bool) {
	if addr == r.startBase {
		return nil, false
	}

	r.segMu.Lock()
	defer r.segMu.Unlock()

	seg, found := r.segments.Get(&segment{base: addr})
	if !found || seg.freed {
		return nil, false
	}
	seg.freed = true
	r.segments.Delete(&segment{base: addr})

	return func() {
		// Dropping the slice is enough: the segment's backing array
		// becomes eligible for garbage collection once no transaction
		// context still references this closure's segment pointer.
		seg.slots = nil
	}, true
}

// InBounds reports whether addr..addr+numWords falls within a single live
// segment.
func (r *Region) InBounds(addr Addr, numWords uint64) bool {
	r.segMu.RLock()
	defer r.segMu.RUnlock()

	var found *segment
	r.segments.Descend(&segment{base: addr}, func(item *segment) bool {
		found = item
		return false
	})
	if found == nil || found.freed {
		return false
	}
	if addr < found.base {
		return false
	}
	end := addr + Addr(numWords)
	return end <= found.base+Addr(len(found.slots))
}

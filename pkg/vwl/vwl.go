// Package vwl implements the versioned write lock (VWL) that TL2 uses to
// guard a stripe of shared-memory addresses: one atomic word packing a
// 63-bit version and a lock bit.
package vwl

import "sync/atomic"

const lockedBit = uint64(1)

// VWL is a single atomic word holding {lockBit, version}. Bit 0 is the
// lock bit (1 = held); bits 1..63 hold the version.
//
// The zero value is a valid, unlocked VWL at version 0.
type VWL struct {
	word atomic.Uint64
}

func pack(version uint64, locked bool) uint64 {
	v := version << 1
	if locked {
		v |= lockedBit
	}
	return v
}

func unpack(word uint64) (version uint64, locked bool) {
	return word >> 1, word&lockedBit != 0
}

// TryLock attempts a single compare-and-swap from the observed (version,
// unlocked) state to (version, locked). It never retries and never blocks:
// on failure the caller must decide whether to abort or move on.
func (l *VWL) TryLock() bool {
	old := l.word.Load()
	version, locked := unpack(old)
	if locked {
		return false
	}
	return l.word.CompareAndSwap(old, pack(version, true))
}

// UnlockRelease releases a held lock and installs newVersion, which must be
// strictly greater than the version observed at lock time. This is the
// release store that later readers' Snapshot acquires pair against.
func (l *VWL) UnlockRelease(newVersion uint64) {
	l.word.Store(pack(newVersion, false))
}

// UnlockRestore releases a held lock without changing its version. Used
// when a commit attempt acquired this lock but then had to abort.
func (l *VWL) UnlockRestore() {
	old := l.word.Load()
	version, _ := unpack(old)
	l.word.Store(pack(version, false))
}

// Version returns the current version, masking out the lock bit. A
// non-atomic-adjacent single load is sufficient for validation purposes.
func (l *VWL) Version() uint64 {
	version, _ := unpack(l.word.Load())
	return version
}

// Snapshot loads the word once and returns (version, locked) as a single
// observation, used to detect a concurrent writer that began or completed
// between two snapshots of the same lock.
func (l *VWL) Snapshot() (version uint64, locked bool) {
	return unpack(l.word.Load())
}

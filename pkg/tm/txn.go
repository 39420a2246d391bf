package tm

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"tl2stm/pkg/metrics"
	"tl2stm/pkg/region"
	"tl2stm/pkg/vwl"
)

// Transaction is a bounded sequence of reads, writes, and allocations that
// either commits entirely or aborts with no visible effect. A Transaction
// is not safe for concurrent use: the embedder must drive Begin, Read,
// Write, Alloc, Free, and End for a given transaction from a single
// goroutine.
type Transaction struct {
	mgr        *Manager
	rv         uint64
	isReadOnly bool
	state      state

	readSet  map[region.Addr]struct{}
	writeSet map[region.Addr]uint64

	// abortedAt records which commit phase produced the last abort, so End
	// can report the outcome metric by phase rather than collapsing every
	// abort into one label.
	abortedAt state
}

// wordsPerAlignment reports how many words make up one alignment unit.
func (tx *Transaction) wordsPerAlignment() uint64 {
	return tx.mgr.region.Align() / region.WordSize
}

func (tx *Transaction) validWordCount(numWords uint64) bool {
	if numWords == 0 {
		return false
	}
	unit := tx.wordsPerAlignment()
	return numWords%unit == 0
}

// Read copies len(dst) words starting at src into dst, validating each
// word against the transaction's read version as it goes. It returns false
// if the transaction can no longer continue, in which case the
// transaction has already been destroyed and must not be used again.
func (tx *Transaction) Read(src region.Addr, dst []uint64) bool {
	if tx.state != stateActive {
		return false
	}
	if !tx.validWordCount(uint64(len(dst))) {
		tx.abort("read: misaligned length")
		return false
	}

	for i := range dst {
		addr := src + region.Addr(i)
		val, ok := tx.readWord(addr)
		if !ok {
			tx.abort("read: validation failed")
			return false
		}
		dst[i] = val
	}
	return true
}

// readWord implements Phase 2's per-word read: for a read-write
// transaction, the write set is consulted first and, if satisfied there,
// the address is deliberately NOT added to the read set, since our own
// commit will lock it anyway.
func (tx *Transaction) readWord(addr region.Addr) (uint64, bool) {
	if !tx.isReadOnly {
		if v, ok := tx.writeSet[addr]; ok {
			return v, true
		}
	}

	stripe := tx.mgr.region.Stripe(addr)
	v1, locked1 := stripe.Snapshot()
	val, ok := tx.mgr.region.Load(addr)
	if !ok {
		return 0, false
	}
	v2, locked2 := stripe.Snapshot()
	if locked1 || locked2 || v1 != v2 || v1 > tx.rv {
		return 0, false
	}

	if !tx.isReadOnly {
		tx.readSet[addr] = struct{}{}
	}
	return val, true
}

// Write buffers len(src) words to be installed at dst on commit. Nothing
// touches shared memory yet, so no conflict can make Write fail. It returns
// false only when the transaction is no longer active, or when len(src) is
// not a positive multiple of the alignment unit, which aborts it.
func (tx *Transaction) Write(dst region.Addr, src []uint64) bool {
	if tx.state != stateActive {
		return false
	}
	if !tx.validWordCount(uint64(len(src))) {
		tx.abort("write: misaligned length")
		return false
	}
	for i, w := range src {
		tx.writeSet[dst+region.Addr(i)] = w
	}
	return true
}

// Alloc appends a new zeroed segment of size bytes to the region and
// returns its base address. Acquiring the region's list lock is a single
// attempt: contention aborts the transaction, matching the single-attempt
// discipline used for the write set in Phase 3.
func (tx *Transaction) Alloc(size uint64) (region.Addr, AllocStatus) {
	if tx.state != stateActive {
		return 0, AllocAbort
	}
	if size == 0 || size%tx.mgr.region.Align() != 0 {
		tx.mgr.log.WithField("size", size).Warn("alloc failed: misaligned size")
		return 0, AllocNoMem
	}

	listLock := tx.mgr.region.ListLock()
	if !listLock.TryLock() {
		if tx.mgr.metrics != nil {
			tx.mgr.metrics.Retries.Inc()
		}
		tx.abort("alloc: list lock contention")
		return 0, AllocAbort
	}
	defer listLock.UnlockRestore()

	base, err := tx.mgr.region.AllocSegment(size)
	if err != nil {
		tx.mgr.log.WithField("size", size).Warn("alloc failed: out of memory")
		return 0, AllocNoMem
	}
	if tx.mgr.metrics != nil {
		tx.mgr.metrics.Segments.WithLabelValues(tx.mgr.name).Inc()
	}
	return base, AllocSuccess
}

// Free logically removes the segment based at addr. Freeing the initial
// segment is disallowed. The segment's backing memory is handed to the
// reclamation tracker rather than released immediately, since another
// transaction begun earlier may still hold a stale reference into it.
func (tx *Transaction) Free(addr region.Addr) bool {
	if tx.state != stateActive {
		return false
	}

	listLock := tx.mgr.region.ListLock()
	if !listLock.TryLock() {
		tx.abort("free: list lock contention")
		return false
	}
	defer listLock.UnlockRestore()

	release, ok := tx.mgr.region.FreeSegment(addr)
	if !ok {
		return false
	}

	if tx.mgr.metrics != nil {
		tx.mgr.metrics.Segments.WithLabelValues(tx.mgr.name).Dec()
	}

	wv := tx.mgr.region.Clock().Sample()
	tx.mgr.reclaim.ScheduleRelease(wv, release)
	return true
}

// End runs the remaining commit phases for a read-write transaction (or,
// for a read-only transaction, simply retires it) and reports whether the
// transaction committed.
func (tx *Transaction) End() bool {
	if tx.state != stateActive {
		return false
	}

	if tx.isReadOnly {
		tx.destroy(stateCommitted)
		return true
	}

	start := time.Now()
	committed := tx.commit()
	if tx.mgr.metrics != nil {
		outcome := metrics.LabelOutcomeCommit
		if !committed {
			outcome = metrics.LabelOutcomeAbortReadVal
			if tx.abortedAt == stateLocking {
				outcome = metrics.LabelOutcomeAbortLock
			}
		}
		tx.mgr.metrics.ObserveCommit(outcome, time.Since(start))
	}
	return committed
}

func (tx *Transaction) commit() bool {
	if len(tx.writeSet) == 0 {
		tx.destroy(stateCommitted)
		return true
	}

	tx.state = stateLocking
	addrs := sortedWriteAddrs(tx.writeSet)

	locked := make([]*vwl.VWL, 0, len(addrs))
	lockedSet := make(map[*vwl.VWL]struct{}, len(addrs))
	for _, addr := range addrs {
		stripe := tx.mgr.region.Stripe(addr)
		if _, already := lockedSet[stripe]; already {
			continue
		}
		if !stripe.TryLock() {
			tx.releaseLocks(locked)
			tx.abortedAt = stateLocking
			tx.abort("commit: locking")
			return false
		}
		locked = append(locked, stripe)
		lockedSet[stripe] = struct{}{}
	}

	wv := tx.mgr.region.Clock().Tick() + 1

	tx.state = stateValidating
	if wv != tx.rv+1 {
		for addr := range tx.readSet {
			stripe := tx.mgr.region.Stripe(addr)
			v, isLocked := stripe.Snapshot()
			_, ownedByUs := lockedSet[stripe]
			if v > tx.rv || (isLocked && !ownedByUs) {
				tx.releaseLocks(locked)
				tx.abortedAt = stateValidating
				tx.abort("commit: validating")
				return false
			}
		}
	}

	for _, addr := range addrs {
		tx.mgr.region.Store(addr, tx.writeSet[addr])
	}
	for _, stripe := range locked {
		stripe.UnlockRelease(wv)
	}

	tx.destroy(stateCommitted)
	return true
}

func (tx *Transaction) releaseLocks(locked []*vwl.VWL) {
	for _, l := range locked {
		l.UnlockRestore()
	}
}

func sortedWriteAddrs(writeSet map[region.Addr]uint64) []region.Addr {
	addrs := make([]region.Addr, 0, len(writeSet))
	for addr := range writeSet {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// destroy moves the transaction to a terminal state and retires its read
// version from the reclamation tracker. Once destroyed, every operation on
// tx, End included, returns false, whether it committed or aborted.
func (tx *Transaction) destroy(final state) {
	tx.state = final
	tx.mgr.reclaim.Done(tx.rv)
}

// abort logs the phase that produced the abort at Debug level and then
// destroys the transaction.
func (tx *Transaction) abort(phase string) {
	tx.mgr.log.WithFields(logrus.Fields{"phase": phase, "rv": tx.rv}).Debug("transaction aborted")
	tx.destroy(stateAborted)
}

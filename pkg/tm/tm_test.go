package tm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tl2stm/pkg/region"
)

func mustCreate(t *testing.T, size, align uint64) *Manager {
	t.Helper()
	mgr, err := Create(size, align)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Destroy() })
	return mgr
}

// S1: single-writer/single-reader.
func TestSingleWriterSingleReader(t *testing.T) {
	mgr := mustCreate(t, 64, 8)

	tx1, err := mgr.Begin(false)
	require.NoError(t, err)
	require.True(t, tx1.Write(mgr.Start(), []uint64{0xAA}))
	require.True(t, tx1.End())

	tx2, err := mgr.Begin(true)
	require.NoError(t, err)
	dst := make([]uint64, 1)
	require.True(t, tx2.Read(mgr.Start(), dst))
	assert.Equal(t, uint64(0xAA), dst[0])
	assert.True(t, tx2.End())
}

// S2: write-write conflict -- of two transactions that both begin at the
// same read version and both read-then-write the same address, exactly
// one commits; the other's read-set validation catches the staleness left
// by the first regardless of commit order or lock timing.
func TestWriteWriteConflict(t *testing.T) {
	mgr := mustCreate(t, 64, 8)
	addr := mgr.Start()

	tx1, err := mgr.Begin(false)
	require.NoError(t, err)
	tx2, err := mgr.Begin(false)
	require.NoError(t, err)

	buf := make([]uint64, 1)
	require.True(t, tx1.Read(addr, buf))
	require.True(t, tx2.Read(addr, buf))

	require.True(t, tx1.Write(addr, []uint64{1}))
	require.True(t, tx2.Write(addr, []uint64{2}))

	r1 := tx1.End()
	r2 := tx2.End()
	assert.True(t, r1 != r2, "exactly one of the two conflicting commits must succeed")
}

// S3: read invalidation -- a transaction that read an address which a
// concurrent committer then modified must abort at End.
func TestReadInvalidation(t *testing.T) {
	mgr := mustCreate(t, 64, 8)
	addr := mgr.Start()

	reader, err := mgr.Begin(false)
	require.NoError(t, err)
	buf := make([]uint64, 1)
	require.True(t, reader.Read(addr, buf))

	writer, err := mgr.Begin(false)
	require.NoError(t, err)
	require.True(t, writer.Write(addr, []uint64{99}))
	require.True(t, writer.End())

	// The reader also writes somewhere else so it takes the full commit
	// path (a pure read-only transaction never revalidates at End).
	other := addr + region.Addr(1)
	require.True(t, reader.Write(other, []uint64{1}))
	assert.False(t, reader.End())
}

// S4: read-write-same -- a transaction reads back its own buffered write
// without touching shared memory.
func TestReadOwnWrite(t *testing.T) {
	mgr := mustCreate(t, 64, 8)
	addr := mgr.Start()

	tx, err := mgr.Begin(false)
	require.NoError(t, err)
	require.True(t, tx.Write(addr, []uint64{0x11}))

	buf := make([]uint64, 1)
	require.True(t, tx.Read(addr, buf))
	assert.Equal(t, uint64(0x11), buf[0])
	assert.Empty(t, tx.readSet, "a write-set hit must not be recorded in the read set")

	assert.True(t, tx.End())
}

// S5: multi-lock commit -- two addresses in different stripes are both
// locked, written, and released at the same write version.
func TestMultiLockCommit(t *testing.T) {
	mgr := mustCreate(t, 64, 8)
	a := mgr.Start()
	b := a + region.Addr(1)

	tx, err := mgr.Begin(false)
	require.NoError(t, err)
	require.True(t, tx.Write(a, []uint64{10}))
	require.True(t, tx.Write(b, []uint64{20}))
	require.True(t, tx.End())

	verify, err := mgr.Begin(true)
	require.NoError(t, err)
	buf := make([]uint64, 2)
	require.True(t, verify.Read(a, buf[:1]))
	require.True(t, verify.Read(b, buf[1:]))
	assert.Equal(t, []uint64{10, 20}, buf)
}

// S6: allocation visibility -- a segment allocated and written by one
// transaction is visible to a later transaction.
func TestAllocationVisibility(t *testing.T) {
	mgr := mustCreate(t, 64, 8)

	tx, err := mgr.Begin(false)
	require.NoError(t, err)
	base, status := tx.Alloc(16)
	require.Equal(t, AllocSuccess, status)
	require.True(t, tx.Write(base, []uint64{7, 8}))
	require.True(t, tx.End())

	later, err := mgr.Begin(true)
	require.NoError(t, err)
	buf := make([]uint64, 2)
	require.True(t, later.Read(base, buf))
	assert.Equal(t, []uint64{7, 8}, buf)
}

// S7: stripe self-collision -- two addresses that hash to the same stripe
// must still commit, locking that stripe exactly once.
func TestStripeSelfCollisionCommitsOnce(t *testing.T) {
	mgr := mustCreate(t, uint64(region.NumStripes)*8*2, 8)
	a := mgr.Start()
	b := a + region.Addr(region.NumStripes) // same stripe as a, by construction

	require.Equal(t, mgr.region.Stripe(a), mgr.region.Stripe(b))

	tx, err := mgr.Begin(false)
	require.NoError(t, err)
	require.True(t, tx.Write(a, []uint64{1}))
	require.True(t, tx.Write(b, []uint64{2}))
	assert.True(t, tx.End())
}

// S8: reclamation safety -- freeing a segment does not release its backing
// memory while an earlier transaction might still reference it.
func TestReclamationDefersUntilReaderDone(t *testing.T) {
	mgr := mustCreate(t, 64, 8)

	allocTx, err := mgr.Begin(false)
	require.NoError(t, err)
	base, status := allocTx.Alloc(8)
	require.Equal(t, AllocSuccess, status)
	require.True(t, allocTx.End())

	reader, err := mgr.Begin(true)
	require.NoError(t, err)

	freer, err := mgr.Begin(false)
	require.NoError(t, err)
	require.True(t, freer.Free(base))
	wv := mgr.region.Clock().Sample()
	require.True(t, freer.End())

	// The segment is gone from the live address space immediately...
	assert.False(t, mgr.region.InBounds(base, 1))

	// ...but the reclamation tracker's release gate must not actually fire
	// for that write version yet, since `reader` began before the free and
	// might still hold a reference. A probe scheduled at the same wv tests
	// the same gate the real segment's release is waiting on, since
	// releasability depends only on (wv, the set of active read versions),
	// not on which closure was handed to ScheduleRelease.
	var released atomic.Bool
	mgr.reclaim.ScheduleRelease(wv, func() { released.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, released.Load(), "must not release while reader (begun before the free) is still active")

	require.True(t, reader.End())
	assert.Eventually(t, released.Load, time.Second, time.Millisecond,
		"segment must be released once the reader that predates the free has ended")
}

func TestFreeingInitialSegmentFails(t *testing.T) {
	mgr := mustCreate(t, 64, 8)
	tx, err := mgr.Begin(false)
	require.NoError(t, err)
	assert.False(t, tx.Free(mgr.Start()))
	assert.True(t, tx.End())
}

func TestConcurrentConflictingWritersExactlyOneWins(t *testing.T) {
	mgr := mustCreate(t, 64, 8)
	addr := mgr.Start()

	// Every writer also reads addr before overwriting it. Without that read
	// a writer that relocks addr after another has already released it would
	// commit too -- TL2 only guarantees serializability through read-set
	// validation, not through the write set alone.
	const n = 16
	var wg sync.WaitGroup
	results := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			tx, err := mgr.Begin(false)
			if err != nil {
				return
			}
			buf := make([]uint64, 1)
			if !tx.Read(addr, buf) {
				return
			}
			tx.Write(addr, []uint64{uint64(i)})
			time.Sleep(time.Millisecond)
			results[i] = tx.End()
		}(i)
	}
	wg.Wait()

	commits := 0
	for _, ok := range results {
		if ok {
			commits++
		}
	}
	assert.Equal(t, 1, commits, "exactly one writer racing on the same address should commit")
}

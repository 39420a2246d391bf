package reclaim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestReleaseIsDeferredWhileReaderIsActive(t *testing.T) {
	tr := New()
	defer tr.Stop()

	tr.Begin(5) // a reader began at rv=5

	var released atomic.Bool
	tr.ScheduleRelease(6, func() { released.Store(true) })

	time.Sleep(20 * time.Millisecond)
	assert.False(t, released.Load(), "must not release while rv=5 reader is still active")

	tr.Done(5)
	waitUntil(t, released.Load)
}

func TestReleaseIsImmediateWithNoActiveReaders(t *testing.T) {
	tr := New()
	defer tr.Stop()

	var released atomic.Bool
	tr.ScheduleRelease(1, func() { released.Store(true) })
	waitUntil(t, released.Load)
}

func TestWatermarkAdvancesOnlyAfterAllReadersAtThatRvAreDone(t *testing.T) {
	tr := New()
	defer tr.Stop()

	tr.Begin(3)
	tr.Begin(3)
	tr.Done(3)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint64(0), tr.Watermark())

	tr.Done(3)
	waitUntil(t, func() bool { return tr.Watermark() == 3 })
}

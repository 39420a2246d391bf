// Package tm implements the Transaction Manager: the public surface
// (Create/Destroy/Begin/End/Read/Write/Alloc/Free) that orchestrates the
// TL2 commit protocol over a region.Region.
package tm

import (
	"errors"

	"github.com/sirupsen/logrus"

	"tl2stm/pkg/logging"
	"tl2stm/pkg/metrics"
	"tl2stm/pkg/reclaim"
	"tl2stm/pkg/region"
)

// Manager owns one shared region and the bookkeeping (reclamation tracker,
// metrics, logging) needed to run transactions against it. It corresponds
// to the spec's "Transaction Manager" component.
type Manager struct {
	region  *region.Region
	reclaim *reclaim.Tracker
	metrics *metrics.Metrics
	log     *logrus.Entry
	name    string
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetrics attaches a metrics.Metrics to the manager. Without this
// option, metric updates are no-ops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithName sets the label value this manager's region reports under in its
// metrics. Defaults to "default".
func WithName(name string) Option {
	return func(mgr *Manager) { mgr.name = name }
}

// Create allocates a region with a first segment of size bytes aligned to
// align bytes, and the supporting reclamation tracker. size must be a
// positive multiple of align; align must be a power of two no smaller than
// region.WordSize.
func Create(size, align uint64, opts ...Option) (*Manager, error) {
	r, err := region.Create(size, align)
	if err != nil {
		if errors.Is(err, region.ErrInvalidRegion) {
			return nil, ErrInvalidRegion
		}
		return nil, ErrOutOfMemory
	}

	mgr := &Manager{
		region:  r,
		reclaim: reclaim.New(),
		log:     logging.For("manager"),
		name:    "default",
	}
	for _, opt := range opts {
		opt(mgr)
	}
	mgr.log.WithFields(logrus.Fields{"size": size, "align": align}).Debug("region created")
	return mgr, nil
}

// Destroy frees every segment, the stripe table, and the data buffer. The
// caller must ensure no transaction is still running.
func (m *Manager) Destroy() error {
	m.reclaim.Stop()
	if err := m.region.Destroy(); err != nil {
		m.log.WithError(err).Warn("region destroy failed")
		return err
	}
	m.log.Debug("region destroyed")
	return nil
}

// Start returns the address of the first word of the first segment.
func (m *Manager) Start() region.Addr { return m.region.Start() }

// Size returns the byte length of the first segment.
func (m *Manager) Size() uint64 { return m.region.Size() }

// Align returns the region's alignment, in bytes.
func (m *Manager) Align() uint64 { return m.region.Align() }

// Begin starts a new transaction. Read-only transactions take the
// low-cost validation-only path through Phase 2 and skip Phases 3-6
// entirely at End.
func (m *Manager) Begin(readOnly bool) (*Transaction, error) {
	rv := m.region.Clock().Sample()
	m.reclaim.Begin(rv)

	tx := &Transaction{
		mgr:        m,
		rv:         rv,
		isReadOnly: readOnly,
		state:      stateActive,
		readSet:    make(map[region.Addr]struct{}),
		writeSet:   make(map[region.Addr]uint64),
	}
	return tx, nil
}

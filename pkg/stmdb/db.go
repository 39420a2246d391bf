// Package stmdb wraps pkg/tm with the View/Update convenience calls an
// embedder normally wants instead of driving Begin/End by hand.
package stmdb

import (
	"errors"

	"tl2stm/pkg/tm"
)

// ErrAborted is returned by Update once the retry budget is exhausted
// without the callback's transaction ever committing.
var ErrAborted = errors.New("stmdb: transaction aborted after exhausting retries")

// Db wraps a tm.Manager with retrying View/Update helpers.
type Db struct {
	mgr *tm.Manager
}

// Open creates the backing region and returns a Db over it.
func Open(size, align uint64, opts ...tm.Option) (*Db, error) {
	mgr, err := tm.Create(size, align, opts...)
	if err != nil {
		return nil, err
	}
	return &Db{mgr: mgr}, nil
}

// Close tears down the underlying region. The caller must ensure no
// transaction is still running.
func (db *Db) Close() error {
	return db.mgr.Destroy()
}

// Manager exposes the underlying tm.Manager for callers that need direct
// access to Begin/Start/Size/Align.
func (db *Db) Manager() *tm.Manager { return db.mgr }

// View runs fn against a read-only transaction. fn's return error is
// propagated to the caller; View never retries. A read that fails
// validation aborts the transaction and makes tx.Read return false inside
// fn; View still returns whatever fn returned.
func (db *Db) View(fn func(tx *tm.Transaction) error) error {
	tx, err := db.mgr.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.End()
		return err
	}
	tx.End()
	return nil
}

// Update runs fn against a read-write transaction and commits it via End,
// retrying from scratch on abort up to maxRetries times. fn must be
// idempotent: it may be invoked more than once for a single Update call.
// An error returned by fn aborts immediately without retrying.
func (db *Db) Update(maxRetries int, fn func(tx *tm.Transaction) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		tx, err := db.mgr.Begin(false)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.End()
			return err
		}
		if tx.End() {
			return nil
		}
	}
	return ErrAborted
}

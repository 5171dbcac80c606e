package rabbitmq

import (
	"sync"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/messaging"
)

// transactionHost is what a transaction commits and rolls back against
type transactionHost interface {
	AcknowledgeMessage() error
	CommitTransaction() error
	RollbackTransaction() error
}

// Transaction is the unit of work for one delivery on a Channel
type Transaction struct {
	host transactionHost
	mode messaging.TransactionMode

	mu         sync.Mutex
	callbacks  []func() error
	committed  bool
	rolledBack bool
	disposed   bool
	used       bool
}

var _ messaging.Transaction = (*Transaction)(nil)

// NewTransaction creates an active transaction against host
func NewTransaction(host transactionHost, mode messaging.TransactionMode) *Transaction {
	return &Transaction{host: host, mode: mode}
}

// Finished reports whether the transaction was committed, rolled back or closed
func (tx *Transaction) Finished() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.committed || tx.rolledBack || tx.disposed
}

// markUsed records that a frame or a publish belongs to the transaction
func (tx *Transaction) markUsed() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.used = true
}

// Register queues work to run at commit, in registration order
func (tx *Transaction) Register(callback func() error) error {
	if callback == nil {
		return contracts.NewArgumentError("Transaction.Register", "callback", "cannot be nil")
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.callbacks = append(tx.callbacks, callback)
	return nil
}

func (tx *Transaction) checkActive() error {
	switch {
	case tx.disposed:
		return messaging.ErrDisposed
	case tx.rolledBack:
		return messaging.ErrTransactionRolledBack
	case tx.committed:
		return messaging.ErrTransactionCommitted
	}
	return nil
}

// Commit runs the registered callbacks, then acknowledges the delivery and
// commits the broker transaction as the mode requires. Callbacks are
// discarded whether or not the commit succeeds.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if err := tx.checkActive(); err != nil {
		tx.mu.Unlock()
		return err
	}
	callbacks := tx.callbacks
	tx.callbacks = nil
	tx.mu.Unlock()

	// Callbacks run unlocked; they commonly send through the owning channel.
	for _, callback := range callbacks {
		if err := callback(); err != nil {
			return err
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}

	if tx.mode != messaging.TransactionNone {
		if err := tx.host.AcknowledgeMessage(); err != nil {
			return err
		}
	}
	if tx.mode == messaging.TransactionFull {
		if err := tx.host.CommitTransaction(); err != nil {
			return err
		}
	}

	tx.committed = true
	return nil
}

// Rollback discards the callbacks and rolls back the broker transaction.
// Rolling back twice is a no-op.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch {
	case tx.disposed:
		return messaging.ErrDisposed
	case tx.committed:
		return messaging.ErrTransactionCommitted
	case tx.rolledBack:
		return nil
	}
	return tx.rollbackLocked()
}

func (tx *Transaction) rollbackLocked() error {
	tx.callbacks = nil

	if tx.mode == messaging.TransactionFull {
		if err := tx.host.RollbackTransaction(); err != nil {
			return err
		}
	}

	tx.rolledBack = true
	return nil
}

// Close rolls back an unfinished transaction and disposes it. A broken
// connection during that rollback is not reported. A transaction nothing
// used or registered work on is disposed without a rollback. Close is
// idempotent.
func (tx *Transaction) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.disposed {
		return nil
	}

	var err error
	if !tx.committed && !tx.rolledBack && (tx.used || len(tx.callbacks) > 0) {
		err = tx.rollbackLocked()
		if messaging.IsConnectionFault(err) {
			err = nil
		}
	}

	tx.disposed = true
	return err
}

// Package transaction provides the transaction façade binding the lock
// manager, recovery manager and buffer pool into a single collaborator
// (spec §6): Transaction implements both lock.Transactor (identity plus
// the prepare_block/block/unblock suspension primitive) and
// recovery.Transaction (recovery-visible status and cleanup), so a single
// TransactionManager.Begin gives callers one handle for acquiring locks,
// writing log records and eventually ending the transaction.
//
// Grounded on the teacher's own transaction.go for the Begin/Commit/Abort
// life cycle and active-transaction table shape, generalized to delegate
// locking and WAL work to the standalone lock and recovery packages
// instead of the teacher's in-package LockManager/LogManager.
package transaction

import (
	"context"
	"errors"
	"sync"

	"github.com/relly-db/relly/disk"
	"github.com/relly-db/relly/lock"
	"github.com/relly-db/relly/recovery"
)

var (
	// ErrTransactionNotActive is returned when an operation is attempted on a non-active transaction.
	ErrTransactionNotActive = errors.New("transaction is not active")
	// ErrTransactionAlreadyCommitted is returned when attempting to commit an already committed transaction.
	ErrTransactionAlreadyCommitted = errors.New("transaction already committed")
	// ErrTransactionAlreadyAborted is returned when attempting to abort an already aborted transaction.
	ErrTransactionAlreadyAborted = errors.New("transaction already aborted")
)

// RID is a tuple identifier: page plus in-page slot.
type RID struct {
	PageID disk.PageID
	SlotID int
}

// blockState is the condition-variable pair behind PrepareBlock/Block/
// Unblock: pending is checked before Wait() so a Block() call arriving
// after Unblock() already ran never misses the wakeup.
type blockState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

func newBlockState() *blockState {
	bs := &blockState{}
	bs.cond = sync.NewCond(&bs.mu)
	return bs
}

func (bs *blockState) PrepareBlock() {
	bs.mu.Lock()
	bs.pending = true
	bs.mu.Unlock()
}

func (bs *blockState) Block() {
	bs.mu.Lock()
	for bs.pending {
		bs.cond.Wait()
	}
	bs.mu.Unlock()
}

func (bs *blockState) Unblock() {
	bs.mu.Lock()
	bs.pending = false
	bs.cond.Broadcast()
	bs.mu.Unlock()
}

// Transaction is a single unit of work. It implements lock.Transactor and
// recovery.Transaction, so the lock manager and recovery manager can each
// treat it as their respective collaborator contract.
type Transaction struct {
	id     uint64
	mu     sync.Mutex
	status recovery.TxnStatus
	block  *blockState
}

func newTransaction(id uint64) *Transaction {
	return &Transaction{id: id, status: recovery.StatusRunning, block: newBlockState()}
}

func (t *Transaction) TxnID() uint64           { return t.id }
func (t *Transaction) TransNum() lock.TransNum { return lock.TransNum(t.id) }

func (t *Transaction) PrepareBlock() { t.block.PrepareBlock() }
func (t *Transaction) Block()        { t.block.Block() }
func (t *Transaction) Unblock()      { t.block.Unblock() }

func (t *Transaction) Status() recovery.TxnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) SetStatus(s recovery.TxnStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Cleanup is invoked by the recovery manager once End has fully
// processed this transaction (after any rollback). It exists as a hook
// for callers layered above (e.g. the table/catalog packages) to release
// non-lock, non-log resources; the base Transaction has none of its own.
func (t *Transaction) Cleanup() {}

// TransactionManager is the single entry point for starting, committing
// and aborting transactions, gluing together a lock.LockManager, a
// recovery.RecoveryManager and the buffer pool they both operate on
// (spec §6 "TransactionManager").
type TransactionManager struct {
	mu   sync.Mutex
	next uint64

	locks    *lock.LockManager
	recovery *recovery.RecoveryManager

	active map[uint64]*Transaction
}

// NewTransactionManager wires a TransactionManager to its lock manager
// and recovery manager. Both are required: a transaction with no lock
// manager cannot coordinate with others, and one with no recovery
// manager cannot durably commit.
func NewTransactionManager(lm *lock.LockManager, rm *recovery.RecoveryManager) *TransactionManager {
	return &TransactionManager{
		next:     1,
		locks:    lm,
		recovery: rm,
		active:   make(map[uint64]*Transaction),
	}
}

// Begin starts a new transaction: assigns it an id, registers it with the
// recovery manager's transaction table, and returns the handle.
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	id := tm.next
	tm.next++
	txn := newTransaction(id)
	tm.active[id] = txn
	tm.mu.Unlock()

	tm.recovery.StartTransaction(txn)
	return txn
}

// Commit appends COMMIT_TXN, flushes the log through the commit LSN,
// releases every lock the transaction holds, and ends it.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	if txn.Status() != recovery.StatusRunning {
		return tm.alreadyFinishedErr(txn)
	}
	if _, err := tm.recovery.Commit(txn); err != nil {
		return err
	}
	tm.locks.UnlockAll(txn)
	if err := tm.recovery.End(txn); err != nil {
		return err
	}
	tm.forget(txn)
	return nil
}

// Abort rolls the transaction back to its start, appends END_TXN,
// releases every lock it holds, and ends it.
func (tm *TransactionManager) Abort(txn *Transaction) error {
	if txn.Status() != recovery.StatusRunning {
		return tm.alreadyFinishedErr(txn)
	}
	if _, err := tm.recovery.Abort(txn); err != nil {
		return err
	}
	if err := tm.recovery.End(txn); err != nil {
		return err
	}
	tm.locks.UnlockAll(txn)
	tm.forget(txn)
	return nil
}

func (tm *TransactionManager) alreadyFinishedErr(txn *Transaction) error {
	switch txn.Status() {
	case recovery.StatusComplete:
		return ErrTransactionAlreadyCommitted
	case recovery.StatusAborting, recovery.StatusRecoveryAborting:
		return ErrTransactionAlreadyAborted
	default:
		return ErrTransactionNotActive
	}
}

func (tm *TransactionManager) forget(txn *Transaction) {
	tm.mu.Lock()
	delete(tm.active, txn.TxnID())
	tm.mu.Unlock()
}

// GetTransaction retrieves an active transaction by id.
func (tm *TransactionManager) GetTransaction(id uint64) (*Transaction, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	txn, ok := tm.active[id]
	return txn, ok
}

// Checkpoint delegates to the recovery manager.
func (tm *TransactionManager) Checkpoint() error {
	return tm.recovery.Checkpoint()
}

// Close flushes the buffer pool and closes the log via the recovery
// manager.
func (tm *TransactionManager) Close(ctx context.Context) error {
	return tm.recovery.Close(ctx)
}

package transaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/relly-db/relly/buffer"
	"github.com/relly-db/relly/disk"
	"github.com/relly-db/relly/lock"
	"github.com/relly-db/relly/recovery"
)

func newTestManager(t *testing.T) (*TransactionManager, *buffer.BufferPoolManager, *disk.DiskManager) {
	t.Helper()
	dir := t.TempDir()

	dbFile, err := os.OpenFile(filepath.Join(dir, "data.rly"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dbFile.Close() })
	dm, err := disk.NewDiskManager(dbFile)
	if err != nil {
		t.Fatal(err)
	}

	pool := buffer.NewBufferPool(10)
	bufmgr := buffer.NewBufferPoolManager(dm, pool)

	logMgr, err := recovery.OpenLogManager(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logMgr.Close() })

	rm := recovery.NewRecoveryManager(logMgr, bufmgr, dm, nil)
	lm := lock.NewLockManager()
	tm := NewTransactionManager(lm, rm)
	return tm, bufmgr, dm
}

func TestTransactionCommitReleasesLocksAndEnds(t *testing.T) {
	tm, _, _ := newTestManager(t)

	txn := tm.Begin()
	if txn.Status() != recovery.StatusRunning {
		t.Fatalf("new transaction should be RUNNING, got %s", txn.Status())
	}

	root := lock.NewLockContext(lockManagerOf(tm), lock.ResourceName{"db"})
	if err := root.Acquire(txn, lock.IX); err != nil {
		t.Fatal(err)
	}

	if err := tm.Commit(txn); err != nil {
		t.Fatal(err)
	}
	if txn.Status() != recovery.StatusComplete {
		t.Fatalf("committed transaction should be COMPLETE, got %s", txn.Status())
	}
	if lt := root.ExplicitLockType(txn); lt != lock.NL {
		t.Fatalf("commit should release all locks, still holding %s", lt)
	}

	if _, ok := tm.GetTransaction(txn.TxnID()); ok {
		t.Fatal("committed transaction should no longer be active")
	}

	if err := tm.Commit(txn); err != ErrTransactionAlreadyCommitted {
		t.Fatalf("double commit should fail with ErrTransactionAlreadyCommitted, got %v", err)
	}
}

func TestTransactionAbortRollsBackAndReleasesLocks(t *testing.T) {
	tm, bufmgr, _ := newTestManager(t)

	txn := tm.Begin()
	root := lock.NewLockContext(lockManagerOf(tm), lock.ResourceName{"db"})
	if err := root.Acquire(txn, lock.X); err != nil {
		t.Fatal(err)
	}

	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	before := make([]byte, 4)
	after := []byte{1, 2, 3, 4}
	copy(buf.Page[0:4], after)
	if _, err := tm.recovery.LogPageWrite(txn, buf.PageID, 0, before, after); err != nil {
		t.Fatal(err)
	}
	if err := bufmgr.Unpin(buf.PageID, true); err != nil {
		t.Fatal(err)
	}

	if err := tm.Abort(txn); err != nil {
		t.Fatal(err)
	}
	if txn.Status() != recovery.StatusComplete {
		t.Fatalf("aborted transaction should end COMPLETE, got %s", txn.Status())
	}
	if lt := root.ExplicitLockType(txn); lt != lock.NL {
		t.Fatalf("abort should release all locks, still holding %s", lt)
	}

	restored, err := bufmgr.FetchPage(buf.PageID)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored.Page[0:4]) != string(before) {
		t.Fatalf("abort should have restored the before-image, got %v", restored.Page[0:4])
	}
	bufmgr.Unpin(buf.PageID, false)
}

func TestTransactionCloseFlushesAndClosesLog(t *testing.T) {
	tm, _, _ := newTestManager(t)
	if err := tm.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// lockManagerOf exposes the TransactionManager's lock manager for tests
// that need to build a LockContext hierarchy directly.
func lockManagerOf(tm *TransactionManager) *lock.LockManager {
	return tm.locks
}

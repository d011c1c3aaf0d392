package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relly-db/relly/buffer"
	"github.com/relly-db/relly/disk"
)

// stubTxn is a minimal Transaction for tests that don't need the full
// transaction package's façade.
type stubTxn struct {
	id     uint64
	status TxnStatus
}

func (s *stubTxn) TxnID() uint64         { return s.id }
func (s *stubTxn) Status() TxnStatus     { return s.status }
func (s *stubTxn) SetStatus(st TxnStatus) { s.status = st }
func (s *stubTxn) Cleanup()              {}

func newTestRig(t *testing.T, dir string) (*RecoveryManager, *buffer.BufferPoolManager, *disk.DiskManager) {
	t.Helper()
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

	logMgr, err := OpenLogManager(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logMgr.Close() })

	rm := NewRecoveryManager(logMgr, bufmgr, dm, func(id uint64) Transaction {
		return &stubTxn{id: id, status: StatusRunning}
	})
	return rm, bufmgr, dm
}

func TestLogPageWriteTracksDPTAndLastLSN(t *testing.T) {
	rm, bufmgr, _ := newTestRig(t, t.TempDir())

	txn := &stubTxn{id: 1, status: StatusRunning}
	rm.StartTransaction(txn)

	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	lsn, err := rm.LogPageWrite(txn, buf.PageID, 0, []byte{0, 0}, []byte{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if lsn == 0 {
		t.Fatal("expected a nonzero LSN")
	}
	recLSN, ok := rm.dpt.Get(buf.PageID)
	if !ok || recLSN != lsn {
		t.Fatalf("expected DPT entry recLSN=%d, got %d (present=%v)", lsn, recLSN, ok)
	}
	e, ok := rm.xt.Get(txn.TxnID())
	if !ok || e.LastLSN != lsn {
		t.Fatalf("expected XT last_LSN=%d, got entry=%+v present=%v", lsn, e, ok)
	}
	bufmgr.Unpin(buf.PageID, true)
}

func TestCommitEndReleasesTransactionAndFlushesLog(t *testing.T) {
	rm, bufmgr, _ := newTestRig(t, t.TempDir())

	txn := &stubTxn{id: 1, status: StatusRunning}
	rm.StartTransaction(txn)
	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rm.LogPageWrite(txn, buf.PageID, 0, []byte{0}, []byte{9}); err != nil {
		t.Fatal(err)
	}
	bufmgr.Unpin(buf.PageID, true)

	commitLSN, err := rm.Commit(txn)
	if err != nil {
		t.Fatal(err)
	}
	if flushed := rm.log.Flushed(); flushed < commitLSN {
		t.Fatalf("expected the log flushed through commit LSN %d, flushed=%d", commitLSN, flushed)
	}
	if txn.Status() != StatusCommitting {
		t.Fatalf("expected COMMITTING immediately after Commit, got %s", txn.Status())
	}
	if err := rm.End(txn); err != nil {
		t.Fatal(err)
	}
	if txn.Status() != StatusComplete {
		t.Fatalf("expected COMPLETE after End, got %s", txn.Status())
	}
	if _, ok := rm.xt.Get(txn.TxnID()); ok {
		t.Fatal("expected transaction to be removed from the XT after End")
	}
}

func TestSavepointRollsBackToMarkedLSN(t *testing.T) {
	rm, bufmgr, _ := newTestRig(t, t.TempDir())

	txn := &stubTxn{id: 1, status: StatusRunning}
	rm.StartTransaction(txn)

	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	pageID := buf.PageID

	copy(buf.Page[0:4], []byte{1, 1, 1, 1})
	if _, err := rm.LogPageWrite(txn, pageID, 0, []byte{0, 0, 0, 0}, []byte{1, 1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	rm.Savepoint(txn, "sp1")

	copy(buf.Page[0:4], []byte{2, 2, 2, 2})
	if _, err := rm.LogPageWrite(txn, pageID, 0, []byte{1, 1, 1, 1}, []byte{2, 2, 2, 2}); err != nil {
		t.Fatal(err)
	}
	bufmgr.Unpin(pageID, true)

	if err := rm.RollbackToSavepoint(txn, "sp1"); err != nil {
		t.Fatal(err)
	}

	restored, err := bufmgr.FetchPage(pageID)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored.Page[0:4]) != string([]byte{1, 1, 1, 1}) {
		t.Fatalf("expected rollback to restore the savepoint's image, got %v", restored.Page[0:4])
	}
	bufmgr.Unpin(pageID, false)
}

func TestCheckpointWritesMasterRecordAtBeginLSN(t *testing.T) {
	rm, bufmgr, _ := newTestRig(t, t.TempDir())

	txn := &stubTxn{id: 1, status: StatusRunning}
	rm.StartTransaction(txn)
	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rm.LogPageWrite(txn, buf.PageID, 0, []byte{0}, []byte{5}); err != nil {
		t.Fatal(err)
	}
	bufmgr.Unpin(buf.PageID, true)

	before, err := rm.log.ReadMaster()
	if err != nil {
		t.Fatal(err)
	}
	if err := rm.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	after, err := rm.log.ReadMaster()
	if err != nil {
		t.Fatal(err)
	}
	if after <= before {
		t.Fatalf("checkpoint should advance the master record, before=%d after=%d", before, after)
	}
	rec, err := rm.log.ReadAt(after)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Type != RecordBeginCheckpoint {
		t.Fatalf("master record should point at BEGIN_CHECKPOINT, got %s at LSN %d", rec.Type, after)
	}
}

func TestRestartRedoesCommittedUpdateLostFromBuffer(t *testing.T) {
	dir := t.TempDir()
	rm, bufmgr, dm := newTestRig(t, dir)

	txn := &stubTxn{id: 1, status: StatusRunning}
	rm.StartTransaction(txn)

	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	pageID := buf.PageID
	after := []byte{9, 9, 9, 9}
	copy(buf.Page[0:4], after)
	lsn, err := rm.LogPageWrite(txn, pageID, 0, []byte{0, 0, 0, 0}, after)
	if err != nil {
		t.Fatal(err)
	}
	buf.SetPageLSN(uint64(lsn))
	if err := bufmgr.Unpin(pageID, true); err != nil {
		t.Fatal(err)
	}

	if _, err := rm.Commit(txn); err != nil {
		t.Fatal(err)
	}
	if err := rm.End(txn); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: the dirty page was never flushed to disk (no
	// Close/FlushAll call), and a fresh process starts with empty buffer
	// pool and transaction table, reopening only the durable log.
	rm.log.Close()
	logMgr2, err := OpenLogManager(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer logMgr2.Close()
	bufmgr2 := buffer.NewBufferPoolManager(dm, buffer.NewBufferPool(10))
	rm2 := NewRecoveryManager(logMgr2, bufmgr2, dm, func(id uint64) Transaction {
		return &stubTxn{id: id, status: StatusRunning}
	})

	if err := rm2.Restart(); err != nil {
		t.Fatal(err)
	}

	restored, err := bufmgr2.FetchPage(pageID)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored.Page[0:4]) != string(after) {
		t.Fatalf("redo should have reapplied the committed update, got %v want %v", restored.Page[0:4], after)
	}
	bufmgr2.Unpin(pageID, false)
}

func TestRestartUndoesUncommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	rm, bufmgr, dm := newTestRig(t, dir)

	txn := &stubTxn{id: 7, status: StatusRunning}
	rm.StartTransaction(txn)

	buf, err := bufmgr.CreatePage()
	if err != nil {
		t.Fatal(err)
	}
	pageID := buf.PageID
	before := []byte{0, 0, 0, 0}
	after := []byte{4, 4, 4, 4}
	copy(buf.Page[0:4], after)
	lsn, err := rm.LogPageWrite(txn, pageID, 0, before, after)
	if err != nil {
		t.Fatal(err)
	}
	buf.SetPageLSN(uint64(lsn))
	if err := bufmgr.Unpin(pageID, true); err != nil {
		t.Fatal(err)
	}

	// Crash without committing or aborting: txn 7 is left RUNNING in the
	// log, with no COMMIT_TXN/ABORT_TXN/END_TXN record.
	rm.log.Close()
	logMgr2, err := OpenLogManager(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer logMgr2.Close()
	bufmgr2 := buffer.NewBufferPoolManager(dm, buffer.NewBufferPool(10))
	rm2 := NewRecoveryManager(logMgr2, bufmgr2, dm, func(id uint64) Transaction {
		return &stubTxn{id: id, status: StatusRunning}
	})

	if err := rm2.Restart(); err != nil {
		t.Fatal(err)
	}

	restored, err := bufmgr2.FetchPage(pageID)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored.Page[0:4]) != string(before) {
		t.Fatalf("undo should have restored the before-image, got %v want %v", restored.Page[0:4], before)
	}
	bufmgr2.Unpin(pageID, false)

	if _, ok := rm2.xt.Get(txn.TxnID()); ok {
		t.Fatal("undone transaction should be removed from the XT")
	}
}

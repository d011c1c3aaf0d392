package recovery

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relly-db/relly/buffer"
	"github.com/relly-db/relly/disk"
)

// Transaction is the collaborator contract recovery needs from a
// transaction (spec §6): identity, recovery-visible status, and a cleanup
// hook invoked on end.
type Transaction interface {
	TxnID() uint64
	Status() TxnStatus
	SetStatus(TxnStatus)
	Cleanup()
}

// TransactionFactory instantiates a Transaction for a txn id discovered
// during analysis that has no in-memory representative (the process
// crashed mid-transaction).
type TransactionFactory func(txnID uint64) Transaction

// RecoveryManager implements the ARIES forward path and restart (spec
// §4.6). Its DPT/XT are concurrent maps for read-mostly access; the
// mutating entry points below (StartTransaction, Checkpoint, Restart) are
// serialized by mu, per spec §5's phase-partitioning requirement.
type RecoveryManager struct {
	mu sync.Mutex

	log *LogManager
	bpm *buffer.BufferPoolManager
	dm  *disk.DiskManager

	dpt DirtyPageTable
	xt  TransactionTable

	newTxn TransactionFactory
	txns   map[uint64]Transaction

	// redoComplete gates disk_io_hook's DPT eviction during restart_redo,
	// so recLSN information isn't lost mid-pass (spec §5).
	redoComplete atomic.Bool

	logger *slog.Logger
}

// NewRecoveryManager wires a RecoveryManager to its log, buffer pool and
// disk space manager, and installs the buffer pool's WAL enforcement
// hooks (page_flush_hook / disk_io_hook, spec §4.6).
func NewRecoveryManager(log *LogManager, bpm *buffer.BufferPoolManager, dm *disk.DiskManager, newTxn TransactionFactory) *RecoveryManager {
	rm := &RecoveryManager{
		log:    log,
		bpm:    bpm,
		dm:     dm,
		newTxn: newTxn,
		txns:   make(map[uint64]Transaction),
		logger: slog.Default().With("component", "recovery"),
	}
	rm.redoComplete.Store(true) // true outside of restart_redo: hook may evict freely

	bpm.FlushHook = func(pageLSN uint64) error {
		return rm.log.Flush(LSN(pageLSN))
	}
	bpm.DiskIOHook = func(pageID disk.PageID) {
		rm.DiskIOHook(pageID)
	}
	return rm
}

// StartTransaction inserts T into the XT with last_LSN = 0.
func (rm *RecoveryManager) StartTransaction(t Transaction) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.txns[t.TxnID()] = t
	rm.xt.Put(newXTEntryState(t.TxnID()))
}

func (rm *RecoveryManager) entry(txnID uint64) *XTEntryState {
	e, ok := rm.xt.Get(txnID)
	if !ok {
		panic(fmt.Sprintf("recovery: transaction %d has no XT entry", txnID))
	}
	return e
}

// LogPageWrite appends UPDATE_PAGE carrying prev = T.last_LSN; updates
// T.last_LSN; inserts (page, newLSN) into the DPT if the page wasn't
// already dirty.
func (rm *RecoveryManager) LogPageWrite(t Transaction, pageID disk.PageID, offset int, before, after []byte) (LSN, error) {
	e := rm.entry(t.TxnID())
	rec := &LogRecord{
		Type: RecordUpdatePage, TxnID: t.TxnID(), HasTxnID: true,
		PrevLSN: e.LastLSN, PageID: pageID, HasPage: true,
		Offset: offset, Before: before, After: after,
	}
	lsn, err := rm.log.AppendLog(rec)
	if err != nil {
		return 0, err
	}
	e.LastLSN = lsn
	e.Touched[pageID] = true
	rm.dpt.GetOrInsert(pageID, lsn)
	return lsn, nil
}

func (rm *RecoveryManager) logAndFlush(t Transaction, rec *LogRecord) (LSN, error) {
	e := rm.entry(t.TxnID())
	rec.TxnID, rec.HasTxnID = t.TxnID(), true
	rec.PrevLSN = e.LastLSN
	lsn, err := rm.log.AppendLog(rec)
	if err != nil {
		return 0, err
	}
	e.LastLSN = lsn
	if err := rm.log.Flush(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// LogAllocPart appends ALLOC_PART, updates last_LSN, flushes.
func (rm *RecoveryManager) LogAllocPart(t Transaction, part disk.PartitionID) (LSN, error) {
	return rm.logAndFlush(t, &LogRecord{Type: RecordAllocPart, Partition: part, HasPart: true})
}

// LogFreePart appends FREE_PART, updates last_LSN, flushes.
func (rm *RecoveryManager) LogFreePart(t Transaction, part disk.PartitionID) (LSN, error) {
	return rm.logAndFlush(t, &LogRecord{Type: RecordFreePart, Partition: part, HasPart: true})
}

// LogAllocPage appends ALLOC_PAGE, updates last_LSN, flushes.
func (rm *RecoveryManager) LogAllocPage(t Transaction, pageID disk.PageID) (LSN, error) {
	return rm.logAndFlush(t, &LogRecord{Type: RecordAllocPage, PageID: pageID, HasPage: true})
}

// LogFreePage appends FREE_PAGE, updates last_LSN, flushes, and removes
// the page from the DPT.
func (rm *RecoveryManager) LogFreePage(t Transaction, pageID disk.PageID) (LSN, error) {
	lsn, err := rm.logAndFlush(t, &LogRecord{Type: RecordFreePage, PageID: pageID, HasPage: true})
	if err != nil {
		return 0, err
	}
	rm.dpt.Delete(pageID)
	return lsn, nil
}

// Commit appends COMMIT_TXN, sets status COMMITTING, flushes the log
// through the commit LSN, and returns it.
func (rm *RecoveryManager) Commit(t Transaction) (LSN, error) {
	e := rm.entry(t.TxnID())
	e.Status = StatusCommitting
	t.SetStatus(StatusCommitting)
	lsn, err := rm.logAndFlush(t, &LogRecord{Type: RecordCommitTxn})
	return lsn, err
}

// Abort appends ABORT_TXN and sets status ABORTING. Rollback happens
// later, in End.
func (rm *RecoveryManager) Abort(t Transaction) (LSN, error) {
	e := rm.entry(t.TxnID())
	e.Status = StatusAborting
	t.SetStatus(StatusAborting)
	return rm.logAndFlush(t, &LogRecord{Type: RecordAbortTxn})
}

// End finishes a transaction: if it is ABORTING or RECOVERY_ABORTING, rolls
// back to LSN 0 first, then appends END_TXN, marks COMPLETE, and removes
// it from the XT.
func (rm *RecoveryManager) End(t Transaction) error {
	e := rm.entry(t.TxnID())
	if e.Status == StatusAborting || e.Status == StatusRecoveryAborting {
		if err := rm.rollbackTo(t, e, 0); err != nil {
			return err
		}
	}
	if _, err := rm.logAndFlush(t, &LogRecord{Type: RecordEndTxn}); err != nil {
		return err
	}
	e.Status = StatusComplete
	t.SetStatus(StatusComplete)
	t.Cleanup()
	rm.mu.Lock()
	rm.xt.Delete(t.TxnID())
	delete(rm.txns, t.TxnID())
	rm.mu.Unlock()
	return nil
}

// Savepoint records name -> T.last_LSN, overwriting any prior savepoint of
// the same name (spec's explicit non-goal: no savepoint naming policy
// beyond overwrite-on-duplicate).
func (rm *RecoveryManager) Savepoint(t Transaction, name string) {
	e := rm.entry(t.TxnID())
	e.Savepoints[name] = e.LastLSN
}

// RollbackToSavepoint rolls T back to the LSN recorded under name.
func (rm *RecoveryManager) RollbackToSavepoint(t Transaction, name string) error {
	e := rm.entry(t.TxnID())
	lsn, ok := e.Savepoints[name]
	if !ok {
		return fmt.Errorf("recovery: unknown savepoint %q", name)
	}
	return rm.rollbackTo(t, e, lsn)
}

// rollbackTo walks T's back-chain from last_LSN, following undo_next_LSN
// where present else prev_LSN, compensating every undoable record with
// LSN > target.
func (rm *RecoveryManager) rollbackTo(t Transaction, e *XTEntryState, target LSN) error {
	cur := e.LastLSN
	for cur > target {
		rec, err := rm.log.ReadAt(cur)
		if err != nil {
			panic(fmt.Errorf("recovery: rollback chain broken at LSN %d: %w", cur, err))
		}
		var next LSN
		if rec.HasUndoNext {
			next = rec.UndoNextLSN
		} else {
			next = rec.PrevLSN
		}
		if rec.Undoable() {
			clr := rec.CLRFor()
			clr.PrevLSN = e.LastLSN
			lsn, err := rm.log.AppendLog(clr)
			if err != nil {
				return err
			}
			e.LastLSN = lsn
			rm.applyPhysical(clr)
		}
		if next >= cur {
			panic("recovery: undo chain does not make progress")
		}
		cur = next
	}
	return nil
}

// applyPhysical applies a record's physical effect to the buffer pool
// (used by redo and by rollback/undo CLR application).
func (rm *RecoveryManager) applyPhysical(rec *LogRecord) {
	switch rec.Type {
	case RecordUpdatePage, RecordUndoUpdatePage:
		buf, err := rm.bpm.FetchPage(rec.PageID)
		if err != nil {
			return
		}
		copy(buf.Page[rec.Offset:rec.Offset+len(rec.After)], rec.After)
		buf.SetPageLSN(uint64(rec.LSN))
		_ = rm.bpm.Unpin(rec.PageID, true)
	case RecordAllocPage, RecordUndoFreePage:
		// Allocation is idempotent bookkeeping on the disk manager; no
		// buffer-pool image to touch.
	case RecordFreePage, RecordUndoAllocPage:
		rm.dm.FreePage(rec.PageID)
	case RecordAllocPart, RecordUndoFreePart:
		// partitions are allocated once at forward time; redo is a no-op
		// on restart since AllocatePartition would mint a fresh id.
	case RecordFreePart, RecordUndoAllocPart:
		_ = rm.dm.FreePartition(rec.Partition)
	}
}

// DiskIOHook is invoked by the buffer pool after reading a page from disk.
// If redo is complete, the page's DPT entry (if any) is now stale, since
// the fetched image already reflects every flushed update.
func (rm *RecoveryManager) DiskIOHook(pageID disk.PageID) {
	if rm.redoComplete.Load() {
		rm.dpt.Delete(pageID)
	}
}

// Checkpoint appends BEGIN_CHECKPOINT, streams the DPT then the XT into
// one or more END_CHECKPOINT records (bounded by maxEntries),
// flushes, and rewrites the master record to point at the begin LSN.
func (rm *RecoveryManager) Checkpoint() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	beginLSN, err := rm.log.AppendLog(&LogRecord{Type: RecordBeginCheckpoint})
	if err != nil {
		return err
	}

	dpt := rm.dpt.Snapshot()
	xt := rm.xt.Snapshot()

	const maxEntries = 512 // static size bound for one END_CHECKPOINT record
	for {
		rec := &LogRecord{Type: RecordEndCheckpoint}
		n := 0
		for len(dpt) > 0 && n < maxEntries {
			rec.DPT = append(rec.DPT, dpt[0])
			dpt = dpt[1:]
			n++
		}
		for len(xt) > 0 && n < maxEntries {
			rec.XT = append(rec.XT, xt[0])
			xt = xt[1:]
			n++
		}
		if _, err := rm.log.AppendLog(rec); err != nil {
			return err
		}
		if len(dpt) == 0 && len(xt) == 0 {
			break
		}
	}

	if err := rm.log.Flush(rm.log.nextLSN); err != nil {
		return err
	}
	rm.logger.Info("checkpoint complete", "begin_lsn", beginLSN)
	return rm.log.WriteMaster(beginLSN)
}

// Close flushes the buffer pool and closes the log.
func (rm *RecoveryManager) Close(ctx context.Context) error {
	if err := rm.bpm.FlushAll(ctx); err != nil {
		return err
	}
	return rm.log.Close()
}

// --- Restart ---

// Restart runs Analysis, Redo and Undo, then takes a fresh checkpoint
// (spec §4.6).
func (rm *RecoveryManager) Restart() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.redoComplete.Store(false)
	defer rm.redoComplete.Store(true)

	if err := rm.analysis(); err != nil {
		return err
	}
	if err := rm.redo(); err != nil {
		return err
	}
	if err := rm.undo(); err != nil {
		return err
	}
	rm.mu.Unlock()
	err := rm.Checkpoint()
	rm.mu.Lock()
	return err
}

func (rm *RecoveryManager) getOrCreateXT(txnID uint64) *XTEntryState {
	if e, ok := rm.xt.Get(txnID); ok {
		return e
	}
	e := newXTEntryState(txnID)
	rm.xt.Put(e)
	if _, ok := rm.txns[txnID]; !ok && rm.newTxn != nil {
		rm.txns[txnID] = rm.newTxn(txnID)
	}
	return e
}

// analysis rebuilds the DPT and XT by scanning forward from the last
// checkpoint's begin LSN (spec §4.6 "Restart (Analysis)").
func (rm *RecoveryManager) analysis() error {
	master, err := rm.log.ReadMaster()
	if err != nil {
		panic(err)
	}

	ended := make(map[uint64]bool)

	scan := func(from LSN) error {
		return rm.log.ReadFrom(from, func(rec *LogRecord) error {
			if rec.HasTxnID {
				e := rm.getOrCreateXT(rec.TxnID)
				e.LastLSN = rec.LSN
				switch rec.Type {
				case RecordCommitTxn:
					e.Status = StatusCommitting
				case RecordAbortTxn:
					e.Status = StatusRecoveryAborting
				case RecordEndTxn:
					e.Status = StatusComplete
					rm.xt.Delete(rec.TxnID)
					ended[rec.TxnID] = true
				}
			}

			if rec.HasPage {
				switch rec.Type {
				case RecordUpdatePage, RecordUndoUpdatePage:
					rm.dpt.GetOrInsert(rec.PageID, rec.LSN)
				case RecordFreePage, RecordUndoAllocPage:
					if err := rm.log.Flush(rec.LSN); err != nil {
						return err
					}
					rm.dpt.Delete(rec.PageID)
				case RecordAllocPage, RecordUndoFreePage:
					// no DPT effect
				}
			}

			if rec.Type == RecordEndCheckpoint {
				for _, d := range rec.DPT {
					rm.dpt.Set(d.PageID, d.RecLSN)
				}
				for _, x := range rec.XT {
					if ended[x.TxnID] {
						continue
					}
					e := rm.getOrCreateXT(x.TxnID)
					if x.LastLSN > e.LastLSN {
						e.LastLSN = x.LastLSN
					}
					e.Status = promoteStatus(e.Status, x.Status)
				}
			}
			return nil
		})
	}

	if err := scan(master); err != nil {
		return err
	}

	var stale []uint64
	var abortLogErr error
	rm.xt.Each(func(e *XTEntryState) {
		switch e.Status {
		case StatusCommitting:
			stale = append(stale, e.TxnID)
		case StatusRunning:
			e.Status = StatusRecoveryAborting
			t := rm.txns[e.TxnID]
			if t != nil {
				t.SetStatus(StatusRecoveryAborting)
			}
			// The ABORT_TXN record here is a marker only: it is not part
			// of the undo chain (e.LastLSN still points at the last real
			// update), so undo starts from the right place either way.
			if _, err := rm.log.AppendLog(&LogRecord{Type: RecordAbortTxn, TxnID: e.TxnID, HasTxnID: true, PrevLSN: e.LastLSN}); err != nil && abortLogErr == nil {
				abortLogErr = err
			}
		}
	})
	if abortLogErr != nil {
		return abortLogErr
	}
	for _, txnID := range stale {
		e, _ := rm.xt.Get(txnID)
		if e == nil {
			continue
		}
		if _, err := rm.log.AppendLog(&LogRecord{Type: RecordEndTxn, TxnID: txnID, HasTxnID: true, PrevLSN: e.LastLSN}); err != nil {
			return err
		}
		if t := rm.txns[txnID]; t != nil {
			t.SetStatus(StatusComplete)
			t.Cleanup()
		}
		rm.xt.Delete(txnID)
		delete(rm.txns, txnID)
	}
	return nil
}

// promoteStatus applies the legal transitions RUNNING -> {COMMITTING,
// RECOVERY_ABORTING (from ABORTING)} and never regresses a status.
func promoteStatus(current, fromCheckpoint TxnStatus) TxnStatus {
	if current == StatusRunning {
		switch fromCheckpoint {
		case StatusCommitting, StatusRecoveryAborting, StatusAborting:
			if fromCheckpoint == StatusAborting {
				return StatusRecoveryAborting
			}
			return fromCheckpoint
		}
	}
	return current
}

// redo replays every redoable record from min(DPT recLSN) forward,
// applying page-modifying records only when the page is actually stale
// (spec §4.6 "Restart (Redo)").
func (rm *RecoveryManager) redo() error {
	start, ok := rm.dpt.MinRecLSN()
	if !ok {
		return nil // nothing dirty: nothing to redo
	}

	if err := rm.log.ReadFrom(start, func(rec *LogRecord) error {
		if !rec.Redoable() {
			return nil
		}
		switch rec.Type {
		case RecordAllocPart, RecordFreePart, RecordUndoAllocPart, RecordUndoFreePart,
			RecordAllocPage, RecordUndoFreePage:
			rm.applyPhysical(rec)
			return nil
		case RecordUpdatePage, RecordUndoUpdatePage, RecordFreePage, RecordUndoAllocPage:
			recLSN, inDPT := rm.dpt.Get(rec.PageID)
			if !inDPT || recLSN > rec.LSN {
				return nil
			}
			buf, err := rm.bpm.FetchPage(rec.PageID)
			if err != nil {
				return err
			}
			onDisk := LSN(buf.PageLSN())
			needsRedo := onDisk < rec.LSN
			if needsRedo {
				rm.applyPhysical(rec)
			} else {
				_ = rm.bpm.Unpin(rec.PageID, false)
			}
			return nil
		}
		return nil
	}); err != nil {
		return err
	}

	// clean_DPT: intersect with the pages the buffer manager reports as
	// actually dirty, keeping survivors' original recLSN.
	dirty := make(map[disk.PageID]bool)
	rm.bpm.IterPages(func(pageID disk.PageID, isDirty bool) {
		if isDirty {
			dirty[pageID] = true
		}
	})
	rm.dpt.Intersect(dirty)
	return nil
}

// undoHeapEntry pairs a transaction with the next LSN to undo on its
// behalf.
type undoHeapEntry struct {
	lsn   LSN
	txnID uint64
}

type undoHeap []undoHeapEntry

func (h undoHeap) Len() int            { return len(h) }
func (h undoHeap) Less(i, j int) bool  { return h[i].lsn > h[j].lsn } // max-heap
func (h undoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *undoHeap) Push(x interface{}) { *h = append(*h, x.(undoHeapEntry)) }
func (h *undoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// undo runs the ARIES undo pass: a max-heap over every RECOVERY_ABORTING
// transaction's last_LSN, popping greatest-LSN-first, compensating and
// following undo_next_LSN/prev_LSN chains until each reaches 0 (spec §4.6
// "Restart (Undo)").
func (rm *RecoveryManager) undo() error {
	h := &undoHeap{}
	heap.Init(h)
	rm.xt.Each(func(e *XTEntryState) {
		if e.LastLSN > 0 {
			heap.Push(h, undoHeapEntry{lsn: e.LastLSN, txnID: e.TxnID})
		}
	})

	for h.Len() > 0 {
		top := heap.Pop(h).(undoHeapEntry)
		e, ok := rm.xt.Get(top.txnID)
		if !ok {
			continue
		}
		rec, err := rm.log.ReadAt(top.lsn)
		if err != nil {
			panic(fmt.Errorf("recovery: undo chain broken at LSN %d: %w", top.lsn, err))
		}

		if rec.Undoable() {
			clr := rec.CLRFor()
			clr.PrevLSN = e.LastLSN
			lsn, err := rm.log.AppendLog(clr)
			if err != nil {
				return err
			}
			e.LastLSN = lsn
			rm.applyPhysical(clr)
		}

		var next LSN
		if rec.HasUndoNext {
			next = rec.UndoNextLSN
		} else {
			next = rec.PrevLSN
		}

		if next == 0 {
			if _, err := rm.log.AppendLog(&LogRecord{Type: RecordEndTxn, TxnID: top.txnID, HasTxnID: true, PrevLSN: e.LastLSN}); err != nil {
				return err
			}
			if t := rm.txns[top.txnID]; t != nil {
				t.SetStatus(StatusComplete)
				t.Cleanup()
			}
			e.Status = StatusComplete
			rm.xt.Delete(top.txnID)
			delete(rm.txns, top.txnID)
			continue
		}
		heap.Push(h, undoHeapEntry{lsn: next, txnID: top.txnID})
	}
	return nil
}

package recovery

import (
	"sort"
	"sync"

	"github.com/relly-db/relly/disk"
)

// TxnStatus is a transaction's recovery-visible lifecycle state (spec §3).
type TxnStatus int

const (
	StatusRunning TxnStatus = iota
	StatusCommitting
	StatusAborting
	StatusRecoveryAborting
	StatusComplete
)

func (s TxnStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusAborting:
		return "ABORTING"
	case StatusRecoveryAborting:
		return "RECOVERY_ABORTING"
	case StatusComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// XTEntryState is one Transaction Table Entry: (transaction_handle,
// last_LSN, touched_pages, savepoints) plus status (spec §3).
type XTEntryState struct {
	TxnID      uint64
	Status     TxnStatus
	LastLSN    LSN
	Touched    map[disk.PageID]bool
	Savepoints map[string]LSN
}

func newXTEntryState(txnID uint64) *XTEntryState {
	return &XTEntryState{
		TxnID:      txnID,
		Status:     StatusRunning,
		Touched:    make(map[disk.PageID]bool),
		Savepoints: make(map[string]LSN),
	}
}

// TransactionTable is the XT: a concurrent map for the read-mostly forward
// path (spec §5), guarded for mutation by the owning RecoveryManager's
// mutex.
type TransactionTable struct {
	m sync.Map // uint64 -> *XTEntryState
}

func (t *TransactionTable) Get(txnID uint64) (*XTEntryState, bool) {
	v, ok := t.m.Load(txnID)
	if !ok {
		return nil, false
	}
	return v.(*XTEntryState), true
}

func (t *TransactionTable) Put(e *XTEntryState) {
	t.m.Store(e.TxnID, e)
}

func (t *TransactionTable) Delete(txnID uint64) {
	t.m.Delete(txnID)
}

func (t *TransactionTable) Each(fn func(*XTEntryState)) {
	t.m.Range(func(_, v any) bool {
		fn(v.(*XTEntryState))
		return true
	})
}

func (t *TransactionTable) Len() int {
	n := 0
	t.Each(func(*XTEntryState) { n++ })
	return n
}

// Snapshot returns entries sorted by TxnID, for deterministic checkpoint
// streaming.
func (t *TransactionTable) Snapshot() []XTEntry {
	var out []XTEntry
	t.Each(func(e *XTEntryState) {
		out = append(out, XTEntry{TxnID: e.TxnID, Status: e.Status, LastLSN: e.LastLSN})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
	return out
}

// DirtyPageTable maps page_id -> recLSN: the LSN of the earliest log
// record that dirtied the page since it was last clean on disk.
type DirtyPageTable struct {
	m sync.Map // disk.PageID -> LSN
}

func (d *DirtyPageTable) GetOrInsert(pageID disk.PageID, lsn LSN) {
	d.m.LoadOrStore(pageID, lsn)
}

func (d *DirtyPageTable) Set(pageID disk.PageID, lsn LSN) {
	d.m.Store(pageID, lsn)
}

func (d *DirtyPageTable) Get(pageID disk.PageID) (LSN, bool) {
	v, ok := d.m.Load(pageID)
	if !ok {
		return 0, false
	}
	return v.(LSN), true
}

func (d *DirtyPageTable) Delete(pageID disk.PageID) {
	d.m.Delete(pageID)
}

func (d *DirtyPageTable) Each(fn func(disk.PageID, LSN)) {
	d.m.Range(func(k, v any) bool {
		fn(k.(disk.PageID), v.(LSN))
		return true
	})
}

// MinRecLSN returns the smallest recLSN in the table, or (0, false) if
// empty.
func (d *DirtyPageTable) MinRecLSN() (LSN, bool) {
	var min LSN
	found := false
	d.Each(func(_ disk.PageID, lsn LSN) {
		if !found || lsn < min {
			min = lsn
			found = true
		}
	})
	return min, found
}

// Snapshot returns entries sorted by page id, for deterministic checkpoint
// streaming.
func (d *DirtyPageTable) Snapshot() []DPTEntry {
	var out []DPTEntry
	d.Each(func(p disk.PageID, lsn LSN) {
		out = append(out, DPTEntry{PageID: p, RecLSN: lsn})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}

// Intersect keeps only the entries whose page id is in keep, preserving
// each survivor's original recLSN. Used by restart_redo's clean_DPT step.
func (d *DirtyPageTable) Intersect(keep map[disk.PageID]bool) {
	var drop []disk.PageID
	d.Each(func(p disk.PageID, _ LSN) {
		if !keep[p] {
			drop = append(drop, p)
		}
	})
	for _, p := range drop {
		d.Delete(p)
	}
}

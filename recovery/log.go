// Package recovery implements ARIES write-ahead-log recovery: a LogManager
// appending a tagged union of LogRecords, a DirtyPageTable and
// TransactionTable, and a RecoveryManager driving the forward-processing
// hooks plus restart's Analysis/Redo/Undo passes.
//
// Grounded on github.com/Johniel/gorelly's transaction/log.go for the
// manual encoding/binary (de)serialization idiom (fixed LSN+size header,
// then a flat field layout) generalized from that teacher's five-variant
// closed record set to the full ARIES tagged union below. The ARIES phase
// structure itself has no teacher equivalent — it is grounded on
// other_examples/edf7f25f_kyosu-1-minidb's internal/wal recovery.go, the
// one pack file with a real dirtyPageTable/activeTxnTable/analysisPhase/
// redoPhase/undoPhase structure.
package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/relly-db/relly/disk"
)

// ErrLogCorrupted is a fatal recovery error: the log file's structure
// could not be parsed.
var ErrLogCorrupted = errors.New("recovery: log file is corrupted")

// LSN is a monotonically increasing log sequence number. 0 is reserved to
// mean "no record" (the root of every back-chain).
type LSN uint64

// RecordType is the tag of the LogRecord union (spec §3).
type RecordType uint32

const (
	RecordMaster RecordType = iota
	RecordBeginCheckpoint
	RecordEndCheckpoint
	RecordCommitTxn
	RecordAbortTxn
	RecordEndTxn
	RecordUpdatePage
	RecordAllocPage
	RecordFreePage
	RecordAllocPart
	RecordFreePart
	RecordUndoUpdatePage
	RecordUndoAllocPage
	RecordUndoFreePage
	RecordUndoAllocPart
	RecordUndoFreePart
)

func (t RecordType) String() string {
	names := [...]string{
		"MASTER", "BEGIN_CHECKPOINT", "END_CHECKPOINT", "COMMIT_TXN",
		"ABORT_TXN", "END_TXN", "UPDATE_PAGE", "ALLOC_PAGE", "FREE_PAGE",
		"ALLOC_PART", "FREE_PART", "UNDO_UPDATE_PAGE", "UNDO_ALLOC_PAGE",
		"UNDO_FREE_PAGE", "UNDO_ALLOC_PART", "UNDO_FREE_PART",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// IsCLR reports whether t is a compensation log record (an UNDO_* type).
func (t RecordType) IsCLR() bool {
	return t >= RecordUndoUpdatePage
}

// DPTEntry and XTEntry snapshots appended inside END_CHECKPOINT records.
type DPTEntry struct {
	PageID disk.PageID
	RecLSN LSN
}

type XTEntry struct {
	TxnID   uint64
	Status  TxnStatus
	LastLSN LSN
}

// LogRecord is the tagged union described by spec §3. Fields not relevant
// to Type are zero-valued; this mirrors the teacher's own log.go, which
// always serializes TxnID/PageID/Offset/OldValue/NewValue regardless of
// type rather than truly varying its wire shape per tag.
type LogRecord struct {
	LSN      LSN
	Type     RecordType
	PrevLSN  LSN // 0 if none
	TxnID    uint64
	HasTxnID bool

	PageID    disk.PageID
	HasPage   bool
	Partition disk.PartitionID
	HasPart   bool

	Offset int
	Before []byte
	After  []byte

	UndoNextLSN LSN
	HasUndoNext bool

	MasterLSN LSN // RecordMaster only

	DPT []DPTEntry // RecordEndCheckpoint only
	XT  []XTEntry  // RecordEndCheckpoint only
}

// Undoable reports whether this record's effect can be compensated.
func (r *LogRecord) Undoable() bool {
	return r.Type == RecordUpdatePage || r.Type == RecordAllocPage || r.Type == RecordFreePage ||
		r.Type == RecordAllocPart || r.Type == RecordFreePart
}

// Redoable reports whether this record describes a physical effect that
// can be reapplied.
func (r *LogRecord) Redoable() bool {
	switch r.Type {
	case RecordUpdatePage, RecordUndoUpdatePage, RecordFreePage, RecordUndoAllocPage,
		RecordAllocPart, RecordFreePart, RecordUndoAllocPart, RecordUndoFreePart,
		RecordAllocPage, RecordUndoFreePage:
		return true
	default:
		return false
	}
}

// CLRFor builds the compensation record that undoes r, to be appended with
// UndoNextLSN = r.PrevLSN and PrevLSN = the transaction's current last LSN
// (filled in by the caller).
func (r *LogRecord) CLRFor() *LogRecord {
	clr := &LogRecord{
		TxnID:       r.TxnID,
		HasTxnID:    true,
		UndoNextLSN: r.PrevLSN,
		HasUndoNext: true,
	}
	switch r.Type {
	case RecordUpdatePage:
		clr.Type = RecordUndoUpdatePage
		clr.PageID, clr.HasPage = r.PageID, true
		clr.Offset = r.Offset
		clr.Before, clr.After = r.After, r.Before // swap: undo restores the before-image
	case RecordAllocPage:
		clr.Type = RecordUndoAllocPage
		clr.PageID, clr.HasPage = r.PageID, true
	case RecordFreePage:
		clr.Type = RecordUndoFreePage
		clr.PageID, clr.HasPage = r.PageID, true
	case RecordAllocPart:
		clr.Type = RecordUndoAllocPart
		clr.Partition, clr.HasPart = r.Partition, true
	case RecordFreePart:
		clr.Type = RecordUndoFreePart
		clr.Partition, clr.HasPart = r.Partition, true
	}
	return clr
}

// LogManager serializes and appends LogRecords, and rewrites the master
// record in place. Grounded on the teacher's LogManager: a single mutex,
// a monotonically increasing LSN counter recovered by scanning on open.
type LogManager struct {
	mu      sync.Mutex
	file    *os.File
	nextLSN LSN
	flushed LSN
}

const masterRecordOffset = 0
const masterRecordSize = 8 // one LSN, fixed location, always present

// OpenLogManager opens or creates the log file at path, reserving the
// first masterRecordSize bytes for the master record and recovering
// nextLSN by scanning existing records.
func OpenLogManager(path string) (*LogManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	lm := &LogManager{file: file, nextLSN: 1}

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < masterRecordSize {
		if _, err := file.WriteAt(make([]byte, masterRecordSize), 0); err != nil {
			return nil, err
		}
	}
	if err := lm.recoverNextLSN(); err != nil {
		return nil, err
	}
	return lm, nil
}

func (lm *LogManager) recoverNextLSN() error {
	if _, err := lm.file.Seek(masterRecordSize, io.SeekStart); err != nil {
		return err
	}
	var last LSN
	for {
		lsn, _, err := lm.readOne()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		last = lsn
	}
	lm.nextLSN = last + 1
	lm.flushed = last
	return nil
}

// AppendLog assigns the next LSN to record, serializes and appends it, and
// returns the assigned LSN. Does not flush.
func (lm *LogManager) AppendLog(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	record.LSN = lm.nextLSN
	lm.nextLSN++

	if _, err := lm.file.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	data := serializeRecord(record)
	if _, err := lm.file.Write(data); err != nil {
		return 0, err
	}
	return record.LSN, nil
}

// Flush syncs the log up through at least lsn. Since records are appended
// in LSN order, a single fsync of the file suffices.
func (lm *LogManager) Flush(lsn LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.file.Sync(); err != nil {
		return err
	}
	if lsn > lm.flushed {
		lm.flushed = lsn
	}
	return nil
}

func (lm *LogManager) Flushed() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushed
}

// ReadMaster returns the LSN stored in the master record. Missing is a
// fatal condition per spec §7 — callers should panic, not recover.
func (lm *LogManager) ReadMaster() (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	buf := make([]byte, masterRecordSize)
	if _, err := lm.file.ReadAt(buf, masterRecordOffset); err != nil {
		return 0, fmt.Errorf("recovery: missing master record: %w", err)
	}
	return LSN(binary.BigEndian.Uint64(buf)), nil
}

// WriteMaster rewrites the master record in place to point at beginLSN.
func (lm *LogManager) WriteMaster(beginLSN LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	buf := make([]byte, masterRecordSize)
	binary.BigEndian.PutUint64(buf, uint64(beginLSN))
	if _, err := lm.file.WriteAt(buf, masterRecordOffset); err != nil {
		return err
	}
	return lm.file.Sync()
}

// ReadFrom scans every record starting at or after fromLSN, in LSN order,
// invoking fn for each. Stops at a non-nil error from fn.
func (lm *LogManager) ReadFrom(fromLSN LSN, fn func(*LogRecord) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, err := lm.file.Seek(masterRecordSize, io.SeekStart); err != nil {
		return err
	}
	for {
		lsn, data, err := lm.readOne()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if lsn < fromLSN {
			continue
		}
		rec, err := deserializeRecord(lsn, data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadAt fetches a single record by LSN by scanning from the start. ARIES
// restart reads records randomly by LSN during undo; a real engine would
// index this, but a linear scan keeps this recovery manager's storage
// format the same as the forward-append-only log it already maintains.
func (lm *LogManager) ReadAt(lsn LSN) (*LogRecord, error) {
	var found *LogRecord
	err := lm.ReadFrom(0, func(r *LogRecord) error {
		if r.LSN == lsn {
			found = r
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("recovery: no record at LSN %d: %w", lsn, ErrLogCorrupted)
	}
	return found, nil
}

var errStopScan = errors.New("recovery: internal scan stop")

func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.file.Close()
}

// readOne reads one (lsn, payload) pair starting at the current file
// offset, advancing past it.
func (lm *LogManager) readOne() (LSN, []byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(lm.file, header[:]); err != nil {
		return 0, nil, err
	}
	lsn := LSN(binary.BigEndian.Uint64(header[0:8]))
	size := binary.BigEndian.Uint32(header[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(lm.file, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrLogCorrupted, err)
	}
	return lsn, payload, nil
}

func serializeRecord(r *LogRecord) []byte {
	buf := make([]byte, 0, 128)

	lsnBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(lsnBytes, uint64(r.LSN))
	buf = append(buf, lsnBytes...)

	sizePos := len(buf)
	buf = append(buf, make([]byte, 4)...)

	buf = appendU32(buf, uint32(r.Type))
	buf = appendU64(buf, uint64(r.PrevLSN))
	buf = appendBool(buf, r.HasTxnID)
	buf = appendU64(buf, r.TxnID)
	buf = appendBool(buf, r.HasPage)
	buf = appendU64(buf, r.PageID.ToU64())
	buf = appendBool(buf, r.HasPart)
	buf = appendU64(buf, uint64(r.Partition))
	buf = appendBool(buf, r.HasUndoNext)
	buf = appendU64(buf, uint64(r.UndoNextLSN))
	buf = appendU32(buf, uint32(r.Offset))
	buf = appendU64(buf, uint64(r.MasterLSN))
	buf = appendBytes(buf, r.Before)
	buf = appendBytes(buf, r.After)

	buf = appendU32(buf, uint32(len(r.DPT)))
	for _, e := range r.DPT {
		buf = appendU64(buf, e.PageID.ToU64())
		buf = appendU64(buf, uint64(e.RecLSN))
	}
	buf = appendU32(buf, uint32(len(r.XT)))
	for _, e := range r.XT {
		buf = appendU64(buf, e.TxnID)
		buf = appendU32(buf, uint32(e.Status))
		buf = appendU64(buf, uint64(e.LastLSN))
	}

	binary.BigEndian.PutUint32(buf[sizePos:], uint32(len(buf)-sizePos-4))
	return buf
}

func deserializeRecord(lsn LSN, data []byte) (*LogRecord, error) {
	p := &parser{data: data}
	r := &LogRecord{LSN: lsn}
	r.Type = RecordType(p.u32())
	r.PrevLSN = LSN(p.u64())
	r.HasTxnID = p.boolean()
	r.TxnID = p.u64()
	r.HasPage = p.boolean()
	r.PageID = disk.PageID(p.u64())
	r.HasPart = p.boolean()
	r.Partition = disk.PartitionID(p.u64())
	r.HasUndoNext = p.boolean()
	r.UndoNextLSN = LSN(p.u64())
	r.Offset = int(p.u32())
	r.MasterLSN = LSN(p.u64())
	r.Before = p.bytes()
	r.After = p.bytes()

	dptLen := p.u32()
	for i := uint32(0); i < dptLen; i++ {
		r.DPT = append(r.DPT, DPTEntry{PageID: disk.PageID(p.u64()), RecLSN: LSN(p.u64())})
	}
	xtLen := p.u32()
	for i := uint32(0); i < xtLen; i++ {
		r.XT = append(r.XT, XTEntry{TxnID: p.u64(), Status: TxnStatus(p.u32()), LastLSN: LSN(p.u64())})
	}
	if p.err != nil {
		return nil, p.err
	}
	return r, nil
}

func appendU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(buf, b...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

// parser sequentially decodes a record payload, latching the first error.
type parser struct {
	data []byte
	pos  int
	err  error
}

func (p *parser) need(n int) []byte {
	if p.err != nil {
		return make([]byte, n)
	}
	if p.pos+n > len(p.data) {
		p.err = fmt.Errorf("%w: truncated record", ErrLogCorrupted)
		return make([]byte, n)
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *parser) u32() uint32 { return binary.BigEndian.Uint32(p.need(4)) }
func (p *parser) u64() uint64 { return binary.BigEndian.Uint64(p.need(8)) }
func (p *parser) boolean() bool {
	return p.need(1)[0] != 0
}
func (p *parser) bytes() []byte {
	n := p.u32()
	if p.err != nil {
		return nil
	}
	b := make([]byte, n)
	copy(b, p.need(int(n)))
	return b
}

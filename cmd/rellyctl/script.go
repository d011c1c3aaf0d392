package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/relly-db/relly/disk"
	"github.com/relly-db/relly/lock"
	"github.com/relly-db/relly/transaction"
)

// runScript replays a tiny line-oriented transcript against e, one command
// per line:
//
//	BEGIN                      start a transaction, numbered by BEGIN order
//	WRITE txn page offset hex  write hex-encoded bytes at offset into page
//	COMMIT txn
//	ABORT txn
//	CRASH                      exit immediately, leaving dirty pages unflushed
//
// Blank lines and lines starting with # are ignored. Page numbers are
// logical: the first time a number is mentioned a fresh page is allocated
// for it, and every later mention of the same number refers to that same
// disk.PageID.
func runScript(e *engine, r io.Reader) error {
	txns := map[int]*transaction.Transaction{}
	pages := map[int]disk.PageID{}
	root := lock.NewLockContext(e.lm, lock.ResourceName{"db"})

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		verb := strings.ToUpper(fields[0])

		switch verb {
		case "BEGIN":
			txn := e.tm.Begin()
			txns[len(txns)+1] = txn
			if err := root.Acquire(txn, lock.IX); err != nil {
				return fmt.Errorf("rellyctl: line %d: %w", lineNo, err)
			}
			logger.Debug("began transaction", "line", lineNo, "txn", txn.TxnID())

		case "WRITE":
			if err := runWrite(e, root, txns, pages, fields, lineNo); err != nil {
				return err
			}

		case "COMMIT":
			txn, err := argTxn(txns, fields, lineNo)
			if err != nil {
				return err
			}
			if err := e.tm.Commit(txn); err != nil {
				return fmt.Errorf("rellyctl: line %d: %w", lineNo, err)
			}
			logger.Debug("committed transaction", "line", lineNo, "txn", txn.TxnID())

		case "ABORT":
			txn, err := argTxn(txns, fields, lineNo)
			if err != nil {
				return err
			}
			if err := e.tm.Abort(txn); err != nil {
				return fmt.Errorf("rellyctl: line %d: %w", lineNo, err)
			}
			logger.Debug("aborted transaction", "line", lineNo, "txn", txn.TxnID())

		case "CRASH":
			logger.Warn("simulating a crash: exiting without flushing or closing", "line", lineNo)
			crashExit()

		default:
			return fmt.Errorf("rellyctl: line %d: unknown command %q", lineNo, fields[0])
		}
	}
	return scanner.Err()
}

func runWrite(e *engine, root *lock.LockContext, txns map[int]*transaction.Transaction, pages map[int]disk.PageID, fields []string, lineNo int) error {
	if len(fields) != 5 {
		return fmt.Errorf("rellyctl: line %d: WRITE wants txn page offset hex", lineNo)
	}
	txn, err := argTxn(txns, fields, lineNo)
	if err != nil {
		return err
	}
	pageNum, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("rellyctl: line %d: bad page number: %w", lineNo, err)
	}
	offset, err := strconv.Atoi(fields[3])
	if err != nil {
		return fmt.Errorf("rellyctl: line %d: bad offset: %w", lineNo, err)
	}
	after, err := hex.DecodeString(fields[4])
	if err != nil {
		return fmt.Errorf("rellyctl: line %d: bad hex payload: %w", lineNo, err)
	}

	pageCtx := root.Child(fmt.Sprintf("page-%d", pageNum))
	if pageCtx.ExplicitLockType(txn) == lock.NL {
		if err := pageCtx.Acquire(txn, lock.X); err != nil {
			return fmt.Errorf("rellyctl: line %d: %w", lineNo, err)
		}
	}

	pageID, ok := pages[pageNum]
	if !ok {
		buf, err := e.bufmgr.CreatePage()
		if err != nil {
			return fmt.Errorf("rellyctl: line %d: allocating page: %w", lineNo, err)
		}
		pageID = buf.PageID
		pages[pageNum] = pageID
		if err := e.bufmgr.Unpin(pageID, false); err != nil {
			return err
		}
	}

	buf, err := e.bufmgr.FetchPage(pageID)
	if err != nil {
		return fmt.Errorf("rellyctl: line %d: fetching page %d: %w", lineNo, pageNum, err)
	}
	if offset+len(after) > len(buf.Page) {
		_ = e.bufmgr.Unpin(pageID, false)
		return fmt.Errorf("rellyctl: line %d: write of %d bytes at offset %d overflows the page", lineNo, len(after), offset)
	}
	before := append([]byte(nil), buf.Page[offset:offset+len(after)]...)
	copy(buf.Page[offset:offset+len(after)], after)

	lsn, err := e.rm.LogPageWrite(txn, pageID, offset, before, after)
	if err != nil {
		_ = e.bufmgr.Unpin(pageID, true)
		return fmt.Errorf("rellyctl: line %d: logging write: %w", lineNo, err)
	}
	buf.SetPageLSN(uint64(lsn))
	if err := e.bufmgr.Unpin(pageID, true); err != nil {
		return err
	}
	logger.Debug("wrote page", "line", lineNo, "txn", txn.TxnID(), "page", pageNum, "lsn", lsn)
	return nil
}

func argTxn(txns map[int]*transaction.Transaction, fields []string, lineNo int) (*transaction.Transaction, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("rellyctl: line %d: missing transaction number", lineNo)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("rellyctl: line %d: bad txn number: %w", lineNo, err)
	}
	txn, ok := txns[n]
	if !ok {
		return nil, fmt.Errorf("rellyctl: line %d: no such transaction %d", lineNo, n)
	}
	return txn, nil
}

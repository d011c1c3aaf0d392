package main

import (
	"fmt"
	"os"

	"github.com/relly-db/relly/buffer"
	"github.com/relly-db/relly/disk"
	"github.com/relly-db/relly/lock"
	"github.com/relly-db/relly/recovery"
	"github.com/relly-db/relly/transaction"
)

// engine bundles the stack a rellyctl subcommand drives: the underlying
// disk and buffer pool, the recovery manager built on top of them, and
// (when the subcommand deals in transactions) the lock manager and
// transaction façade above that.
type engine struct {
	dm     *disk.DiskManager
	bufmgr *buffer.BufferPoolManager
	log    *recovery.LogManager
	rm     *recovery.RecoveryManager
	lm     *lock.LockManager
	tm     *transaction.TransactionManager
}

// recoveredTxn is the recovery.Transaction representative the recovery
// manager constructs for a transaction found RUNNING or ABORTING in the log
// with no live *transaction.Transaction to attach to. It carries just
// enough state for analysis/undo bookkeeping; nothing in the engine's own
// logic reaches for it afterward.
type recoveredTxn struct {
	id     uint64
	status recovery.TxnStatus
}

func (t *recoveredTxn) TxnID() uint64                 { return t.id }
func (t *recoveredTxn) Status() recovery.TxnStatus     { return t.status }
func (t *recoveredTxn) SetStatus(s recovery.TxnStatus) { t.status = s }
func (t *recoveredTxn) Cleanup()                       {}

// openEngine opens an existing database directory's page file and log,
// running restart recovery before returning when runRecovery is true, and
// wires a lock manager and
// transaction façade on top. Subcommands that only need the recovery
// manager (recover, checkpoint) can ignore lm/tm.
func openEngine(dir string, runRecovery bool) (*engine, error) {
	cfg, err := readConfig(dir)
	if err != nil {
		return nil, err
	}

	pageFile, err := os.OpenFile(cfg.PagePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("rellyctl: opening page file: %w", err)
	}
	dm, err := disk.NewDiskManager(pageFile)
	if err != nil {
		return nil, fmt.Errorf("rellyctl: initializing disk manager: %w", err)
	}

	bufmgr := buffer.NewBufferPoolManager(dm, buffer.NewBufferPool(cfg.PoolSize))

	logMgr, err := recovery.OpenLogManager(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("rellyctl: opening log: %w", err)
	}

	rm := recovery.NewRecoveryManager(logMgr, bufmgr, dm, func(id uint64) recovery.Transaction {
		return &recoveredTxn{id: id, status: recovery.StatusRunning}
	})
	lm := lock.NewLockManager()
	tm := transaction.NewTransactionManager(lm, rm)

	e := &engine{dm: dm, bufmgr: bufmgr, log: logMgr, rm: rm, lm: lm, tm: tm}

	if runRecovery {
		logger.Info("running restart recovery", "dir", dir)
		if err := rm.Restart(); err != nil {
			return nil, fmt.Errorf("rellyctl: restart recovery: %w", err)
		}
	}
	return e, nil
}

func (e *engine) Close() error {
	if err := e.rm.Close(cliContext()); err != nil {
		return err
	}
	return e.dm.Close()
}

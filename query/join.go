package query

import (
	"fmt"

	"github.com/relly-db/relly/buffer"
	"github.com/relly-db/relly/record"
)

// MarkableExecutor is an Executor that can snapshot its current position
// and later be rewound to it. Sort-merge join needs this on its inner
// (right) side to replay a run of duplicate keys once per matching outer
// row, without re-scanning from the start of the run.
type MarkableExecutor interface {
	Executor
	Mark() interface{}
	Reset(mark interface{})
}

// SortMergeJoin joins two plans whose rows already arrive in ascending
// key order — typically the output of a SortOperator — by the classical
// merge-with-duplicates algorithm (spec §4.5).
type SortMergeJoin struct {
	Left     PlanNode
	Right    PlanNode
	LeftKey  record.KeyExtractor
	RightKey record.KeyExtractor
}

func (j *SortMergeJoin) Start(bufmgr *buffer.BufferPoolManager) (Executor, error) {
	left, err := j.Left.Start(bufmgr)
	if err != nil {
		return nil, err
	}
	right, err := j.Right.Start(bufmgr)
	if err != nil {
		return nil, err
	}
	markableRight, ok := right.(MarkableExecutor)
	if !ok {
		return nil, fmt.Errorf("query: sort-merge join's right input must be markable, got %T", right)
	}
	return &ExecSortMergeJoin{
		left: left, right: markableRight,
		leftKey: j.LeftKey, rightKey: j.RightKey,
	}, nil
}

// ExecSortMergeJoin is the pull-based merge-join state machine described
// by spec §4.5: leftRec/rightRec hold the current row on each side, and
// marked is the right-side position at the start of the current run of
// keys equal to leftRec's, replayed once per matching left row.
type ExecSortMergeJoin struct {
	left  Executor
	right MarkableExecutor

	leftKey, rightKey record.KeyExtractor

	started           bool
	leftRec, rightRec Tuple
	leftOk, rightOk   bool

	inGroup      bool
	marked       interface{}
	preRightMark interface{}
}

func (e *ExecSortMergeJoin) advanceLeft(bufmgr *buffer.BufferPoolManager) error {
	rec, ok, err := e.left.Next(bufmgr)
	e.leftRec, e.leftOk = rec, ok
	return err
}

func (e *ExecSortMergeJoin) advanceRight(bufmgr *buffer.BufferPoolManager) error {
	e.preRightMark = e.right.Mark()
	rec, ok, err := e.right.Next(bufmgr)
	e.rightRec, e.rightOk = rec, ok
	return err
}

func (e *ExecSortMergeJoin) compare() int {
	lk := e.leftKey(record.Record(e.leftRec))
	rk := e.rightKey(record.Record(e.rightRec))
	return record.Comparator{}.Compare(lk, rk)
}

// Next returns the next matching (left, right) pair as their
// concatenation, or (nil, false, nil) once either side is exhausted with
// no further matches possible.
func (e *ExecSortMergeJoin) Next(bufmgr *buffer.BufferPoolManager) (Tuple, bool, error) {
	if !e.started {
		if err := e.advanceLeft(bufmgr); err != nil {
			return nil, false, err
		}
		if err := e.advanceRight(bufmgr); err != nil {
			return nil, false, err
		}
		e.started = true
	}

	for {
		if !e.leftOk {
			return nil, false, nil
		}

		if e.inGroup {
			if e.rightOk && e.compare() == 0 {
				out := record.Record(e.leftRec).Concat(record.Record(e.rightRec))
				if err := e.advanceRight(bufmgr); err != nil {
					return nil, false, err
				}
				return Tuple(out), true, nil
			}
			// This left row's matches are exhausted; advance to the next
			// left row and replay the marked group from its start.
			if err := e.advanceLeft(bufmgr); err != nil {
				return nil, false, err
			}
			if !e.leftOk {
				return nil, false, nil
			}
			e.right.Reset(e.marked)
			if err := e.advanceRight(bufmgr); err != nil {
				return nil, false, err
			}
			e.inGroup = false
			continue
		}

		if !e.rightOk {
			return nil, false, nil
		}

		switch c := e.compare(); {
		case c < 0:
			if err := e.advanceLeft(bufmgr); err != nil {
				return nil, false, err
			}
		case c > 0:
			if err := e.advanceRight(bufmgr); err != nil {
				return nil, false, err
			}
		default:
			e.marked = e.preRightMark
			e.inGroup = true
		}
	}
}

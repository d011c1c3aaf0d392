package query

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/relly-db/relly/buffer"
	"github.com/relly-db/relly/disk"
	"github.com/relly-db/relly/record"
	"github.com/relly-db/relly/slotted"
)

// Run is a materialized, append-only sequence of records spread across a
// list of slotted pages. It is restartable: Open returns a fresh iterator
// from the first record regardless of how far a previous iterator
// advanced, which is what lets SortMergeJoin replay a run of duplicate
// keys on its inner side.
//
// Grounded on the teacher's slotted package for the page layout (pointer
// array at the front, tuples packed backward from the end) and on
// btree.Iter for the "restartable walk over a page list" shape; the
// external-sort driving logic itself has no teacher equivalent and is
// grounded on other_examples' sort-merge references (none of the pack
// repos implement one, so this follows the classical generalized
// balanced merge: sort_run / merge / merge_pass / sort).
type Run struct {
	pages []disk.PageID
}

// NewRun returns an empty run.
func NewRun() *Run {
	return &Run{}
}

// NumPages reports how many pages this run currently spans.
func (r *Run) NumPages() int {
	return len(r.pages)
}

// Append encodes rec and stores it at the end of the run, allocating a
// new page when the current last page has no room.
func (r *Run) Append(bufmgr *buffer.BufferPoolManager, rec record.Record) error {
	data := rec.Encode()

	if len(r.pages) > 0 {
		last := r.pages[len(r.pages)-1]
		buf, err := bufmgr.FetchPage(last)
		if err != nil {
			return err
		}
		sl := slotted.NewSlotted(buf.Page[:])
		idx := sl.NumSlots()
		if sl.Insert(idx, len(data)) {
			copy(sl.Data(idx), data)
			return bufmgr.Unpin(last, true)
		}
		if err := bufmgr.Unpin(last, false); err != nil {
			return err
		}
	}

	buf, err := bufmgr.CreatePage()
	if err != nil {
		return err
	}
	sl := slotted.NewSlotted(buf.Page[:])
	sl.Initialize()
	if !sl.Insert(0, len(data)) {
		_ = bufmgr.Unpin(buf.PageID, false)
		return fmt.Errorf("query: record of %d bytes does not fit an empty page", len(data))
	}
	copy(sl.Data(0), data)
	r.pages = append(r.pages, buf.PageID)
	return bufmgr.Unpin(buf.PageID, true)
}

// Open returns a new iterator positioned before the run's first record.
func (r *Run) Open() *RunIter {
	return &RunIter{run: r}
}

// RunIter is a restartable cursor over a Run: (pageIndex, slotIndex).
type RunIter struct {
	run     *Run
	pageIdx int
	slotIdx int
}

// Next returns the run's next record, or (nil, false, nil) at the end.
func (it *RunIter) Next(bufmgr *buffer.BufferPoolManager) (record.Record, bool, error) {
	for it.pageIdx < len(it.run.pages) {
		pageID := it.run.pages[it.pageIdx]
		buf, err := bufmgr.FetchPage(pageID)
		if err != nil {
			return nil, false, err
		}
		sl := slotted.NewSlotted(buf.Page[:])
		if it.slotIdx >= sl.NumSlots() {
			if err := bufmgr.Unpin(pageID, false); err != nil {
				return nil, false, err
			}
			it.pageIdx++
			it.slotIdx = 0
			continue
		}
		data := sl.Data(it.slotIdx)
		rec := record.Decode(data)
		it.slotIdx++
		if err := bufmgr.Unpin(pageID, false); err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}
	return nil, false, nil
}

// mergeItem is one live candidate in a k-way merge's min-heap.
type mergeItem struct {
	rec    record.Record
	source int
}

type mergeHeap struct {
	items []mergeItem
	cmp   record.Comparator
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.cmp.Less(a.rec, b.rec) {
		return true
	}
	if h.cmp.Less(b.rec, a.rec) {
		return false
	}
	// Keys compare equal: lower run index wins, so a merge never reorders
	// equal-key records relative to each other.
	return a.source < b.source
}
func (h *mergeHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// merge k-way merges runs (at most B-1 of them, the caller's
// responsibility to enforce) into a single new, sorted Run.
func merge(bufmgr *buffer.BufferPoolManager, cmp record.Comparator, runs []*Run) (*Run, error) {
	iters := make([]*RunIter, len(runs))
	for i, r := range runs {
		iters[i] = r.Open()
	}

	h := &mergeHeap{cmp: cmp}
	heap.Init(h)
	for i, it := range iters {
		rec, ok, err := it.Next(bufmgr)
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(h, mergeItem{rec: rec, source: i})
		}
	}

	out := NewRun()
	for h.Len() > 0 {
		top := heap.Pop(h).(mergeItem)
		if err := out.Append(bufmgr, top.rec); err != nil {
			return nil, err
		}
		rec, ok, err := iters[top.source].Next(bufmgr)
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(h, mergeItem{rec: rec, source: top.source})
		}
	}
	return out, nil
}

// mergePass chunks runs into groups of at most fanIn and merges each
// group independently, halving (or better) the run count.
func mergePass(bufmgr *buffer.BufferPoolManager, cmp record.Comparator, runs []*Run, fanIn int) ([]*Run, error) {
	out := make([]*Run, 0, (len(runs)+fanIn-1)/fanIn)
	for i := 0; i < len(runs); i += fanIn {
		end := i + fanIn
		if end > len(runs) {
			end = len(runs)
		}
		merged, err := merge(bufmgr, cmp, runs[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// SortOperator externally sorts its input plan's rows by Comparator,
// spilling initial sorted runs of RunSize records each and repeatedly
// merge-passing FanIn runs at a time until one remains (spec §4.4).
type SortOperator struct {
	InnerPlan  PlanNode
	Comparator record.Comparator

	// RunSize bounds how many records are held in memory at once, to
	// build one initial sorted run.
	RunSize int
	// FanIn bounds how many runs a single merge pass combines (B-1, in
	// terms of available buffer frames).
	FanIn int
}

func (s *SortOperator) Start(bufmgr *buffer.BufferPoolManager) (Executor, error) {
	if s.RunSize <= 0 {
		s.RunSize = 1024
	}
	if s.FanIn <= 1 {
		s.FanIn = 2
	}

	inner, err := s.InnerPlan.Start(bufmgr)
	if err != nil {
		return nil, err
	}

	var runs []*Run
	for {
		batch, err := sortRun(bufmgr, s.Comparator, inner, s.RunSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		run := NewRun()
		for _, rec := range batch {
			if err := run.Append(bufmgr, rec); err != nil {
				return nil, err
			}
		}
		runs = append(runs, run)
		if len(batch) < s.RunSize {
			break
		}
	}

	if len(runs) == 0 {
		return &ExecSort{}, nil
	}

	for len(runs) > 1 {
		runs, err = mergePass(bufmgr, s.Comparator, runs, s.FanIn)
		if err != nil {
			return nil, err
		}
	}

	return &ExecSort{iter: runs[0].Open()}, nil
}

// sortRun reads up to limit records from inner and sorts them in memory,
// the in-memory half of the external sort.
func sortRun(bufmgr *buffer.BufferPoolManager, cmp record.Comparator, inner Executor, limit int) ([]record.Record, error) {
	batch := make([]record.Record, 0, limit)
	for len(batch) < limit {
		t, ok, err := inner.Next(bufmgr)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		batch = append(batch, record.Record(t))
	}
	sort.SliceStable(batch, func(i, j int) bool { return cmp.Less(batch[i], batch[j]) })
	return batch, nil
}

// ExecSort is the executor for SortOperator: a restartable cursor over
// the fully-merged output run. A nil iter means the input was empty.
type ExecSort struct {
	iter *RunIter
}

func (es *ExecSort) Next(bufmgr *buffer.BufferPoolManager) (Tuple, bool, error) {
	if es.iter == nil {
		return nil, false, nil
	}
	rec, ok, err := es.iter.Next(bufmgr)
	if err != nil || !ok {
		return nil, ok, err
	}
	return Tuple(rec), true, nil
}

// Mark snapshots the executor's current position, so Reset can later
// replay the records from here. Used by SortMergeJoin's inner side.
func (es *ExecSort) Mark() interface{} {
	if es.iter == nil {
		return RunIter{}
	}
	return *es.iter
}

// Reset rewinds the executor to a position previously returned by Mark.
func (es *ExecSort) Reset(mark interface{}) {
	snap := mark.(RunIter)
	es.iter = &snap
}

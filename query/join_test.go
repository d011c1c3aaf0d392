package query

import (
	"fmt"
	"testing"

	"github.com/relly-db/relly/record"
)

func TestSortMergeJoinMatchesAndHandlesDuplicates(t *testing.T) {
	bufmgr := newTestBufmgr(t, 20)

	left := &litPlan{rows: [][][]byte{
		{[]byte("1"), []byte("L1")},
		{[]byte("2"), []byte("L2a")},
		{[]byte("2"), []byte("L2b")},
		{[]byte("3"), []byte("L3")},
	}}
	right := &litPlan{rows: [][][]byte{
		{[]byte("2"), []byte("R2a")},
		{[]byte("2"), []byte("R2b")},
		{[]byte("4"), []byte("R4")},
	}}

	join := &SortMergeJoin{
		Left:  &SortOperator{InnerPlan: left, Comparator: record.Comparator{Key: firstColumnKey}, RunSize: 10, FanIn: 4},
		Right: &SortOperator{InnerPlan: right, Comparator: record.Comparator{Key: firstColumnKey}, RunSize: 10, FanIn: 4},
		LeftKey: firstColumnKey, RightKey: firstColumnKey,
	}

	ex, err := join.Start(bufmgr)
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, bufmgr, ex)

	var pairs []string
	for _, row := range got {
		if len(row) != 4 {
			t.Fatalf("expected a 4-field joined row, got %v", row)
		}
		pairs = append(pairs, fmt.Sprintf("%s/%s", row[1], row[3]))
	}

	want := map[string]bool{
		"L2a/R2a": true, "L2a/R2b": true,
		"L2b/R2a": true, "L2b/R2b": true,
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %d joined rows %v, want %d", len(pairs), pairs, len(want))
	}
	for _, p := range pairs {
		if !want[p] {
			t.Fatalf("unexpected joined pair %q", p)
		}
		delete(want, p)
	}
	if len(want) != 0 {
		t.Fatalf("missing expected pairs: %v", want)
	}
}

func TestSortMergeJoinNoMatches(t *testing.T) {
	bufmgr := newTestBufmgr(t, 20)

	left := &litPlan{rows: [][][]byte{{[]byte("1")}, {[]byte("3")}}}
	right := &litPlan{rows: [][][]byte{{[]byte("2")}, {[]byte("4")}}}

	join := &SortMergeJoin{
		Left:    &SortOperator{InnerPlan: left, Comparator: record.Comparator{Key: firstColumnKey}},
		Right:   &SortOperator{InnerPlan: right, Comparator: record.Comparator{Key: firstColumnKey}},
		LeftKey: firstColumnKey, RightKey: firstColumnKey,
	}
	ex, err := join.Start(bufmgr)
	if err != nil {
		t.Fatal(err)
	}
	if got := drain(t, bufmgr, ex); len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestSortMergeJoinRejectsNonMarkableRight(t *testing.T) {
	bufmgr := newTestBufmgr(t, 10)
	join := &SortMergeJoin{
		Left:    &litPlan{},
		Right:   &litPlan{}, // litExec implements Executor but not MarkableExecutor
		LeftKey: firstColumnKey, RightKey: firstColumnKey,
	}
	if _, err := join.Start(bufmgr); err == nil {
		t.Fatal("expected an error for a non-markable right input")
	}
}

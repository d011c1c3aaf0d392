// Package record provides the ordered-field tuple representation shared by
// the query executors. It is a thin, renamed generalization of the
// teacher's tuple package, with the Concat and key-comparison helpers the
// sort and join operators need and the tuple package does not expose.
package record

import (
	"bytes"
	"fmt"

	"github.com/relly-db/relly/tuple"
)

// Record is an ordered sequence of memcmpable-encodable byte fields.
type Record [][]byte

// Encode serializes the record with the teacher's memcmpable tuple codec,
// so encoded records retain their field order under byte comparison.
func (r Record) Encode() []byte {
	var bytes []byte
	tuple.Encode(r, &bytes)
	return bytes
}

// Decode parses bytes previously produced by Encode.
func Decode(data []byte) Record {
	var elems [][]byte
	tuple.Decode(data, &elems)
	return Record(elems)
}

// Concat returns a new record formed by appending other's fields after r's
// own, used by the join operator to build left ⊕ right.
func (r Record) Concat(other Record) Record {
	out := make(Record, 0, len(r)+len(other))
	out = append(out, r...)
	out = append(out, other...)
	return out
}

func (r Record) String() string {
	return tuple.Pretty(r)
}

// ColumnInfo names one field of a Schema.
type ColumnInfo struct {
	Name string
}

// Schema is the ordered list of columns a Record's fields correspond to.
type Schema struct {
	Columns []ColumnInfo
}

func (s Schema) String() string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return fmt.Sprintf("%v", names)
}

// KeyExtractor projects the sort/join key fields out of a record, in the
// order they should be compared.
type KeyExtractor func(Record) Record

// Comparator orders two records by their extracted keys, memcmpable
// field-by-field, matching the on-disk byte order the teacher's
// btree/memcmpable codec already guarantees for scalar types.
type Comparator struct {
	Key KeyExtractor
}

// Compare returns a negative number, zero or a positive number as a's keys
// sort before, equal to or after b's, field by field; a key that is a
// prefix of the other sorts first.
func (c Comparator) Compare(a, b Record) int {
	ak, bk := a, b
	if c.Key != nil {
		ak, bk = c.Key(a), c.Key(b)
	}
	n := len(ak)
	if len(bk) < n {
		n = len(bk)
	}
	for i := 0; i < n; i++ {
		if cmp := bytes.Compare(ak[i], bk[i]); cmp != 0 {
			return cmp
		}
	}
	return len(ak) - len(bk)
}

// Equal reports whether a and b have identical keys under c.
func (c Comparator) Equal(a, b Record) bool {
	return c.Compare(a, b) == 0
}

// Less reports whether a sorts strictly before b under c.
func (c Comparator) Less(a, b Record) bool {
	return c.Compare(a, b) < 0
}

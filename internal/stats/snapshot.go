package stats

import (
	"cmp"
	"slices"
)

// TableEntry is one (document, term, score) triple from a flattened table.
type TableEntry[D comparable, T comparable] struct {
	Doc   D
	Term  T
	Score float64
}

// Flatten dumps a table as a slice sorted by document then term, giving a
// deterministic order for ordered key types. Map iteration order makes the
// tables themselves unordered; diffing or logging a table goes through here.
func Flatten[D cmp.Ordered, T cmp.Ordered](t Table[D, T]) []TableEntry[D, T] {
	entries := make([]TableEntry[D, T], 0, len(t))
	for doc, scores := range t {
		for term, score := range scores {
			entries = append(entries, TableEntry[D, T]{Doc: doc, Term: term, Score: score})
		}
	}
	slices.SortFunc(entries, func(a, b TableEntry[D, T]) int {
		if c := cmp.Compare(a.Doc, b.Doc); c != 0 {
			return c
		}
		return cmp.Compare(a.Term, b.Term)
	})
	return entries
}

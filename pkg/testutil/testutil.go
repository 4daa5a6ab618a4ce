// Package testutil provides small deterministic helpers shared by the
// core subsystems' test suites: key/value generators with no dependency
// on wall-clock time or global random state, so repeated runs produce
// identical fixtures. Scratch directories come from t.TempDir(), not
// from this package.
//
// Grounded on the corpus convention of a package-level test helper
// directory rather than ad hoc setup duplicated per _test.go file.
package testutil

import "fmt"

// SeqKey returns a fixed-width, lexicographically ordered key so
// range-scan tests can assert on ordering without sorting.
func SeqKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%08d", i))
}

// SeqVal returns a deterministic value paired with SeqKey(i).
func SeqVal(i int) []byte {
	return []byte(fmt.Sprintf("val-%08d", i))
}

// Keys returns n sequential keys starting at start.
func Keys(start, n int) [][]byte {
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = SeqKey(start + i)
	}
	return out
}

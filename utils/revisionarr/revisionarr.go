// Package revisionarr compares revisions expressed as arrays of uint64s
// where later elements are more significant, so a bucket config revision
// is written as []uint64{rev, revEpoch}.  Missing elements count as zero.
package revisionarr

// Compare returns 0 if a == b, -1 if a < b and +1 if a > b.  A nil argument
// is the same as an empty one.
func Compare(a, b []uint64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	for elIdx := n - 1; elIdx >= 0; elIdx-- {
		av := at(a, elIdx)
		bv := at(b, elIdx)
		if av > bv {
			return +1
		} else if av < bv {
			return -1
		}
	}

	return 0
}

func at(rev []uint64, elIdx int) uint64 {
	if elIdx < len(rev) {
		return rev[elIdx]
	}
	return 0
}

package incremental

// lcsMatch pairs an old position with the new position holding the same
// hash, in source order.
type lcsMatch struct {
	oldIdx int
	newIdx int
}

// longestCommonSubsequence aligns two hash lists and returns the
// matched index pairs. Standard dynamic program; chunk lists are small
// enough that the quadratic table is fine.
func longestCommonSubsequence(oldHashes, newHashes []string) []lcsMatch {
	n, m := len(oldHashes), len(newHashes)
	if n == 0 || m == 0 {
		return nil
	}

	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if oldHashes[i-1] == newHashes[j-1] {
				table[i][j] = table[i-1][j-1] + 1
			} else if table[i-1][j] >= table[i][j-1] {
				table[i][j] = table[i-1][j]
			} else {
				table[i][j] = table[i][j-1]
			}
		}
	}

	// Walk back to recover the pairs.
	var matches []lcsMatch
	for i, j := n, m; i > 0 && j > 0; {
		switch {
		case oldHashes[i-1] == newHashes[j-1]:
			matches = append(matches, lcsMatch{oldIdx: i - 1, newIdx: j - 1})
			i--
			j--
		case table[i-1][j] >= table[i][j-1]:
			i--
		default:
			j--
		}
	}
	// Reverse into source order.
	for l, r := 0, len(matches)-1; l < r; l, r = l+1, r-1 {
		matches[l], matches[r] = matches[r], matches[l]
	}
	return matches
}

package lifecycle

// ClampIndex bounds a requested target index to the valid range for a
// sequence of length n.
func ClampIndex(n, index int) int {
	if index < 0 {
		return 0
	}
	if index > n-1 {
		if n == 0 {
			return 0
		}
		return n - 1
	}
	return index
}

// MoveIndex models a stable array move-and-renumber: the element at from is
// placed at to and everything between shifts by one. It mirrors the SQL
// shifts Reorder applies, and the tests pin both to the same behavior.
func MoveIndex(ids []int64, from, to int) []int64 {
	n := len(ids)
	if n == 0 || from < 0 || from >= n {
		return ids
	}
	to = ClampIndex(n, to)
	if from == to {
		return ids
	}

	out := make([]int64, 0, n)
	out = append(out, ids[:from]...)
	out = append(out, ids[from+1:]...)

	tail := make([]int64, len(out[to:]))
	copy(tail, out[to:])
	out = append(out[:to], ids[from])
	out = append(out, tail...)
	return out
}

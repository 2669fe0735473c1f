package coords

// FloorDiv divides rounding towards negative infinity. b > 0.
func FloorDiv(a, b int64) int64 {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// Mod is the non-negative remainder matching FloorDiv. b > 0.
func Mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

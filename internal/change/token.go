package change

import "strconv"

// CompareTokens orders two source-local tokens from the SAME source.
// Returns -1, 0, or 1.
//
// Tokens that both parse as integers compare numerically (log positions,
// transaction ids); anything else compares bytewise. Comparing tokens
// across different sources is meaningless - callers must not do it.
func CompareTokens(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

package mathhelp

import "golang.org/x/exp/constraints"

// Clip limits v to the closed interval [lo, hi].
func Clip[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func Pow2(n uint) uint {
	return 1 << n
}

package types

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	return a.Xor(b)
}

// CompareDistance orders a and b by their distance to target. Ties are broken
// by raw value so the order is total and equal results mean equal identifiers.
func CompareDistance(target, a, b ID) int {
	for i := 0; i < IDLength; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return a.Compare(b)
}

// Comparator is a total order over identifiers.
type Comparator func(a, b ID) int

// DistanceOrder returns the comparator that sorts identifiers nearest-first
// relative to target.
func DistanceOrder(target ID) Comparator {
	return func(a, b ID) int {
		return CompareDistance(target, a, b)
	}
}

// RawOrder sorts identifiers by numeric value. Used where there is no target.
func RawOrder(a, b ID) int {
	return a.Compare(b)
}

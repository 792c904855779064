package kv

// KeyRange restricts an index scan to an interval over the key domain.
// The zero value is unbounded. Bounds may independently be open
// (exclusive) or closed (inclusive).
type KeyRange struct {
	Lower     Key
	Upper     Key
	HasLower  bool
	HasUpper  bool
	LowerOpen bool
	UpperOpen bool
}

// Unbounded returns the range containing every key.
func Unbounded() KeyRange {
	return KeyRange{}
}

// Only returns the range containing exactly key.
func Only(key Key) KeyRange {
	return KeyRange{Lower: key, Upper: key, HasLower: true, HasUpper: true}
}

// Bound returns the interval between lower and upper.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) KeyRange {
	return KeyRange{
		Lower: lower, Upper: upper,
		HasLower: true, HasUpper: true,
		LowerOpen: lowerOpen, UpperOpen: upperOpen,
	}
}

// LowerBound returns the half-bounded interval starting at key.
func LowerBound(key Key, open bool) KeyRange {
	return KeyRange{Lower: key, HasLower: true, LowerOpen: open}
}

// UpperBound returns the half-bounded interval ending at key.
func UpperBound(key Key, open bool) KeyRange {
	return KeyRange{Upper: key, HasUpper: true, UpperOpen: open}
}

// Contains reports whether a normalized key falls inside the range.
func (r KeyRange) Contains(key Key) bool {
	if r.HasLower {
		c := CompareKeys(key, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.HasUpper {
		c := CompareKeys(key, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

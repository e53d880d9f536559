package stats

import (
	"cmp"
	"fmt"
	"math"
	"time"
)

// add sums two stat values. Integers of any width sum to int64, any float
// operand turns the result into float64, and durations only add to durations.
// An int64 sum that would wrap is carried on as float64 instead.
func add(a, b any) (any, error) {
	if da, ok := a.(time.Duration); ok {
		if db, ok := b.(time.Duration); ok {
			return da + db, nil
		}
		return nil, incompatible(a, b)
	}
	if _, ok := b.(time.Duration); ok {
		return nil, incompatible(a, b)
	}

	ia, aInt := asInt(a)
	ib, bInt := asInt(b)
	if aInt && bInt {
		if sum, ok := addInt(ia, ib); ok {
			return sum, nil
		}
	}

	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		return fa + fb, nil
	}
	return nil, incompatible(a, b)
}

func addInt(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// compare orders two stat values of compatible types.
func compare(a, b any) (int, error) {
	switch va := a.(type) {
	case time.Duration:
		if vb, ok := b.(time.Duration); ok {
			return cmp.Compare(va, vb), nil
		}
		return 0, incompatible(a, b)
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb), nil
		}
		return 0, incompatible(a, b)
	case string:
		if vb, ok := b.(string); ok {
			return cmp.Compare(va, vb), nil
		}
		return 0, incompatible(a, b)
	}
	if _, ok := b.(time.Duration); ok {
		return 0, incompatible(a, b)
	}

	ia, aInt := asInt(a)
	ib, bInt := asInt(b)
	if aInt && bInt {
		return cmp.Compare(ia, ib), nil
	}

	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		return cmp.Compare(fa, fb), nil
	}
	return 0, incompatible(a, b)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func incompatible(a, b any) error {
	return fmt.Errorf("%w: %T and %T", ErrIncompatibleValue, a, b)
}

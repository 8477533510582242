package patch

import (
	"sort"
	"strconv"
)

// Diff produces the ordered operation list that transforms before into after.
//
// Maps are compared by key, arrays positionally, and changed scalars become
// replace operations. No move/copy inference is attempted: the output favors
// correctness and determinism over compactness. Keys are visited in sorted
// order so identical inputs always diff identically.
func Diff(before, after map[string]any) []Op {
	var ops []Op
	diffObject("", before, after, &ops)
	return ops
}

func diffValue(path string, before, after any, ops *[]Op) {
	beforeObj, beforeIsObj := before.(map[string]any)
	afterObj, afterIsObj := after.(map[string]any)
	if beforeIsObj && afterIsObj {
		diffObject(path, beforeObj, afterObj, ops)
		return
	}

	beforeArr, beforeIsArr := before.([]any)
	afterArr, afterIsArr := after.([]any)
	if beforeIsArr && afterIsArr {
		diffArray(path, beforeArr, afterArr, ops)
		return
	}

	if !Equal(before, after) {
		*ops = append(*ops, Op{Op: OpReplace, Path: path, Value: Clone(after)})
	}
}

func diffObject(path string, before, after map[string]any, ops *[]Op) {
	keys := make([]string, 0, len(before)+len(after))
	seen := make(map[string]struct{}, len(before)+len(after))
	for key := range before {
		keys = append(keys, key)
		seen[key] = struct{}{}
	}
	for key := range after {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		childPath := joinPointer(path, key)
		beforeChild, inBefore := before[key]
		afterChild, inAfter := after[key]
		switch {
		case inBefore && !inAfter:
			*ops = append(*ops, Op{Op: OpRemove, Path: childPath})
		case !inBefore && inAfter:
			*ops = append(*ops, Op{Op: OpAdd, Path: childPath, Value: Clone(afterChild)})
		default:
			diffValue(childPath, beforeChild, afterChild, ops)
		}
	}
}

func diffArray(path string, before, after []any, ops *[]Op) {
	shared := len(before)
	if len(after) < shared {
		shared = len(after)
	}

	for i := 0; i < shared; i++ {
		diffValue(path+"/"+strconv.Itoa(i), before[i], after[i], ops)
	}

	// Trailing removals target the same index repeatedly: each removal
	// shifts the remainder left, so index `shared` always names the next
	// element to delete.
	for i := shared; i < len(before); i++ {
		*ops = append(*ops, Op{Op: OpRemove, Path: path + "/" + strconv.Itoa(shared)})
	}

	for i := shared; i < len(after); i++ {
		*ops = append(*ops, Op{Op: OpAdd, Path: path + "/" + strconv.Itoa(i), Value: Clone(after[i])})
	}
}

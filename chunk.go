package zonesync

// maxBatchItems is the remote store's documented per-request cap on
// records in one modify batch.
const maxBatchItems = 300

// chunk splits items into ordered sub-slices of at most size elements
// each, covering the input exactly once. The sub-slices alias the input's
// backing array. Empty input yields nil; a non-positive size yields the
// input as a single chunk.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || len(items) <= size {
		return [][]T{items}
	}

	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}

	return out
}

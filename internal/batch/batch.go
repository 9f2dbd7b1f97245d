// Package batch splits large work lists into bounded chunks. The
// garbage collector uses it to reclaim candidates group by group and
// report progress after each group; each object within a group is
// still removed by its own store and index calls.
package batch

// Chunk splits items into groups of at most size elements each. A
// non-positive size returns items as a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

package utils

// Chunk splits a list into contiguous sub-slices of at most size elements,
// preserving order. The last chunk may be shorter. A nil or empty list
// returns an empty (non-nil) result so callers can range over it safely.
func Chunk[T any](list []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}

	chunks := make([][]T, 0, (len(list)+size-1)/size)

	for start := 0; start < len(list); start += size {
		end := start + size
		if end > len(list) {
			end = len(list)
		}
		chunks = append(chunks, list[start:end])
	}

	return chunks
}

package main

import "time"

// chunkItems partitions items into batches of at most size, preserving input
// order. Concatenating the result reproduces the input exactly.
func chunkItems[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var batches [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

// dedupeByID drops items whose identifier was already seen, keeping the
// first occurrence. Parallel folder fetches can return the same record twice.
func dedupeByID[T any](items []T, id func(T) string) []T {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, item := range items {
		key := id(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

// deadlineGuard tracks elapsed wall-clock time against a hard per-invocation
// deadline. Pipelines stop starting new batches once the safety margin is
// reached and return partial results instead of being killed mid-batch.
type deadlineGuard struct {
	start    time.Time
	deadline time.Duration
	margin   time.Duration
	now      func() time.Time
}

func newDeadlineGuard(deadline, margin time.Duration, now func() time.Time) *deadlineGuard {
	if now == nil {
		now = time.Now
	}
	return &deadlineGuard{start: now(), deadline: deadline, margin: margin, now: now}
}

func (g *deadlineGuard) elapsed() time.Duration {
	return g.now().Sub(g.start)
}

// mayStart reports whether another batch may begin without risking the
// deadline.
func (g *deadlineGuard) mayStart() bool {
	if g.deadline <= 0 {
		return true
	}
	return g.elapsed() < g.deadline-g.margin
}

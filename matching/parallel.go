package matching

import (
	"runtime"
	"sync"

	"crymatch/ticket"
)

// FindCandidatesParallel is the thread-safe variant of FindCandidates,
// activated by Run when the pool span reaches MinForParallel. The outer
// index range is partitioned across a fixed
// worker pool; each worker uses View.AddCandidate's locked path since
// multiple goroutines may target the same owner view concurrently.
func FindCandidatesParallel(views []*ticket.View, candidatesSize int, prioritySpan float64, usagePruning bool) {
	n := len(views)
	if n == 0 {
		return
	}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	noiseMax := noiseRange(prioritySpan)
	usageThreshold := int32(candidatesSize * 3)

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= n {
			break
		}
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				a := views[i]
				for j := i + 1; j < n; j++ {
					considerPair(a, views[j], noiseMax, usageThreshold, usagePruning, true)
				}
			}
		}(start, end)
	}
	wg.Wait()
}

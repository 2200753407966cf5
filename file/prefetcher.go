package file

import "sort"

// prefetchHistoryLimit is the default number of explicitly requested
// block indices the Prefetcher remembers, per spec §4.10.
const prefetchHistoryLimit = 16

// prefetchMaxPerStreak bounds how many adjacent blocks a single
// directional streak may schedule.
const prefetchMaxPerStreak = 24

// Prefetcher tracks the most recent explicitly requested block
// indices for one open file and predicts which nearby blocks are
// worth preloading next.
//
// It never evicts loaded blocks and never hashes; it only decides
// which NotLoaded blocks to fetch ahead of an anticipated read.
type Prefetcher struct {
	history []historyEntry
	order   int
	limit   int
}

type historyEntry struct {
	index int
	order int
}

// NewPrefetcher creates a Prefetcher remembering the last limit
// requested indices. limit <= 0 uses the spec default of 16.
func NewPrefetcher(limit int) *Prefetcher {
	if limit <= 0 {
		limit = prefetchHistoryLimit
	}
	return &Prefetcher{limit: limit}
}

// recordAccess appends first..last to the recency history,
// evicting the oldest entries past the configured limit.
func (p *Prefetcher) recordAccess(first, last int) {
	for i := first; i <= last; i++ {
		p.order++
		p.history = append(p.history, historyEntry{index: i, order: p.order})
	}
	if excess := len(p.history) - p.limit; excess > 0 {
		p.history = p.history[excess:]
	}
}

// direction is the streak direction a block of recency-ordered
// accesses suggests.
type direction int

const (
	directionNeither direction = iota
	directionUp
	directionDown
)

// Plan returns the indices the caller should prefetch after touching
// blocks [first, last] out of totalBlocks, given isLoaded to test
// which candidates are already resident. It implements spec §4.10
// steps 1-4; step 5 (launching the loads and transitioning blocks) is
// the caller's responsibility since only it owns the storage handle.
func (p *Prefetcher) Plan(first, last, totalBlocks int, isLoaded func(int) bool) []int {
	p.recordAccess(first, last)

	sorted := append([]historyEntry(nil), p.history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })

	candidates := make(map[int]struct{})
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1].index == sorted[j].index+1 {
			j++
		}
		streak := sorted[i : j+1]
		dir := streakDirection(streak)
		if dir != directionNeither {
			L := len(streak)
			n := 2 * L
			if n > prefetchMaxPerStreak {
				n = prefetchMaxPerStreak
			}
			if dir == directionUp {
				start := streak[len(streak)-1].index + 1
				for k := 0; k < n && start+k < totalBlocks; k++ {
					candidates[start+k] = struct{}{}
				}
			} else {
				start := streak[0].index - 1
				for k := 0; k < n && start-k >= 0; k++ {
					candidates[start-k] = struct{}{}
				}
			}
		}
		i = j + 1
	}

	intended := len(candidates)
	var toLoad []int
	for idx := range candidates {
		if !isLoaded(idx) {
			toLoad = append(toLoad, idx)
		}
	}
	// Amortisation: if most of the intended set is already resident,
	// the batch is not worth the dispatch overhead.
	if intended > 0 && len(toLoad) < (intended+1)/2 {
		return nil
	}
	sort.Ints(toLoad)
	return toLoad
}

// streakDirection partitions a contiguous streak's access orders into
// halves and compares their average recency (a higher order is a more
// recent access): a newer earlier half means the caller is reading
// backward (down); an older earlier half means forward (up).
func streakDirection(streak []historyEntry) direction {
	if len(streak) < 2 {
		return directionNeither
	}
	mid := len(streak) / 2
	earlier, later := streak[:mid], streak[mid:]

	var earlierSum, laterSum int
	for _, e := range earlier {
		earlierSum += e.order
	}
	for _, e := range later {
		laterSum += e.order
	}
	earlierAvg := float64(earlierSum) / float64(len(earlier))
	laterAvg := float64(laterSum) / float64(len(later))

	switch {
	case earlierAvg > laterAvg:
		return directionDown
	case earlierAvg < laterAvg:
		return directionUp
	default:
		return directionNeither
	}
}

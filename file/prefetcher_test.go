package file

import "testing"

func allLoaded(loaded map[int]bool) func(int) bool {
	return func(i int) bool { return loaded[i] }
}

func TestPrefetcherPlansForwardStreak(t *testing.T) {
	p := NewPrefetcher(16)
	loaded := map[int]bool{}

	p.Plan(0, 0, 100, allLoaded(loaded))
	p.Plan(1, 1, 100, allLoaded(loaded))
	toLoad := p.Plan(2, 2, 100, allLoaded(loaded))

	if len(toLoad) == 0 {
		t.Fatal("a clear forward streak should schedule at least one block ahead")
	}
	for _, idx := range toLoad {
		if idx <= 2 {
			t.Fatalf("forward streak scheduled a block (%d) at or behind the current position", idx)
		}
	}
}

func TestPrefetcherPlansBackwardStreak(t *testing.T) {
	p := NewPrefetcher(16)
	loaded := map[int]bool{}

	p.Plan(10, 10, 100, allLoaded(loaded))
	p.Plan(9, 9, 100, allLoaded(loaded))
	toLoad := p.Plan(8, 8, 100, allLoaded(loaded))

	if len(toLoad) == 0 {
		t.Fatal("a clear backward streak should schedule at least one block behind")
	}
	for _, idx := range toLoad {
		if idx >= 8 {
			t.Fatalf("backward streak scheduled a block (%d) at or ahead of the current position", idx)
		}
	}
}

func TestPrefetcherSkipsWhenMostlyResident(t *testing.T) {
	p := NewPrefetcher(16)
	loaded := map[int]bool{}
	p.Plan(0, 0, 100, allLoaded(loaded))
	p.Plan(1, 1, 100, allLoaded(loaded))

	// Mark every plausible forward candidate already loaded before the
	// next access, so the amortisation rule should suppress the batch.
	for i := 2; i < 40; i++ {
		loaded[i] = true
	}
	toLoad := p.Plan(2, 2, 100, allLoaded(loaded))
	if len(toLoad) != 0 {
		t.Fatalf("expected no prefetch once candidates are already resident, got %v", toLoad)
	}
}

func TestPrefetcherNeverExceedsTotalBlocks(t *testing.T) {
	p := NewPrefetcher(16)
	loaded := map[int]bool{}
	p.Plan(0, 0, 5, allLoaded(loaded))
	toLoad := p.Plan(1, 1, 5, allLoaded(loaded))
	for _, idx := range toLoad {
		if idx < 0 || idx >= 5 {
			t.Fatalf("prefetch candidate %d out of bounds [0,5)", idx)
		}
	}
}

package memory

import (
	"hash/fnv"
	"slices"
	"sync"
)

const lockStripes = 256

// lockTable serializes mutations per record id. Ids hash onto a fixed set of
// stripes, so unrelated ids rarely contend and memory stays bounded.
type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

func stripeOf(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

// lock acquires the stripes covering ids in ascending stripe order, so two
// callers locking overlapping sets can't deadlock. The returned func releases them.
func (t *lockTable) lock(ids ...string) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		idx = append(idx, stripeOf(id))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		t.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			t.stripes[idx[j]].Unlock()
		}
	}
}

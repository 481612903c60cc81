package coordinator

import (
	"hash/fnv"
	"sync"
)

// stripedLock serializes work per key without allocating one mutex per
// key. Keys hash onto a fixed set of stripes; two keys landing on the
// same stripe share a mutex, which over-serializes but never under-
// serializes.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 64
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for key and returns it for unlocking
func (l *stripedLock) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))

	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu
}

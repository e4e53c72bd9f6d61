package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads keys over a fixed number of partitions so wide
// index tables never pile every row into a single partition.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Bucket returns a stable bucket for key in [0, Buckets()).
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

// RecordBucket buckets a throttle record by its scope and identity.
func (bm *BucketingManager) RecordBucket(scope, identity string) int {
	return bm.Bucket(scope + ":" + identity)
}

// Buckets returns every bucket id, in order.
func (bm *BucketingManager) Buckets() []int {
	ids := make([]int, bm.buckets)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (bm *BucketingManager) Count() int {
	return bm.buckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

package bucketing

import (
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys onto a fixed number of buckets. Session and
// threat tables use it to pick a lock stripe; audit sinks use it to
// partition archived events.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

type BucketAssignment struct {
	Bucket     int    `json:"bucket"`
	TimeBucket int64  `json:"time_bucket"`
	DateBucket string `json:"date_bucket"`
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets < 1 {
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

// Buckets returns the number of buckets
func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

// Bucket returns a stable bucket in [0, Buckets())
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

// TimeBucket truncates t to a window of windowSeconds
func TimeBucket(t time.Time, windowSeconds int) int64 {
	if windowSeconds <= 0 {
		return t.Unix()
	}
	return t.Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC day of t
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Assign returns all bucket assignments for key at time t
func (bm *BucketingManager) Assign(key string, t time.Time) BucketAssignment {
	return BucketAssignment{
		Bucket:     bm.Bucket(key),
		TimeBucket: TimeBucket(t, 300), // 5-minute windows
		DateBucket: DateBucket(t),
	}
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (bm *BucketingManager) String() string {
	return fmt.Sprintf("murmur3/%d", bm.buckets)
}

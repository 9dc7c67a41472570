package bucketing

import (
	"hash"
	"sync"
	"time"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads partition keys: users over user buckets, audit events over event buckets.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return newManager(cfg.Bucketing.UserBuckets, cfg.Bucketing.EventBuckets)
}

func newManager(userBuckets, eventBuckets int) *BucketingManager {
	if userBuckets <= 0 {
		userBuckets = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{
		userBuckets:  userBuckets,
		eventBuckets: eventBuckets,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetUserBucket returns a stable bucket in [0, userBuckets).
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// GetEventBucket returns a stable bucket in [0, eventBuckets).
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC calendar date of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetHourBucket truncates t to the start of its UTC hour.
func (bm *BucketingManager) GetHourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

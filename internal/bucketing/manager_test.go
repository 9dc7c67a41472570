package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetUserBucket_StableAndInRange(t *testing.T) {
	bm := newManager(16, 4)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("user-%d", i)
		b := bm.GetUserBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.GetUserBucket(id))
	}
}

func TestGetEventBucket_Spreads(t *testing.T) {
	bm := newManager(16, 8)
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[bm.GetEventBucket(fmt.Sprintf("evt-%d", i))] = true
	}
	assert.Len(t, seen, 8)
}

func TestTimeBuckets(t *testing.T) {
	bm := newManager(1, 1)
	ist := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2025, 3, 1, 2, 15, 0, 0, ist) // 2025-02-28 20:45 UTC

	assert.Equal(t, "2025-02-28", bm.GetDateBucket(ts))
	assert.Equal(t, time.Date(2025, 2, 28, 20, 0, 0, 0, time.UTC), bm.GetHourBucket(ts))
}

func TestNonPositiveBucketsClamp(t *testing.T) {
	bm := newManager(0, -1)
	assert.Equal(t, 0, bm.GetUserBucket("x"))
	assert.Equal(t, 1, bm.GetEventBuckets())
}

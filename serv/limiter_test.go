package serv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestLimiterPool(t *testing.T) {
	// one token, no refill to speak of within the test window
	p := newLimiterPool(rate.Limit(0.001), 1)

	assert.True(t, p.allow("10.0.0.1"))
	assert.False(t, p.allow("10.0.0.1"))

	// buckets are per key
	assert.True(t, p.allow("10.0.0.2"))
}

func TestLimiterPoolBucketFloor(t *testing.T) {
	p := newLimiterPool(rate.Limit(1), 0)
	assert.Equal(t, 1, p.bucket)
	assert.True(t, p.allow("k"))
}

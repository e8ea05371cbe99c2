package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketAllowsBurstThenLimits(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	b := newTokenBucket(10, clk)

	for i := 0; i < 10; i++ {
		assert.True(t, b.Allow(), "burst token %d should be allowed", i)
	}
	assert.False(t, b.Allow(), "11th immediate request should be rate limited")

	now = now.Add(200 * time.Millisecond) // 2 tokens at 10/s
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

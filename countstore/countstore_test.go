package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cs := NewMemCountStore()
	now := time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC)

	c, err := cs.GetCount(ctx, "fail", "-100", PeriodDay, now)
	assert.NoError(err)
	assert.Equal(0, c)

	assert.NoError(cs.Increment(ctx, "fail", "-100", now))
	assert.NoError(cs.Increment(ctx, "fail", "-100", now.Add(2*time.Minute)))

	for _, p := range []string{PeriodTotal, PeriodMonth, PeriodDay} {
		c, err = cs.GetCount(ctx, "fail", "-100", p, now)
		assert.NoError(err)
		if p == PeriodTotal {
			assert.Equal(2, c)
		} else {
			assert.Equal(1, c, p)
		}
	}

	c, err = cs.GetCount(ctx, "fail", "-100", PeriodMonth, now.Add(2*time.Minute))
	assert.NoError(err)
	assert.Equal(1, c)
}

func TestMemCountStoreDistinct(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cs := NewMemCountStore()
	now := time.Now()

	assert.NoError(cs.IncrementDistinct(ctx, "failed-users", "-100", "7", now))
	assert.NoError(cs.IncrementDistinct(ctx, "failed-users", "-100", "7", now))
	assert.NoError(cs.IncrementDistinct(ctx, "failed-users", "-100", "8", now))

	c, err := cs.GetCountDistinct(ctx, "failed-users", "-100", PeriodDay, now)
	assert.NoError(err)
	assert.Equal(2, c)
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cs := NewMemCountStore()
	now := time.Now()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cs.Increment(ctx, "succeed", "-100", now)
		}()
	}
	wg.Wait()

	c, err := cs.GetCount(ctx, "succeed", "-100", PeriodTotal, now)
	assert.NoError(err)
	assert.Equal(50, c)
}

package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBulkScanJobCountersConcurrentIncrement(t *testing.T) {
	c := NewBulkScanJobCounters()
	var wg sync.WaitGroup
	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Increment(Success)
			} else {
				c.Increment(Cancelled)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, c.Get(Success))
	assert.Equal(t, n/2, c.Get(Cancelled))
	assert.Equal(t, n, c.TotalDone())

	snap := c.Snapshot()
	sum := 0
	for _, v := range snap {
		sum += v
	}
	assert.Equal(t, c.TotalDone(), sum)
}

func TestBulkScanJobCountersIgnoresNonTerminal(t *testing.T) {
	c := NewBulkScanJobCounters()
	c.Increment(ToBeExecuted)
	assert.Equal(t, 0, c.TotalDone())
}

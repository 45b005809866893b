// ABOUTME: Tests for the envelope admission cache
// ABOUTME: Validates redelivery rejection, TTL expiry, size eviction, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Admit_New(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.True(t, cache.Admit("c1/m1"))
	assert.True(t, cache.Seen("c1/m1"))
}

func TestCache_Admit_Redelivery(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.True(t, cache.Admit("c1/m1"))
	assert.False(t, cache.Admit("c1/m1"))
}

func TestCache_SameIDDifferentChannel(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	// Envelope ids are only unique per channel.
	assert.True(t, cache.Admit("c1/m1"))
	assert.True(t, cache.Admit("c2/m1"))
}

func TestCache_Admit_AfterExpiry(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.True(t, cache.Admit("c1/m1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Seen("c1/m1"))
	assert.True(t, cache.Admit("c1/m1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Admit("k1")
	cache.Admit("k2")
	cache.Admit("k3")
	cache.Admit("k4")

	assert.False(t, cache.Seen("k1"))
	assert.True(t, cache.Seen("k2"))
	assert.True(t, cache.Seen("k4"))
}

func TestCache_ConcurrentAdmit(t *testing.T) {
	cache := New(5*time.Minute, 10000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Admit("contested-key") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one goroutine wins the admission.
	assert.Equal(t, 1, admitted)
}

func TestCache_Close_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_ManyKeys(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	for i := 0; i < 1000; i++ {
		assert.True(t, cache.Admit(fmt.Sprintf("c1/m%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, cache.Seen(fmt.Sprintf("c1/m%d", i)))
	}
}

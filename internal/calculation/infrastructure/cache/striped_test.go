package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripedCachePutGet(t *testing.T) {
	c := NewStripedCache(128, time.Minute)

	c.Put("a", 1, 0)
	c.Put("b", "two", 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "two", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestStripedCacheOverwrite(t *testing.T) {
	c := NewStripedCache(128, time.Minute)

	c.Put("a", 1, 0)
	c.Put("a", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestStripedCacheTTLExpiry(t *testing.T) {
	c := NewStripedCache(128, time.Minute)

	c.Put("a", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)

	// 过期项由淘汰扫描回收
	assert.Equal(t, 1, c.Len())
	c.EvictExpired()
	assert.Equal(t, 0, c.Len())
}

func TestStripedCacheCapacityBound(t *testing.T) {
	c := NewStripedCache(16, time.Minute)

	for i := 0; i < 200; i++ {
		c.Put(fmt.Sprintf("key-%d", i), i, 0)
	}

	// 每个分片独立做 LRU 淘汰，总量不超过容量上界
	assert.LessOrEqual(t, c.Len(), 16)
}

func TestStripedCacheConcurrentAccess(t *testing.T) {
	c := NewStripedCache(128, time.Minute)

	// 同键的并发读写：读路径与 Put 的原地更新必须互斥
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put("hot", i, 0)
				c.Put(fmt.Sprintf("cold-%d", i%32), i, 0)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if v, ok := c.Get("hot"); ok {
					_ = v.(int)
				}
				c.Get(fmt.Sprintf("cold-%d", i%32))
			}
		}()
	}
	wg.Wait()

	v, ok := c.Get("hot")
	require.True(t, ok)
	assert.IsType(t, 0, v)
}

func TestStripedCacheDefaults(t *testing.T) {
	c := NewStripedCache(0, 0)

	assert.Equal(t, 24*time.Hour, c.ttl)

	c.Put("a", 1, 0)
	_, ok := c.Get("a")
	assert.True(t, ok)
}

// Package cache 进程内分片 TTL 缓存，承载行情快照片段
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

const defaultStripes = 16

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

type stripe struct {
	mu      sync.RWMutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
}

// StripedCache 分片缓存。键按哈希落到固定分片，锁粒度为分片而非
// 全表，降低高并发解析时的锁争用。每个分片独立做 LRU 淘汰与
// TTL 过期，容量上界为 maxSize（所有分片合计）。
type StripedCache struct {
	stripes [defaultStripes]*stripe
	ttl     time.Duration
}

// NewStripedCache 创建缓存。maxSize 非正数时回退到 4096，
// ttl 非正数时回退到 24 小时。
func NewStripedCache(maxSize int, ttl time.Duration) *StripedCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	perStripe := maxSize / defaultStripes
	if perStripe < 1 {
		perStripe = 1
	}
	c := &StripedCache{ttl: ttl}
	for i := range c.stripes {
		c.stripes[i] = &stripe{
			items:   make(map[string]*list.Element),
			lru:     list.New(),
			maxSize: perStripe,
		}
	}
	return c
}

func (c *StripedCache) stripeFor(key string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.stripes[h.Sum32()%defaultStripes]
}

// Get 读取未过期的缓存项。过期项视为不存在，由淘汰协程回收。
// 条目字段会被同键 Put 原地更新，读取必须全程持有分片锁。
func (c *StripedCache) Get(key string) (any, bool) {
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		return nil, false
	}
	s.lru.MoveToFront(elem)
	return e.value, true
}

// Put 写入缓存项，ttl 非正数时使用缓存默认 TTL。
// 分片到达容量上界时淘汰最久未使用的项。
func (c *StripedCache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		s.lru.MoveToFront(elem)
		return
	}

	for s.lru.Len() >= s.maxSize {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.items, oldest.Value.(*entry).key)
	}

	s.items[key] = s.lru.PushFront(&entry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// EvictExpired 扫描并删除所有过期项
func (c *StripedCache) EvictExpired() {
	now := time.Now()
	for _, s := range c.stripes {
		s.mu.Lock()
		for elem := s.lru.Back(); elem != nil; {
			prev := elem.Prev()
			e := elem.Value.(*entry)
			if now.After(e.expiresAt) {
				s.lru.Remove(elem)
				delete(s.items, e.key)
			}
			elem = prev
		}
		s.mu.Unlock()
	}
}

// Len 当前缓存项总数
func (c *StripedCache) Len() int {
	n := 0
	for _, s := range c.stripes {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// StartJanitor 启动后台淘汰协程，stop 关闭时退出
func (c *StripedCache) StartJanitor(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.EvictExpired()
			case <-stop:
				return
			}
		}
	}()
}

package ledger

import (
	"math/big"
	"sync"
)

// balanceCache is the bounded process-wide cache of last known committed
// balances. Eviction is generational: entries land in the young generation;
// when it fills, the old generation is dropped wholesale and the young one
// takes its place. A hit in the old generation promotes the entry.
//
// Reads-for-mutation additionally serialize through per-key write locks held
// until transaction end, because the cache itself is not transactional: one
// in-process transaction must not observe a value another is mid-mutation on.
// The whole structure is bypassed in multiserver deployments.
type balanceCache struct {
	mu    sync.Mutex
	limit int
	young map[string]*big.Int
	old   map[string]*big.Int
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newBalanceCache(limit int) *balanceCache {
	if limit < 1 {
		limit = 1
	}
	return &balanceCache{
		limit: limit,
		young: make(map[string]*big.Int),
		old:   make(map[string]*big.Int),
		locks: make(map[string]*keyLock),
	}
}

// lockKey blocks until the per-key write lock is held. Not reentrant; the
// transaction tracks which keys it already holds.
func (c *balanceCache) lockKey(key string) {
	c.mu.Lock()
	kl, ok := c.locks[key]
	if !ok {
		kl = &keyLock{}
		c.locks[key] = kl
	}
	kl.refs++
	c.mu.Unlock()

	kl.mu.Lock()
}

func (c *balanceCache) unlockKey(key string) {
	c.mu.Lock()
	kl, ok := c.locks[key]
	if ok {
		kl.refs--
		if kl.refs == 0 {
			delete(c.locks, key)
		}
	}
	c.mu.Unlock()

	if ok {
		kl.mu.Unlock()
	}
}

func (c *balanceCache) get(key string) (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.young[key]; ok {
		return new(big.Int).Set(v), true
	}
	if v, ok := c.old[key]; ok {
		delete(c.old, key)
		c.storeLocked(key, v)
		return new(big.Int).Set(v), true
	}
	return nil, false
}

func (c *balanceCache) put(key string, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.old, key)
	c.storeLocked(key, new(big.Int).Set(v))
}

func (c *balanceCache) storeLocked(key string, v *big.Int) {
	if _, ok := c.young[key]; !ok && len(c.young) >= c.limit {
		c.old = c.young
		c.young = make(map[string]*big.Int, c.limit)
	}
	c.young[key] = v
}

func (c *balanceCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.young, key)
	delete(c.old, key)
}

func (c *balanceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.young) + len(c.old)
}

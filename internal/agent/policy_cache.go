package agent

import (
	"context"
	"sync"
	"time"
)

// cacheEntry is a per-device cached policy plus its expiry.
type cacheEntry struct {
	policy    DevicePolicy
	expiresAt time.Time
}

// CachedPolicyClient wraps a PolicyClient with a per-device TTL cache and a
// stale-cache fallback, grounded on original_source's
// nanobot/control_plane/client.py ControlPlaneClient/_CacheEntry: a fresh
// fetch refreshes the cache, a fetch error while a (possibly expired) entry
// exists returns that stale entry instead of failing, and only a cache miss
// with no prior entry propagates the error.
type CachedPolicyClient struct {
	inner PolicyClient
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedPolicyClient wraps inner with TTL-bounded caching. A non-positive
// ttl falls back to 30s, matching the original client's default
// cache_ttl_seconds.
func NewCachedPolicyClient(inner PolicyClient, ttl time.Duration) *CachedPolicyClient {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedPolicyClient{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// FetchDevicePolicy returns the cached policy when it is still fresh,
// otherwise refreshes from inner. A refresh error falls back to the last
// known-good entry for the device, however stale, and only errors when no
// entry has ever been cached for it.
func (c *CachedPolicyClient) FetchDevicePolicy(ctx context.Context, deviceID string) (DevicePolicy, error) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[deviceID]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.policy, nil
	}

	policy, err := c.inner.FetchDevicePolicy(ctx, deviceID)
	if err != nil {
		if ok {
			return entry.policy, nil
		}
		return DevicePolicy{}, err
	}

	c.mu.Lock()
	c.entries[deviceID] = cacheEntry{policy: policy, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return policy, nil
}

package store

import (
	"crypto/rsa"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultKeyCacheSize is the number of unsealed private keys LocalStore
// keeps in memory.
const DefaultKeyCacheSize = 16

// KeyCache holds unsealed private keys by object path.
type KeyCache struct {
	keys *lru.Cache[string, *rsa.PrivateKey]
}

// NewKeyCache creates a cache for up to size keys.
func NewKeyCache(size int) (*KeyCache, error) {
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	c, err := lru.New[string, *rsa.PrivateKey](size)
	if err != nil {
		return nil, err
	}
	return &KeyCache{keys: c}, nil
}

// Get returns the key cached for path.
func (c *KeyCache) Get(path string) (*rsa.PrivateKey, bool) {
	return c.keys.Get(path)
}

// Add caches key under path.
func (c *KeyCache) Add(path string, key *rsa.PrivateKey) {
	c.keys.Add(path, key)
}

// Remove drops path.
func (c *KeyCache) Remove(path string) {
	c.keys.Remove(path)
}

// Purge drops every key.
func (c *KeyCache) Purge() {
	c.keys.Purge()
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	return c.keys.Len()
}

// Package cache overlays hot, small collections on top of the SQL
// store using memcached. For meta/global it is a write-through cache;
// for tabs it is the only store, sync clients rewrite their tab list
// constantly and losing it on a cache restart is acceptable.
package cache

import (
	"strconv"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

// Client is the slice of the memcached API the overlay uses.
// *memcache.Client satisfies it; tests plug in an in-memory fake.
type Client interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

// Cache wraps a memcached client with the fault tolerance the
// overlay requires: network and protocol errors on non-authoritative
// data are logged and degrade to a miss or a no-op, they never reach
// the client of the API.
type Cache struct {
	client Client
}

func New(servers []string) *Cache {
	return &Cache{client: memcache.New(servers...)}
}

func NewWithClient(client Client) *Cache {
	return &Cache{client: client}
}

// Get returns the value and whether it was found. Errors count as
// misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	item, err := c.client.Get(key)
	if err != nil {
		if err != memcache.ErrCacheMiss {
			log.WithFields(log.Fields{
				"key": key,
				"err": err.Error(),
			}).Warn("cache get failed")
		}
		return nil, false
	}
	return item.Value, true
}

// GetChecked is Get for cache-authoritative data: a real error is
// distinguished from a miss so callers can surface it.
func (c *Cache) GetChecked(key string) ([]byte, bool, error) {
	item, err := c.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(syncstorage.ErrCacheConnection, err.Error())
	}
	return item.Value, true, nil
}

// Set stores a value, best effort. The error is returned for callers
// writing authoritative data; everyone else can ignore it.
func (c *Cache) Set(key string, value []byte) error {
	err := c.client.Set(&memcache.Item{Key: key, Value: value})
	if err != nil {
		log.WithFields(log.Fields{
			"key": key,
			"err": err.Error(),
		}).Warn("cache set failed")
		return errors.Wrap(syncstorage.ErrCacheConnection, err.Error())
	}
	return nil
}

// Delete removes a key. A miss is not an error.
func (c *Cache) Delete(key string) error {
	err := c.client.Delete(key)
	if err != nil && err != memcache.ErrCacheMiss {
		log.WithFields(log.Fields{
			"key": key,
			"err": err.Error(),
		}).Warn("cache delete failed")
		return errors.Wrap(syncstorage.ErrCacheConnection, err.Error())
	}
	return nil
}

func (c *Cache) GetInt(key string) (int, bool) {
	data, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Cache) SetInt(key string, value int) error {
	return c.Set(key, []byte(strconv.Itoa(value)))
}

// GetString reads a small string value, e.g. the status:<host> node
// control key.
func (c *Cache) GetString(key string) (string, bool) {
	data, ok := c.Get(key)
	if !ok {
		return "", false
	}
	return string(data), true
}

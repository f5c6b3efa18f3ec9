package syncstorage

import (
	"strconv"
	"time"

	"github.com/allegro/bigcache"
	log "github.com/sirupsen/logrus"
)

// nameCache is the per-process cache of the global collection
// name<->id map. Collection ids are assigned once and never change or
// disappear, so entries never need invalidation; bigcache just bounds
// the memory when a node sees millions of custom names.
type nameCache struct {
	cache *bigcache.BigCache
}

func newNameCache() *nameCache {
	config := bigcache.DefaultConfig(24 * time.Hour)
	config.HardMaxCacheSize = 8 // megabytes
	config.MaxEntrySize = 64

	cache, err := bigcache.NewBigCache(config)
	if err != nil {
		log.WithFields(log.Fields{
			"err": err.Error(),
		}).Panic("Could not create collection name cache")
	}

	return &nameCache{cache: cache}
}

func (n *nameCache) GetId(name string) (int, bool) {
	data, err := n.cache.Get("n:" + name)
	if err != nil || len(data) == 0 {
		return 0, false
	}

	id, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	return id, true
}

func (n *nameCache) GetName(id int) (string, bool) {
	data, err := n.cache.Get("i:" + strconv.Itoa(id))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (n *nameCache) Put(name string, id int) {
	idStr := strconv.Itoa(id)
	n.cache.Set("n:"+name, []byte(idStr))
	n.cache.Set("i:"+idStr, []byte(name))
}

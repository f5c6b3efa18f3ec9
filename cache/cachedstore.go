package cache

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

const (
	// meta/global is written once per sync generation and read on
	// every sync, the classic write-through candidate
	metaCollection = "meta"
	metaGlobalId   = "global"

	// tabs never touches SQL, the cache is authoritative
	tabsCollection = "tabs"
)

// memcached key namespaces
func metaKey(uid int) string { return "meta:global:" + strconv.Itoa(uid) }
func tabsKey(uid int) string { return "tabs:" + strconv.Itoa(uid) }
func tabsStamp(uid int) string {
	return "tabs:stamp:" + strconv.Itoa(uid)
}
func tabsItemKey(uid int, id string) string {
	return "tabs:" + strconv.Itoa(uid) + ":" + id
}
func tabsSizeKey(uid int, id string) string {
	return "tabs:size:" + strconv.Itoa(uid) + ":" + id
}
func stampKey(uid int, collection string) string {
	return "collections:stamp:" + strconv.Itoa(uid) + ":" + collection
}

// cachedBSO is the cache-side encoding of a BSO. The wire type's
// custom MarshalJSON drops the ttl, so the cache keeps its own shape.
type cachedBSO struct {
	Id        string `json:"id"`
	Modified  int    `json:"modified"`
	Payload   string `json:"payload"`
	SortIndex int    `json:"sortindex"`
	TTL       int    `json:"ttl"`
}

func toBSO(c cachedBSO) *syncstorage.BSO {
	return &syncstorage.BSO{
		Id:        c.Id,
		Modified:  c.Modified,
		Payload:   c.Payload,
		SortIndex: c.SortIndex,
		TTL:       c.TTL,
	}
}

// CachedStorage decorates a syncstorage.Storage with the memcached
// overlay. It implements syncstorage.Storage itself so the web layer
// can't tell the difference.
type CachedStorage struct {
	store syncstorage.Storage
	cache *Cache

	now func() int
}

func NewCachedStorage(store syncstorage.Storage, cache *Cache) *CachedStorage {
	return &CachedStorage{
		store: store,
		cache: cache,
		now:   syncstorage.Now,
	}
}

func (c *CachedStorage) Ping() error { return c.store.Ping() }

func (c *CachedStorage) LastModified(uid int) (int, error) {
	modified, err := c.store.LastModified(uid)
	if err != nil {
		return 0, err
	}
	if stamp, ok := c.cache.GetInt(tabsStamp(uid)); ok && stamp > modified {
		modified = stamp
	}
	return modified, nil
}

func (c *CachedStorage) GetCollectionTimestamps(uid int) (map[string]int, error) {
	stamps, err := c.store.GetCollectionTimestamps(uid)
	if err != nil {
		return nil, err
	}
	if stamp, ok := c.cache.GetInt(tabsStamp(uid)); ok {
		stamps[tabsCollection] = stamp
	}
	return stamps, nil
}

func (c *CachedStorage) GetCollectionCounts(uid int) (map[string]int, error) {
	counts, err := c.store.GetCollectionCounts(uid)
	if err != nil {
		return nil, err
	}
	if ids := c.liveTabIds(uid); len(ids) > 0 {
		counts[tabsCollection] = len(ids)
	}
	return counts, nil
}

func (c *CachedStorage) GetCollectionUsage(uid int) (map[string]int, error) {
	usage, err := c.store.GetCollectionUsage(uid)
	if err != nil {
		return nil, err
	}
	if size := c.tabsSize(uid); size > 0 {
		usage[tabsCollection] = size
	}
	return usage, nil
}

func (c *CachedStorage) GetStorageSize(uid int) (int, error) {
	size, err := c.store.GetStorageSize(uid)
	if err != nil {
		return 0, err
	}
	return size + c.tabsSize(uid), nil
}

func (c *CachedStorage) GetCollectionTimestamp(uid int, collection string) (int, error) {
	if collection == tabsCollection {
		stamp, ok := c.cache.GetInt(tabsStamp(uid))
		if !ok {
			return 0, syncstorage.ErrNotFound
		}
		return stamp, nil
	}

	// the stamp cache speeds up the conditional-header check that
	// runs before nearly every request
	if stamp, ok := c.cache.GetInt(stampKey(uid, collection)); ok {
		return stamp, nil
	}

	modified, err := c.store.GetCollectionTimestamp(uid, collection)
	if err != nil {
		return 0, err
	}

	c.cache.SetInt(stampKey(uid, collection), modified)
	return modified, nil
}

func (c *CachedStorage) GetBSO(uid int, collection, bId string) (*syncstorage.BSO, error) {
	switch collection {
	case tabsCollection:
		data, found, err := c.cache.GetChecked(tabsItemKey(uid, bId))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, syncstorage.ErrNotFound
		}

		var cached cachedBSO
		if err := json.Unmarshal(data, &cached); err != nil {
			return nil, errors.Wrap(err, "corrupt cached tab")
		}
		if cached.TTL <= c.now()/1000 {
			return nil, syncstorage.ErrNotFound
		}
		return toBSO(cached), nil

	case metaCollection:
		if bId == metaGlobalId {
			if data, ok := c.cache.Get(metaKey(uid)); ok {
				var cached cachedBSO
				if err := json.Unmarshal(data, &cached); err == nil &&
					cached.TTL > c.now()/1000 {
					return toBSO(cached), nil
				}
			}

			// miss falls through to SQL, never the other way around
			b, err := c.store.GetBSO(uid, collection, bId)
			if err != nil {
				return nil, err
			}
			c.setMetaCache(uid, b)
			return b, nil
		}
	}

	return c.store.GetBSO(uid, collection, bId)
}

func (c *CachedStorage) GetBSOs(uid int, collection string, params *syncstorage.GetParams) (*syncstorage.GetResults, error) {
	if collection != tabsCollection {
		return c.store.GetBSOs(uid, collection, params)
	}

	var bsos []*syncstorage.BSO
	for _, id := range c.liveTabIds(uid) {
		data, ok := c.cache.Get(tabsItemKey(uid, id))
		if !ok {
			continue
		}
		var cached cachedBSO
		if err := json.Unmarshal(data, &cached); err != nil {
			continue
		}
		bsos = append(bsos, toBSO(cached))
	}

	return filterInMemory(bsos, params), nil
}

func (c *CachedStorage) PutBSO(uid int, collection, bId string, payload *string, sortIndex, ttl, guard *int) (int, error) {
	switch collection {
	case tabsCollection:
		return c.putTab(uid, bId, payload, sortIndex, ttl, guard)
	case metaCollection:
		modified, err := c.store.PutBSO(uid, collection, bId, payload, sortIndex, ttl, guard)
		if err != nil {
			return 0, err
		}
		c.refreshMetaCache(uid, bId)
		c.cache.SetInt(stampKey(uid, collection), modified)
		return modified, nil
	default:
		modified, err := c.store.PutBSO(uid, collection, bId, payload, sortIndex, ttl, guard)
		if err != nil {
			return 0, err
		}
		c.cache.SetInt(stampKey(uid, collection), modified)
		return modified, nil
	}
}

func (c *CachedStorage) PostBSOs(uid int, collection string, input syncstorage.PostBSOInput, guard *int) (*syncstorage.PostResults, error) {
	if collection == tabsCollection {
		return c.postTabs(uid, input, guard)
	}

	results, err := c.store.PostBSOs(uid, collection, input, guard)
	if err != nil {
		return nil, err
	}

	if collection == metaCollection {
		for _, id := range results.Success {
			c.refreshMetaCache(uid, id)
		}
	}
	c.cache.SetInt(stampKey(uid, collection), results.Modified)
	return results, nil
}

func (c *CachedStorage) DeleteBSO(uid int, collection, bId string, guard *int) (int, error) {
	if collection == tabsCollection {
		if err := c.checkTabsGuard(uid, guard); err != nil {
			return 0, err
		}
		if _, err := c.GetBSO(uid, collection, bId); err != nil {
			return 0, err
		}
		modified := c.nextTabsStamp(uid)
		if err := c.removeTabIds(uid, []string{bId}); err != nil {
			return 0, err
		}
		if err := c.cache.SetInt(tabsStamp(uid), modified); err != nil {
			return 0, err
		}
		return modified, nil
	}

	modified, err := c.store.DeleteBSO(uid, collection, bId, guard)
	if err != nil {
		return 0, err
	}
	c.invalidateAfterDelete(uid, collection, modified)
	return modified, nil
}

func (c *CachedStorage) DeleteBSOs(uid int, collection string, params *syncstorage.GetParams, guard *int) (int, error) {
	if collection == tabsCollection {
		if err := c.checkTabsGuard(uid, guard); err != nil {
			return 0, err
		}
		modified := c.nextTabsStamp(uid)

		victims := params.Ids
		if len(victims) == 0 {
			results, err := c.GetBSOs(uid, collection, params)
			if err != nil {
				return 0, err
			}
			for _, b := range results.BSOs {
				victims = append(victims, b.Id)
			}
		}

		if err := c.removeTabIds(uid, victims); err != nil {
			return 0, err
		}
		if err := c.cache.SetInt(tabsStamp(uid), modified); err != nil {
			return 0, err
		}
		return modified, nil
	}

	modified, err := c.store.DeleteBSOs(uid, collection, params, guard)
	if err != nil {
		return 0, err
	}
	c.invalidateAfterDelete(uid, collection, modified)
	return modified, nil
}

func (c *CachedStorage) DeleteCollection(uid int, collection string, guard *int) (int, error) {
	if collection == tabsCollection {
		if err := c.checkTabsGuard(uid, guard); err != nil {
			return 0, err
		}

		// pick the stamp before the prior one is dropped so it stays
		// strictly above every earlier tabs write
		modified := c.nextTabsStamp(uid)

		for _, id := range c.tabIds(uid) {
			c.cache.Delete(tabsItemKey(uid, id))
			c.cache.Delete(tabsSizeKey(uid, id))
		}
		if err := c.cache.Delete(tabsKey(uid)); err != nil {
			return 0, err
		}
		if err := c.cache.Delete(tabsStamp(uid)); err != nil {
			return 0, err
		}
		return modified, nil
	}

	modified, err := c.store.DeleteCollection(uid, collection, guard)
	if err != nil {
		return 0, err
	}

	if collection == metaCollection {
		c.cache.Delete(metaKey(uid))
	}
	c.cache.Delete(stampKey(uid, collection))
	return modified, nil
}

func (c *CachedStorage) DeleteStorage(uid int) error {
	if err := c.store.DeleteStorage(uid); err != nil {
		return err
	}

	for _, key := range c.iterCacheKeys(uid) {
		c.cache.Delete(key)
	}
	return nil
}

// Batches stage in SQL side tables, which a cache-authoritative
// collection doesn't have. Clients don't batch-upload tabs.
func (c *CachedStorage) CreateBatch(uid int, collection string) (int, error) {
	if collection == tabsCollection {
		return 0, syncstorage.ErrNotImplemented
	}
	return c.store.CreateBatch(uid, collection)
}

func (c *CachedStorage) ValidBatch(uid int, collection string, batchId int) (bool, error) {
	if collection == tabsCollection {
		return false, syncstorage.ErrNotImplemented
	}
	return c.store.ValidBatch(uid, collection, batchId)
}

func (c *CachedStorage) AppendToBatch(uid int, collection string, batchId int, items syncstorage.PostBSOInput) (*syncstorage.PostResults, error) {
	if collection == tabsCollection {
		return nil, syncstorage.ErrNotImplemented
	}
	return c.store.AppendToBatch(uid, collection, batchId, items)
}

func (c *CachedStorage) BatchTotals(uid int, collection string, batchId int) (int, int, error) {
	if collection == tabsCollection {
		return 0, 0, syncstorage.ErrNotImplemented
	}
	return c.store.BatchTotals(uid, collection, batchId)
}

func (c *CachedStorage) CommitBatch(uid int, collection string, batchId int, guard *int) (int, error) {
	if collection == tabsCollection {
		return 0, syncstorage.ErrNotImplemented
	}

	modified, err := c.store.CommitBatch(uid, collection, batchId, guard)
	if err != nil {
		return 0, err
	}

	if collection == metaCollection {
		c.cache.Delete(metaKey(uid))
	}
	c.cache.SetInt(stampKey(uid, collection), modified)
	return modified, nil
}

func (c *CachedStorage) CloseBatch(uid int, collection string, batchId int) error {
	if collection == tabsCollection {
		return syncstorage.ErrNotImplemented
	}
	return c.store.CloseBatch(uid, collection, batchId)
}

func (c *CachedStorage) PurgeExpired(grace, maxItems int) (int, error) {
	return c.store.PurgeExpired(grace, maxItems)
}

func (c *CachedStorage) PurgeBatches(lifetime int) (int, error) {
	return c.store.PurgeBatches(lifetime)
}

// putTab writes one tab BSO entirely into the cache. Any cache error
// here is a real error, there is no other copy of this data.
func (c *CachedStorage) putTab(uid int, bId string, payload *string, sortIndex, ttl, guard *int) (int, error) {
	input := syncstorage.NewPutBSOInput(bId, payload, sortIndex, ttl)
	if _, err := input.Validate(); err != nil {
		return 0, err
	}

	if err := c.checkTabsGuard(uid, guard); err != nil {
		return 0, err
	}

	modified := c.nextTabsStamp(uid)
	if err := c.writeTab(uid, modified, bId, payload, sortIndex, ttl); err != nil {
		return 0, err
	}
	if err := c.cache.SetInt(tabsStamp(uid), modified); err != nil {
		return 0, err
	}
	return modified, nil
}

// writeTab stores one tab body under a caller supplied stamp so a POST
// can give every item the same one
func (c *CachedStorage) writeTab(uid, modified int, bId string, payload *string, sortIndex, ttl *int) error {
	cached := cachedBSO{Id: bId, Modified: modified, TTL: syncstorage.MAX_TTL}
	if data, found, err := c.cache.GetChecked(tabsItemKey(uid, bId)); err != nil {
		return err
	} else if found {
		json.Unmarshal(data, &cached)
		cached.Modified = modified
	}

	if payload != nil {
		cached.Payload = *payload
	}
	if sortIndex != nil {
		cached.SortIndex = *sortIndex
	}
	if ttl != nil {
		cached.TTL = modified/1000 + *ttl
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}

	if err := c.cache.Set(tabsItemKey(uid, bId), data); err != nil {
		return err
	}
	if err := c.cache.SetInt(tabsSizeKey(uid, bId), len(cached.Payload)); err != nil {
		return err
	}
	return c.addTabId(uid, bId)
}

func (c *CachedStorage) postTabs(uid int, input syncstorage.PostBSOInput, guard *int) (*syncstorage.PostResults, error) {
	if err := c.checkTabsGuard(uid, guard); err != nil {
		return nil, err
	}

	modified := c.nextTabsStamp(uid)
	results := syncstorage.NewPostResults(modified)

	for _, b := range input {
		if field, err := b.Validate(); err != nil {
			results.AddFailure(b.Id, "invalid "+field)
			continue
		}
		if err := c.writeTab(uid, modified, b.Id, b.Payload, b.SortIndex, b.TTL); err != nil {
			return nil, err
		}
		results.AddSuccess(b.Id)
	}

	if len(results.Success) == 0 {
		// nothing was written, leave the stamp alone
		prior, _ := c.cache.GetInt(tabsStamp(uid))
		results.Modified = prior
		return results, nil
	}

	// all tabs in the post share one stamp
	if err := c.cache.SetInt(tabsStamp(uid), modified); err != nil {
		return nil, err
	}
	results.Modified = modified
	return results, nil
}

// checkTabsGuard enforces X-If-Unmodified-Since for the cache
// authoritative collection; the SQL store never sees its stamp
func (c *CachedStorage) checkTabsGuard(uid int, guard *int) error {
	if guard == nil {
		return nil
	}
	if stamp, ok := c.cache.GetInt(tabsStamp(uid)); ok && stamp > *guard {
		return syncstorage.ErrPreconditionFailed
	}
	return nil
}

// nextTabsStamp picks the next strictly increasing stamp for the tabs
// collection, same clamp as the SQL store uses
func (c *CachedStorage) nextTabsStamp(uid int) int {
	modified := c.now()
	if prior, ok := c.cache.GetInt(tabsStamp(uid)); ok && modified <= prior {
		modified = prior + 1
	}
	return modified
}

func (c *CachedStorage) tabIds(uid int) []string {
	data, ok := c.cache.Get(tabsKey(uid))
	if !ok {
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

// liveTabIds filters out ids whose cached body is expired or gone
func (c *CachedStorage) liveTabIds(uid int) []string {
	cutoff := c.now() / 1000
	var live []string
	for _, id := range c.tabIds(uid) {
		data, ok := c.cache.Get(tabsItemKey(uid, id))
		if !ok {
			continue
		}
		var cached cachedBSO
		if err := json.Unmarshal(data, &cached); err != nil || cached.TTL <= cutoff {
			continue
		}
		live = append(live, id)
	}
	return live
}

func (c *CachedStorage) addTabId(uid int, bId string) error {
	ids := c.tabIds(uid)
	for _, id := range ids {
		if id == bId {
			return nil
		}
	}

	data, err := json.Marshal(append(ids, bId))
	if err != nil {
		return err
	}
	return c.cache.Set(tabsKey(uid), data)
}

func (c *CachedStorage) removeTabIds(uid int, victims []string) error {
	drop := make(map[string]bool, len(victims))
	for _, id := range victims {
		drop[id] = true
		c.cache.Delete(tabsItemKey(uid, id))
		c.cache.Delete(tabsSizeKey(uid, id))
	}

	kept := make([]string, 0)
	for _, id := range c.tabIds(uid) {
		if !drop[id] {
			kept = append(kept, id)
		}
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return c.cache.Set(tabsKey(uid), data)
}

func (c *CachedStorage) tabsSize(uid int) int {
	total := 0
	for _, id := range c.liveTabIds(uid) {
		if size, ok := c.cache.GetInt(tabsSizeKey(uid, id)); ok {
			total += size
		}
	}
	return total
}

func (c *CachedStorage) setMetaCache(uid int, b *syncstorage.BSO) {
	data, err := json.Marshal(cachedBSO{
		Id:        b.Id,
		Modified:  b.Modified,
		Payload:   b.Payload,
		SortIndex: b.SortIndex,
		TTL:       b.TTL,
	})
	if err == nil {
		c.cache.Set(metaKey(uid), data)
	}
}

// refreshMetaCache re-reads meta/global from SQL after a write. If
// the cache can't be refreshed it is invalidated instead; a stale
// entry must never outlive the SQL row that replaced it.
func (c *CachedStorage) refreshMetaCache(uid int, bId string) {
	if bId != metaGlobalId {
		return
	}

	b, err := c.store.GetBSO(uid, metaCollection, metaGlobalId)
	if err != nil {
		c.cache.Delete(metaKey(uid))
		return
	}
	c.setMetaCache(uid, b)
}

func (c *CachedStorage) invalidateAfterDelete(uid int, collection string, modified int) {
	if collection == metaCollection {
		c.cache.Delete(metaKey(uid))
	}
	c.cache.SetInt(stampKey(uid, collection), modified)
}

// iterCacheKeys enumerates every key the overlay may hold for a user
func (c *CachedStorage) iterCacheKeys(uid int) []string {
	keys := []string{
		metaKey(uid),
		tabsKey(uid),
		tabsStamp(uid),
		stampKey(uid, metaCollection),
	}
	for _, id := range c.tabIds(uid) {
		keys = append(keys, tabsItemKey(uid, id), tabsSizeKey(uid, id))
	}
	for _, name := range syncstorage.StandardCollections {
		keys = append(keys, stampKey(uid, name))
	}
	return keys
}

// filterInMemory applies the GetParams filter grammar to an in-memory
// set of BSOs, mirroring what the SQL WHERE clause does
func filterInMemory(bsos []*syncstorage.BSO, params *syncstorage.GetParams) *syncstorage.GetResults {
	filtered := make([]*syncstorage.BSO, 0, len(bsos))

	wanted := make(map[string]bool, len(params.Ids))
	for _, id := range params.Ids {
		wanted[id] = true
	}

	for _, b := range bsos {
		if len(wanted) > 0 && !wanted[b.Id] {
			continue
		}
		if params.Newer > 0 && b.Modified <= params.Newer {
			continue
		}
		if params.Older > 0 && b.Modified >= params.Older {
			continue
		}
		if params.IndexAbove != nil && b.SortIndex <= *params.IndexAbove {
			continue
		}
		if params.IndexBelow != nil && b.SortIndex >= *params.IndexBelow {
			continue
		}
		filtered = append(filtered, b)
	}

	switch params.Sort {
	case syncstorage.SORT_INDEX:
		sort.SliceStable(filtered, func(i, j int) bool {
			if filtered[i].SortIndex != filtered[j].SortIndex {
				return filtered[i].SortIndex > filtered[j].SortIndex
			}
			return filtered[i].Id < filtered[j].Id
		})
	case syncstorage.SORT_OLDEST:
		sort.SliceStable(filtered, func(i, j int) bool {
			if filtered[i].Modified != filtered[j].Modified {
				return filtered[i].Modified < filtered[j].Modified
			}
			return filtered[i].Id < filtered[j].Id
		})
	default:
		sort.SliceStable(filtered, func(i, j int) bool {
			if filtered[i].Modified != filtered[j].Modified {
				return filtered[i].Modified > filtered[j].Modified
			}
			return filtered[i].Id < filtered[j].Id
		})
	}

	limit := params.Limit
	if limit <= 0 || limit > syncstorage.LIMIT_MAX {
		limit = syncstorage.LIMIT_MAX
	}

	offset := 0
	if params.Limit > 0 {
		offset = params.Offset
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}

	results := &syncstorage.GetResults{}
	remaining := filtered[offset:]
	if len(remaining) > limit {
		results.BSOs = remaining[:limit]
		results.More = true
		results.Offset = offset + limit
	} else {
		results.BSOs = remaining
	}

	return results
}

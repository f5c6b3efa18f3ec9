package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

func getTestCachedStore(t *testing.T) (*CachedStorage, *syncstorage.SQLStore, *fakeClient) {
	sqlStore, err := syncstorage.NewSQLStore(syncstorage.Config{
		SqlURI:              "sqlite://:memory:",
		StandardCollections: true,
	})
	if err != nil {
		t.Fatal("could not create test store:", err)
	}

	client := newFakeClient()
	return NewCachedStorage(sqlStore, NewWithClient(client)), sqlStore, client
}

func TestCachedTabsLifecycle(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	modified, err := cached.PutBSO(uid, "tabs", "t0", syncstorage.String("tab payload"), syncstorage.Int(3), nil, nil)
	if !assert.NoError(err) {
		return
	}

	b, err := cached.GetBSO(uid, "tabs", "t0")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("tab payload", b.Payload)
	assert.Equal(3, b.SortIndex)
	assert.Equal(modified, b.Modified)

	// tabs never reach SQL
	_, err = sqlStore.GetBSO(uid, "tabs", "t0")
	assert.Equal(syncstorage.ErrNotFound, err)
	_, err = sqlStore.GetCollectionTimestamp(uid, "tabs")
	assert.Equal(syncstorage.ErrNotFound, err)

	ts, err := cached.GetCollectionTimestamp(uid, "tabs")
	assert.NoError(err)
	assert.Equal(modified, ts)

	// a partial update keeps the payload
	second, err := cached.PutBSO(uid, "tabs", "t0", nil, syncstorage.Int(9), nil, nil)
	if !assert.NoError(err) {
		return
	}
	assert.True(second > modified)

	b, err = cached.GetBSO(uid, "tabs", "t0")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("tab payload", b.Payload)
	assert.Equal(9, b.SortIndex)

	// delete removes it and advances the stamp
	delModified, err := cached.DeleteBSO(uid, "tabs", "t0", nil)
	assert.NoError(err)
	assert.True(delModified > second)

	_, err = cached.GetBSO(uid, "tabs", "t0")
	assert.Equal(syncstorage.ErrNotFound, err)

	_, err = cached.DeleteBSO(uid, "tabs", "t0", nil)
	assert.Equal(syncstorage.ErrNotFound, err)
}

func TestCachedTabsGetBSOs(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	input := syncstorage.PostBSOInput{
		syncstorage.NewPutBSOInput("t0", syncstorage.String("a"), syncstorage.Int(1), nil),
		syncstorage.NewPutBSOInput("t1", syncstorage.String("bb"), syncstorage.Int(2), nil),
		syncstorage.NewPutBSOInput("t2", syncstorage.String("ccc"), syncstorage.Int(3), nil),
	}
	results, err := cached.PostBSOs(uid, "tabs", input, nil)
	if !assert.NoError(err) {
		return
	}
	assert.Len(results.Success, 3)

	all, err := cached.GetBSOs(uid, "tabs", &syncstorage.GetParams{})
	if !assert.NoError(err) {
		return
	}
	assert.Len(all.BSOs, 3)

	// ids filter
	some, err := cached.GetBSOs(uid, "tabs",
		&syncstorage.GetParams{Ids: []string{"t0", "t2"}})
	if !assert.NoError(err) {
		return
	}
	assert.Len(some.BSOs, 2)

	// sortindex order
	above := 1
	some, err = cached.GetBSOs(uid, "tabs",
		&syncstorage.GetParams{IndexAbove: &above, Sort: syncstorage.SORT_INDEX})
	if !assert.NoError(err) {
		return
	}
	if assert.Len(some.BSOs, 2) {
		assert.Equal("t2", some.BSOs[0].Id)
		assert.Equal("t1", some.BSOs[1].Id)
	}

	// DeleteBSOs with ids
	_, err = cached.DeleteBSOs(uid, "tabs",
		&syncstorage.GetParams{Ids: []string{"t0", "t1"}}, nil)
	if !assert.NoError(err) {
		return
	}
	all, err = cached.GetBSOs(uid, "tabs", &syncstorage.GetParams{})
	if !assert.NoError(err) {
		return
	}
	if assert.Len(all.BSOs, 1) {
		assert.Equal("t2", all.BSOs[0].Id)
	}
}

func TestCachedTabsInfoOverlay(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	if _, err := cached.PutBSO(uid, "bookmarks", "b0",
		syncstorage.String("12345"), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	tabsModified, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("1234567890"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	stamps, err := cached.GetCollectionTimestamps(uid)
	if !assert.NoError(err) {
		return
	}
	assert.Len(stamps, 2)
	assert.Equal(tabsModified, stamps["tabs"])

	counts, err := cached.GetCollectionCounts(uid)
	assert.NoError(err)
	assert.Equal(1, counts["tabs"])
	assert.Equal(1, counts["bookmarks"])

	usage, err := cached.GetCollectionUsage(uid)
	assert.NoError(err)
	assert.Equal(10, usage["tabs"])
	assert.Equal(5, usage["bookmarks"])

	size, err := cached.GetStorageSize(uid)
	assert.NoError(err)
	assert.Equal(15, size)

	last, err := cached.LastModified(uid)
	assert.NoError(err)
	assert.Equal(tabsModified, last)
}

func TestCachedTabsBatchesNotImplemented(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	_, err := cached.CreateBatch(uid, "tabs")
	assert.Equal(syncstorage.ErrNotImplemented, err)
	_, err = cached.AppendToBatch(uid, "tabs", 1, nil)
	assert.Equal(syncstorage.ErrNotImplemented, err)
	_, err = cached.CommitBatch(uid, "tabs", 1, nil)
	assert.Equal(syncstorage.ErrNotImplemented, err)
	assert.Equal(syncstorage.ErrNotImplemented, cached.CloseBatch(uid, "tabs", 1))

	// other collections batch as usual
	batchId, err := cached.CreateBatch(uid, "bookmarks")
	assert.NoError(err)
	assert.True(batchId > 0)
}

func TestCachedTabsUnavailableCache(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, client := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	client.failing = true

	// tabs have no SQL fallback so the error surfaces
	_, err := cached.PutBSO(uid, "tabs", "t0", syncstorage.String("a"), nil, nil, nil)
	assert.Error(err)
	_, err = cached.GetBSO(uid, "tabs", "t0")
	assert.Error(err)
	assert.NotEqual(syncstorage.ErrNotFound, err)
}

func TestCachedMetaWriteThrough(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	modified, err := cached.PutBSO(uid, "meta", "global",
		syncstorage.String(`{"syncID":"abcdef"}`), nil, nil, nil)
	if !assert.NoError(err) {
		return
	}

	// the write went through to SQL
	b, err := sqlStore.GetBSO(uid, "meta", "global")
	if !assert.NoError(err) {
		return
	}
	assert.Equal(modified, b.Modified)

	// reads are served from the cache: dropping the SQL row directly
	// doesn't make the cached copy disappear
	if _, err := sqlStore.DeleteBSO(uid, "meta", "global", nil); err != nil {
		t.Fatal(err)
	}
	b, err = cached.GetBSO(uid, "meta", "global")
	if !assert.NoError(err) {
		return
	}
	assert.Equal(`{"syncID":"abcdef"}`, b.Payload)

	// a delete through the overlay invalidates the cache too
	if _, err := cached.PutBSO(uid, "meta", "global",
		syncstorage.String("x"), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.DeleteBSO(uid, "meta", "global", nil); err != nil {
		t.Fatal(err)
	}
	_, err = cached.GetBSO(uid, "meta", "global")
	assert.Equal(syncstorage.ErrNotFound, err)
}

func TestCachedMetaMissFallsThrough(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, client := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	// write directly to SQL, bypassing the overlay
	modified, err := sqlStore.PutBSO(uid, "meta", "global",
		syncstorage.String("from sql"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	b, err := cached.GetBSO(uid, "meta", "global")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("from sql", b.Payload)
	assert.Equal(modified, b.Modified)

	// the miss populated the cache
	_, ok := client.items[metaKey(uid)]
	assert.True(ok)
}

func TestCachedDeleteCollection(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	if _, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("a"), nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	_, err := cached.DeleteCollection(uid, "tabs", nil)
	if !assert.NoError(err) {
		return
	}

	_, err = cached.GetBSO(uid, "tabs", "t0")
	assert.Equal(syncstorage.ErrNotFound, err)
	_, err = cached.GetCollectionTimestamp(uid, "tabs")
	assert.Equal(syncstorage.ErrNotFound, err)
}

func TestCachedDeleteStorage(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, client := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	if _, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("a"), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.PutBSO(uid, "meta", "global",
		syncstorage.String("b"), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.PutBSO(uid, "bookmarks", "b0",
		syncstorage.String("c"), nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	assert.NoError(cached.DeleteStorage(uid))

	_, err := cached.GetBSO(uid, "tabs", "t0")
	assert.Equal(syncstorage.ErrNotFound, err)
	_, err = cached.GetBSO(uid, "meta", "global")
	assert.Equal(syncstorage.ErrNotFound, err)
	_, err = cached.GetBSO(uid, "bookmarks", "b0")
	assert.Equal(syncstorage.ErrNotFound, err)

	// every overlay key for the user is gone
	for key := range client.items {
		t.Error("leftover cache key:", key)
	}
}

func TestCachedStampOverlay(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, client := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	modified, err := cached.PutBSO(uid, "bookmarks", "b0",
		syncstorage.String("a"), nil, nil, nil)
	if !assert.NoError(err) {
		return
	}

	// the write primed the stamp cache
	ts, err := cached.GetCollectionTimestamp(uid, "bookmarks")
	assert.NoError(err)
	assert.Equal(modified, ts)

	// the cached stamp answers even when the backing row is stale
	client.items[stampKey(uid, "bookmarks")] = []byte("99999999999999")
	ts, err = cached.GetCollectionTimestamp(uid, "bookmarks")
	assert.NoError(err)
	assert.Equal(99999999999999, ts)
}

func TestFilterInMemoryPaging(t *testing.T) {
	assert := assert.New(t)

	bsos := []*syncstorage.BSO{
		{Id: "a", Modified: 100, SortIndex: 1},
		{Id: "b", Modified: 200, SortIndex: 2},
		{Id: "c", Modified: 300, SortIndex: 3},
		{Id: "d", Modified: 400, SortIndex: 4},
		{Id: "e", Modified: 500, SortIndex: 5},
	}

	// default sort is newest first
	results := filterInMemory(bsos, &syncstorage.GetParams{Limit: 2})
	if assert.Len(results.BSOs, 2) {
		assert.Equal("e", results.BSOs[0].Id)
		assert.Equal("d", results.BSOs[1].Id)
	}
	assert.True(results.More)
	assert.Equal(2, results.Offset)

	results = filterInMemory(bsos,
		&syncstorage.GetParams{Limit: 2, Offset: 2})
	if assert.Len(results.BSOs, 2) {
		assert.Equal("c", results.BSOs[0].Id)
	}
	assert.True(results.More)

	results = filterInMemory(bsos,
		&syncstorage.GetParams{Limit: 2, Offset: 4})
	assert.Len(results.BSOs, 1)
	assert.False(results.More)

	// newer/older bracket the middle item
	results = filterInMemory(bsos,
		&syncstorage.GetParams{Newer: 200, Older: 400})
	if assert.Len(results.BSOs, 1) {
		assert.Equal("c", results.BSOs[0].Id)
	}

	// offset without a limit is ignored
	results = filterInMemory(bsos, &syncstorage.GetParams{Offset: 3})
	assert.Len(results.BSOs, 5)
}

func TestCachedTabsUnmodifiedGuard(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	modified, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("a"), nil, nil, nil)
	if !assert.NoError(err) {
		return
	}

	// a guard behind the tabs stamp rejects the write
	stale := modified - 1
	_, err = cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("b"), nil, nil, &stale)
	assert.Equal(syncstorage.ErrPreconditionFailed, err)

	b, err := cached.GetBSO(uid, "tabs", "t0")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("a", b.Payload)

	// deletes are guarded the same way
	_, err = cached.DeleteCollection(uid, "tabs", &stale)
	assert.Equal(syncstorage.ErrPreconditionFailed, err)

	// at the current stamp the write goes through
	current := modified
	second, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("b"), nil, nil, &current)
	assert.NoError(err)
	assert.True(second > modified)
}

func TestCachedDeleteCollectionTabsStamp(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	frozen := syncstorage.Now()
	cached.now = func() int { return frozen }

	wrote, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("a"), nil, nil, nil)
	if !assert.NoError(err) {
		return
	}

	// with a frozen clock the delete stamp must still move past the
	// last tabs write
	deleted, err := cached.DeleteCollection(uid, "tabs", nil)
	if !assert.NoError(err) {
		return
	}
	assert.True(deleted > wrote)
}

func TestCachedPostTabsNoneApplied(t *testing.T) {
	assert := assert.New(t)
	cached, sqlStore, _ := getTestCachedStore(t)
	defer sqlStore.Close()

	uid := 1
	prior, err := cached.PutBSO(uid, "tabs", "t0",
		syncstorage.String("a"), nil, nil, nil)
	if !assert.NoError(err) {
		return
	}

	// when no item lands, the reported modified is the stamp the
	// collection already had
	input := syncstorage.PostBSOInput{
		syncstorage.NewPutBSOInput("bad id!", syncstorage.String("x"), nil, nil),
	}
	results, err := cached.PostBSOs(uid, "tabs", input, nil)
	if !assert.NoError(err) {
		return
	}
	assert.Len(results.Success, 0)
	assert.Equal(prior, results.Modified)

	ts, err := cached.GetCollectionTimestamp(uid, "tabs")
	assert.NoError(err)
	assert.Equal(prior, ts)
}

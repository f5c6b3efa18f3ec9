package cache

import (
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

// fakeClient is an in-memory stand-in for memcached. Setting failing
// makes every call return a connection error.
type fakeClient struct {
	items   map[string][]byte
	failing bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string][]byte)}
}

var errFakeDown = errors.New("connection refused")

func (f *fakeClient) Get(key string) (*memcache.Item, error) {
	if f.failing {
		return nil, errFakeDown
	}
	value, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: value}, nil
}

func (f *fakeClient) Set(item *memcache.Item) error {
	if f.failing {
		return errFakeDown
	}
	value := make([]byte, len(item.Value))
	copy(value, item.Value)
	f.items[item.Key] = value
	return nil
}

func (f *fakeClient) Delete(key string) error {
	if f.failing {
		return errFakeDown
	}
	if _, ok := f.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	return nil
}

func TestCacheGetSet(t *testing.T) {
	assert := assert.New(t)
	c := NewWithClient(newFakeClient())

	_, ok := c.Get("missing")
	assert.False(ok)

	assert.NoError(c.Set("k", []byte("v")))
	data, ok := c.Get("k")
	assert.True(ok)
	assert.Equal([]byte("v"), data)

	// deleting a missing key is not an error
	assert.NoError(c.Delete("k"))
	assert.NoError(c.Delete("k"))
}

func TestCacheGetChecked(t *testing.T) {
	assert := assert.New(t)
	client := newFakeClient()
	c := NewWithClient(client)

	// a plain miss is not an error
	_, found, err := c.GetChecked("missing")
	assert.NoError(err)
	assert.False(found)

	assert.NoError(c.Set("k", []byte("v")))
	data, found, err := c.GetChecked("k")
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("v"), data)

	// a connection failure is
	client.failing = true
	_, _, err = c.GetChecked("k")
	assert.Equal(syncstorage.ErrCacheConnection, errors.Cause(err))
}

func TestCacheFailuresDegradeToMisses(t *testing.T) {
	assert := assert.New(t)
	client := newFakeClient()
	c := NewWithClient(client)

	assert.NoError(c.Set("k", []byte("v")))
	client.failing = true

	_, ok := c.Get("k")
	assert.False(ok)
	assert.Error(c.Set("k", []byte("v2")))
	assert.Error(c.Delete("k"))
}

func TestCacheTypedHelpers(t *testing.T) {
	assert := assert.New(t)
	c := NewWithClient(newFakeClient())

	assert.NoError(c.SetInt("n", 42))
	n, ok := c.GetInt("n")
	assert.True(ok)
	assert.Equal(42, n)

	assert.NoError(c.Set("garbage", []byte("not a number")))
	_, ok = c.GetInt("garbage")
	assert.False(ok)

	s, ok := c.GetString("garbage")
	assert.True(ok)
	assert.Equal("not a number", s)
}

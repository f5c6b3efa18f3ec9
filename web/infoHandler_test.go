package web

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

func TestInfoHandlerRoot(t *testing.T) {
	assert := assert.New(t)
	handler := NewInfoHandler(EchoHandler, nil)

	resp := request("GET", "http://synchost/", nil, handler)
	assert.Equal(http.StatusOK, resp.Code)
	assert.Contains(resp.Body.String(), "It Works!")
}

func TestInfoHandlerHeartbeat(t *testing.T) {
	assert := assert.New(t)

	store, err := syncstorage.NewSQLStore(syncstorage.Config{
		SqlURI:              "sqlite://:memory:",
		StandardCollections: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	handler := NewInfoHandler(EchoHandler, store)
	resp := request("GET", "http://synchost/__heartbeat__", nil, handler)
	assert.Equal(http.StatusOK, resp.Code)
	assert.Equal("OK", resp.Body.String())

	// an unreachable database makes the node report unhealthy
	store.Close()
	resp = request("GET", "http://synchost/__heartbeat__", nil, handler)
	assert.Equal(http.StatusServiceUnavailable, resp.Code)
	assert.Equal("database unreachable", resp.Body.String())
}

func TestInfoHandlerPassthrough(t *testing.T) {
	assert := assert.New(t)
	handler := NewInfoHandler(EchoHandler, nil)

	// anything that is not an operational endpoint reaches the chain
	resp := request("GET", "http://synchost/1.5/12345/info/collections", nil, handler)
	assert.Equal(http.StatusOK, resp.Code)
	assert.Equal("ok", resp.Body.String())
}

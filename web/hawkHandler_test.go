package web

import (
	"bytes"
	"crypto/sha256"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mozilla.org/hawk"

	"github.com/mozilla-services/go-syncserver/token"
)

func testtoken(secret string, uid int) token.Token {
	return testtokenexpires(secret, uid, time.Now().Unix()+60)
}

func testtokenexpires(secret string, uid int, expires int64) token.Token {
	payload := token.TokenPayload{
		Uid:     uint64(uid),
		Node:    "http://synchost",
		Expires: float64(expires),
	}

	tok, err := token.NewToken([]byte(secret), payload)
	if err != nil {
		panic(err)
	}
	return tok
}

func hawkrequest(method, urlStr string, tok token.Token) (*http.Request, *hawk.Auth) {
	return hawkrequestbody(method, urlStr, tok, "", nil)
}

func hawkrequestbody(method, urlStr string, tok token.Token, contentType string, body []byte) (*http.Request, *hawk.Auth) {
	var req *http.Request
	var err error

	if body != nil {
		req, err = http.NewRequest(method, urlStr, bytes.NewReader(body))
	} else {
		req, err = http.NewRequest(method, urlStr, nil)
	}
	if err != nil {
		panic(err)
	}

	creds := &hawk.Credentials{
		ID:   tok.Token,
		Key:  tok.DerivedSecret,
		Hash: sha256.New,
	}
	auth := hawk.NewRequestAuth(req, creds, 0)

	if body != nil {
		h := auth.PayloadHash(contentType)
		h.Write(body)
		auth.SetHash(h)
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("Authorization", auth.RequestHeader())
	req.Header.Set("Accept", "application/json")
	return req, auth
}

func newTestHawkChain(t *testing.T, secrets []string, expiredGrace int) *HawkHandler {
	return NewHawkHandler(newTestSyncHandler(t), secrets, expiredGrace)
}

func TestHawkAuthGET(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtoken("sekret", uid)

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusOK, resp.Code, resp.Body.String())
}

func TestHawkMultiSecrets(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"one", "two", "three"}, 0)

	uid := uniqueUID()
	for _, secret := range []string{"one", "two", "three"} {
		tok := testtoken(secret, uid)
		req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
		resp := sendrequest(req, handler)
		assert.Equal(http.StatusOK, resp.Code, "secret: "+secret)
	}
}

func TestHawkMissingAuth(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	// no Authorization header: a 401 makes the client fetch a token
	req, _ := http.NewRequest("GET", syncurl(uniqueUID(), "info/collections"), nil)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
	assert.Equal("Hawk", resp.Header().Get("WWW-Authenticate"))
}

func TestHawkWrongSecret(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtoken("not the server secret", uid)

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
}

func TestHawkUidMismatch(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	tok := testtoken("sekret", uniqueUID())

	// the path uid belongs to someone else
	req, _ := hawkrequest("GET", syncurl(uniqueUID(), "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
}

func TestHawkNodeMismatch(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	payload := token.TokenPayload{
		Uid:     uint64(uid),
		Node:    "https://sync-42.othernode.example.com",
		Expires: float64(time.Now().Unix() + 60),
	}
	tok, err := token.NewToken([]byte("sekret"), payload)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
}

func TestHawkNonceReplay(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtoken("sekret", uid)
	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)

	resp := sendrequest(req, handler)
	assert.Equal(http.StatusOK, resp.Code)

	// the identical Authorization header is a replay; not a 401 since a
	// fresh token would not help
	w := httptest.NewRecorder()
	replay, _ := http.NewRequest("GET", syncurl(uid, "info/collections"), nil)
	replay.Header.Set("Authorization", req.Header.Get("Authorization"))
	replay.Header.Set("Accept", "application/json")
	handler.ServeHTTP(w, replay)
	assert.Equal(http.StatusForbidden, w.Code)
}

func TestHawkExpiredGraceReadOnly(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 3600)

	uid := uniqueUID()
	// expired ten seconds ago, well within the grace window
	tok := testtokenexpires("sekret", uid, time.Now().Unix()-10)

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusOK, resp.Code, "grace window grants reads")

	body := []byte(`{"payload":"x"}`)
	req, _ = hawkrequestbody("PUT", syncurl(uid, "storage/bookmarks/b0"),
		tok, "application/json", body)
	resp = sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code, "grace window refuses writes")
}

func TestHawkExpiredBeyondGrace(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 3600)

	uid := uniqueUID()
	tok := testtokenexpires("sekret", uid, time.Now().Unix()-7200)

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
	assert.Equal("Hawk", resp.Header().Get("WWW-Authenticate"))
}

func TestHawkNoGraceConfigured(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtokenexpires("sekret", uid, time.Now().Unix()-10)

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
}

func TestHawkPayloadHash(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtoken("sekret", uid)

	body := []byte(`{"payload":"hello"}`)
	req, _ := hawkrequestbody("PUT", syncurl(uid, "storage/bookmarks/b0"),
		tok, "application/json", body)
	resp := sendrequest(req, handler)
	if !assert.Equal(http.StatusOK, resp.Code, resp.Body.String()) {
		return
	}

	// the hash in the header no longer matches a tampered body
	req, _ = hawkrequestbody("PUT", syncurl(uid, "storage/bookmarks/b0"),
		tok, "application/json", body)
	req.Body = ioutil.NopCloser(bytes.NewReader([]byte(`{"payload":"evil"}`)))
	req.ContentLength = int64(len(`{"payload":"evil"}`))
	resp = sendrequest(req, handler)
	assert.Equal(http.StatusForbidden, resp.Code)
}

func TestHawkMalformedHeader(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	req, _ := http.NewRequest("GET", syncurl(uniqueUID(), "info/collections"), nil)
	req.Header.Set("Authorization", `Hawk id="zzz`)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusForbidden, resp.Code)
}

func TestNodeMatchesHost(t *testing.T) {
	assert := assert.New(t)

	assert.True(nodeMatchesHost("synchost", "synchost"))
	assert.True(nodeMatchesHost("http://synchost", "synchost"))
	assert.True(nodeMatchesHost("https://sync.example.com", "sync.example.com"))
	assert.True(nodeMatchesHost("https://sync.example.com:443", "sync.example.com:443"))
	assert.True(nodeMatchesHost("https://sync.example.com:443", "sync.example.com"))
	assert.False(nodeMatchesHost("https://other.example.com", "sync.example.com"))
	assert.False(nodeMatchesHost("", "sync.example.com"))
}

func TestHawkTokenUnparseable(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtoken("sekret", uid)
	tok.Token = "dG90YWxseSBub3QgYSB0b2tlbg==" // valid base64, not a token

	req, _ := hawkrequest("GET", syncurl(uid, "info/collections"), tok)
	resp := sendrequest(req, handler)
	assert.Equal(http.StatusUnauthorized, resp.Code)
}

func TestHawkXLastModifiedPassthrough(t *testing.T) {
	assert := assert.New(t)
	handler := newTestHawkChain(t, []string{"sekret"}, 0)

	uid := uniqueUID()
	tok := testtoken("sekret", uid)

	body := []byte(`{"payload":"x"}`)
	req, _ := hawkrequestbody("PUT", syncurl(uid, "storage/bookmarks/b0"),
		tok, "application/json", body)
	resp := sendrequest(req, handler)
	if !assert.Equal(http.StatusOK, resp.Code) {
		return
	}
	modified, err := strconv.Atoi(resp.Header().Get("X-Last-Modified"))
	assert.NoError(err)
	assert.True(modified > 0)
}

package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/go-syncserver/syncstorage"
	"github.com/mozilla-services/go-syncserver/token"
)

func init() {
	switch os.Getenv("TEST_LOG_LEVEL") {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		// tests intentionally provoke a lot of request problems
		log.SetLevel(log.PanicLevel)
	}
}

// EchoHandler is handy for testing the middleware layers in isolation
var EchoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		w.Write([]byte("ok"))
		return
	}
	if _, err := io.Copy(w, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
})

var uidCounter int64 = 10000

// uniqueUID hands out a fresh uid so tests sharing a store never
// collide
func uniqueUID() int {
	return int(atomic.AddInt64(&uidCounter, 1))
}

func syncurl(uid interface{}, path string) string {
	var u string

	switch v := uid.(type) {
	case int:
		u = strconv.Itoa(v)
	case uint64:
		u = strconv.FormatUint(v, 10)
	case string:
		u = v
	default:
		panic("syncurl: uid must be int, uint64 or string")
	}

	return "http://synchost/1.5/" + u + "/" + path
}

func newTestSyncHandler(t *testing.T) *SyncHandler {
	store, err := syncstorage.NewSQLStore(syncstorage.Config{
		SqlURI:              "sqlite://:memory:",
		StandardCollections: true,
	})
	if err != nil {
		t.Fatal("could not create test store:", err)
	}
	return NewSyncHandler(store, DefaultSyncHandlerConfig())
}

func request(method, urlStr string, body io.Reader, handler http.Handler) *httptest.ResponseRecorder {
	return requestheaders(method, urlStr, body, nil, handler)
}

func jsonrequest(method, urlStr string, body io.Reader, handler http.Handler) *httptest.ResponseRecorder {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return requestheaders(method, urlStr, body, header, handler)
}

// requestheaders builds a request with a Session already attached, the
// way the auth layer would have left it
func requestheaders(method, urlStr string, body io.Reader, header http.Header, handler http.Handler) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, body)
	if err != nil {
		panic(err)
	}
	if header != nil {
		req.Header = header
	}

	uid, _ := strconv.ParseUint(extractUID(req.URL.Path), 10, 64)
	session := &Session{Token: token.TokenPayload{Uid: uid}}
	req = req.WithContext(NewSessionContext(req.Context(), session))

	return sendrequest(req, handler)
}

func sendrequest(req *http.Request, handler http.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	if handler == nil {
		panic("sendrequest: nil handler")
	}
	handler.ServeHTTP(w, req)
	return w
}

package web

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mozilla-services/go-syncserver/cache"
	"github.com/mozilla-services/go-syncserver/syncstorage"
)

// NodeStatusConfig controls the per-node request policy layer
type NodeStatusConfig struct {
	// read status:<hostname> from memcache before dispatching
	CheckNodeStatus bool
	Hostname        string

	// base Retry-After seconds on 503 responses; a 0..5s fuzz is
	// added so client retries don't synchronize
	RetryAfter int
}

// NodeStatusHandler is the outermost policy layer of the request
// chain: it rejects HEAD, fills in a default Accept, consults the
// node's memcache status flag, and stamps X-Timestamp and Retry-After
// on everything going out.
type NodeStatusHandler struct {
	handler http.Handler
	cache   *cache.Cache
	config  NodeStatusConfig
}

func NewNodeStatusHandler(handler http.Handler, c *cache.Cache, config NodeStatusConfig) *NodeStatusHandler {
	if config.RetryAfter == 0 {
		config.RetryAfter = 1800
	}
	return &NodeStatusHandler{
		handler: handler,
		cache:   c,
		config:  config,
	}
}

func (h *NodeStatusHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sw := &stampWriter{w: w, retryAfter: h.config.RetryAfter}

	if req.Method == "HEAD" {
		logRequestProblem(req, http.StatusBadRequest, errors.New("HEAD not supported"))
		WeaveError(sw, WEAVE_ILLEGAL_METH, http.StatusBadRequest)
		return
	}

	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, */*;q=0.9")
	}

	if h.config.CheckNodeStatus && h.cache != nil {
		status, ok := h.cache.GetString("status:" + h.config.Hostname)
		if ok {
			switch {
			case status == "down":
				sendRequestProblem(sw, req, http.StatusServiceUnavailable,
					errors.New("database marked as down"))
				return
			case status == "draining":
				sendRequestProblem(sw, req, http.StatusServiceUnavailable,
					errors.New("node reassignment"))
				return
			case status == "unhealthy":
				sendRequestProblem(sw, req, http.StatusServiceUnavailable,
					errors.New("database is not healthy"))
				return
			case status == "backoff" || strings.HasPrefix(status, "backoff:"):
				backoff := strconv.Itoa(h.config.RetryAfter)
				if i := strings.IndexByte(status, ':'); i >= 0 {
					backoff = status[i+1:]
				}
				sw.Header().Set("X-Backoff", backoff)
			}
		}
	}

	h.handler.ServeHTTP(sw, req)
	sw.finish()
}

// stampWriter wraps the ResponseWriter to add X-Timestamp on every
// response and a fuzzed Retry-After on 503s. X-Timestamp must never be
// behind X-Last-Modified or clients see time run backwards.
type stampWriter struct {
	w          http.ResponseWriter
	retryAfter int
	wrote      bool
}

func (s *stampWriter) Header() http.Header { return s.w.Header() }

func (s *stampWriter) Write(b []byte) (int, error) {
	if !s.wrote {
		s.stamp(http.StatusOK)
	}
	return s.w.Write(b)
}

func (s *stampWriter) WriteHeader(code int) {
	if s.wrote {
		return
	}
	s.stamp(code)
	s.w.WriteHeader(code)
}

// finish covers handlers that never wrote anything (204 style)
func (s *stampWriter) finish() {
	if !s.wrote {
		s.stamp(http.StatusOK)
	}
}

func (s *stampWriter) stamp(code int) {
	s.wrote = true

	ts := syncstorage.Now()
	if lm := s.w.Header().Get("X-Last-Modified"); lm != "" {
		if modified, err := strconv.Atoi(lm); err == nil && modified > ts {
			ts = modified
		}
	}
	s.w.Header().Set("X-Timestamp", strconv.Itoa(ts))

	if code == http.StatusServiceUnavailable {
		s.w.Header().Set("Retry-After", strconv.Itoa(s.retryAfter+rand.Intn(6)))
	}
}

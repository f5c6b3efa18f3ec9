package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

const (
	// maximum ids in a single request (POST bodies, ?ids= lists)
	BATCH_MAX_IDS = 100

	// default maximum number of BSOs per GET request
	MAX_BSO_GET_LIMIT = 2500
)

// SyncHandlerConfig carries the server limits. They are enforced on
// uploads and advertised verbatim through info/configuration.
type SyncHandlerConfig struct {
	MaxPOSTRecords        int `json:"max_post_records"`
	MaxPOSTBytes          int `json:"max_post_bytes"`
	MaxTotalRecords       int `json:"max_total_records"`
	MaxTotalBytes         int `json:"max_total_bytes"`
	MaxRecordPayloadBytes int `json:"max_record_payload_bytes"`
	MaxRequestBytes       int `json:"max_request_bytes"`

	MaxBSOGetLimit int `json:"-"`

	UseQuota  bool `json:"-"`
	QuotaSize int  `json:"-"` // KB
}

func DefaultSyncHandlerConfig() SyncHandlerConfig {
	return SyncHandlerConfig{
		MaxPOSTRecords:        BATCH_MAX_IDS,
		MaxPOSTBytes:          2 * 1024 * 1024,
		MaxTotalRecords:       10000,
		MaxTotalBytes:         100 * 1024 * 1024,
		MaxRecordPayloadBytes: syncstorage.MAX_BSO_PAYLOAD_SIZE,
		MaxRequestBytes:       3 * 1024 * 1024,
		MaxBSOGetLimit:        MAX_BSO_GET_LIMIT,
	}
}

// SyncHandler provides all the sync 1.5 API routes. One instance
// serves every user; the uid comes from the (already authenticated)
// request path.
type SyncHandler struct {
	router *mux.Router
	store  syncstorage.Storage
	config SyncHandlerConfig
}

func NewSyncHandler(store syncstorage.Storage, config SyncHandlerConfig) *SyncHandler {

	// https://docs.services.mozilla.com/storage/apis-1.5.html
	r := mux.NewRouter()

	server := &SyncHandler{
		router: r,
		store:  store,
		config: config,
	}

	// top level deletions for the user and their storage
	// Note: not part of the sub-routers since they don't end with a `/`
	r.HandleFunc("/1.5/{uid:[0-9]+}", server.hDeleteEverything).Methods("DELETE")
	r.HandleFunc("/1.5/{uid:[0-9]+}/storage", server.hDeleteEverything).Methods("DELETE")

	v := r.PathPrefix("/1.5/{uid:[0-9]+}/").Subrouter()

	info := v.PathPrefix("/info/").Subrouter()
	info.HandleFunc("/collections", server.hInfoCollections).Methods("GET")
	info.HandleFunc("/collection_usage", server.hInfoCollectionUsage).Methods("GET")
	info.HandleFunc("/collection_counts", server.hInfoCollectionCounts).Methods("GET")
	info.HandleFunc("/configuration", server.hInfoConfiguration).Methods("GET")
	info.HandleFunc("/quota", server.hInfoQuota).Methods("GET")

	storage := v.PathPrefix("/storage/").Subrouter()

	storage.HandleFunc("/{collection}", server.hCollectionGET).Methods("GET")
	storage.HandleFunc("/{collection}", server.hCollectionPOST).Methods("POST")
	storage.HandleFunc("/{collection}", server.hCollectionDELETE).Methods("DELETE")
	storage.HandleFunc("/{collection}/{bsoId}", server.hBsoGET).Methods("GET")
	storage.HandleFunc("/{collection}/{bsoId}", server.hBsoPUT).Methods("PUT")
	storage.HandleFunc("/{collection}/{bsoId}", server.hBsoDELETE).Methods("DELETE")

	return server
}

func (s *SyncHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// tokens accepted under the expiry grace window are read-only
	if req.Method != "GET" {
		if session, ok := SessionFromContext(req.Context()); ok && session.ReadOnly {
			sendRequestProblem(w, req, http.StatusUnauthorized,
				errors.New("Expired token can only read"))
			return
		}
	}

	if s.config.MaxRequestBytes > 0 && req.Body != nil {
		req.Body = http.MaxBytesReader(w, req.Body, int64(s.config.MaxRequestBytes))
	}

	s.router.ServeHTTP(w, req)
}

// uid extracts the numeric user id from the request path. The auth
// layer has already verified it matches the token.
func (s *SyncHandler) uid(r *http.Request) int {
	uid, _ := strconv.Atoi(mux.Vars(r)["uid"])
	return uid
}

// collection extracts and validates the collection name
func (s *SyncHandler) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	collection := mux.Vars(r)["collection"]
	if !syncstorage.CollectionNameOk(collection) {
		sendRequestProblem(w, r, http.StatusBadRequest,
			errors.New("Invalid collection name"))
		return "", false
	}
	return collection, true
}

// collectionTimestamp fetches the collection's last modified value for
// the conditional header checks. A collection that does not exist yet
// has timestamp zero.
func (s *SyncHandler) collectionTimestamp(uid int, collection string) (int, error) {
	modified, err := s.store.GetCollectionTimestamp(uid, collection)
	if err == syncstorage.ErrNotFound {
		return 0, nil
	}
	return modified, err
}

func (s *SyncHandler) hInfoCollections(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)

	info, err := s.store.GetCollectionTimestamps(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	modified := 0
	for _, modtime := range info {
		if modtime > modified {
			modified = modtime
		}
	}

	if sentNotModified(w, r, modified) {
		return
	}

	// body timestamps are two decimal seconds
	body := make(map[string]json.RawMessage, len(info))
	for name, modtime := range info {
		body[name] = json.RawMessage(syncstorage.ModifiedToString(modtime))
	}

	setXLastModified(w, modified)
	JsonNewline(w, r, body)
}

func (s *SyncHandler) hInfoCollectionUsage(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)

	modified, err := s.store.LastModified(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, modified) {
		return
	}

	results, err := s.store.GetCollectionUsage(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	// the sync 1.5 api says data should be in KB
	resultsKB := make(map[string]float64, len(results))
	for name, bytes := range results {
		resultsKB[name] = float64(bytes) / 1024
	}

	setXLastModified(w, modified)
	JsonNewline(w, r, resultsKB)
}

func (s *SyncHandler) hInfoCollectionCounts(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)

	results, err := s.store.GetCollectionCounts(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	modified, err := s.store.LastModified(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, modified) {
		return
	}

	setXLastModified(w, modified)
	JsonNewline(w, r, results)
}

func (s *SyncHandler) hInfoConfiguration(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	JSON(w, r, s.config)
}

func (s *SyncHandler) hInfoQuota(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)

	used, err := s.store.GetStorageSize(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	modified, err := s.store.LastModified(uid)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, modified) {
		return
	}

	setXLastModified(w, modified)

	usedKB := float64(used) / 1024
	quota := []*float64{&usedKB, nil}
	if s.config.UseQuota {
		quotaKB := float64(s.config.QuotaSize)
		quota[1] = &quotaKB
	}
	JsonNewline(w, r, quota)
}

// parseGetParams turns the collection query parameters into
// syncstorage.GetParams. It writes the error response itself and
// reports ok=false when parameters are invalid.
func (s *SyncHandler) parseGetParams(w http.ResponseWriter, r *http.Request) (params syncstorage.GetParams, full bool, ok bool) {
	params.Sort = syncstorage.SORT_NEWEST

	if err := r.ParseForm(); err != nil {
		sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Bad query parameters"))
		return params, false, false
	}

	if v := r.Form.Get("ids"); v != "" {
		params.Ids = strings.Split(v, ",")

		if len(params.Ids) > BATCH_MAX_IDS {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Exceeded max batch size"))
			return params, false, false
		}

		for i, id := range params.Ids {
			id = strings.TrimSpace(id)
			if !syncstorage.BSOIdOk(id) {
				sendRequestProblem(w, r, http.StatusBadRequest,
					errors.Errorf("Invalid bso id %s", id))
				return params, false, false
			}
			params.Ids[i] = id
		}
	}

	// newer and older arrive as two decimal second timestamps
	if v := r.Form.Get("newer"); v != "" {
		newer, err := ConvertTimestamp(v)
		if err != nil || !syncstorage.NewerOk(newer) {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid newer value"))
			return params, false, false
		}
		params.Newer = newer
	}

	if v := r.Form.Get("older"); v != "" {
		older, err := ConvertTimestamp(v)
		if err != nil || older < 0 {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid older value"))
			return params, false, false
		}
		params.Older = older
	}

	if v := r.Form.Get("index_above"); v != "" {
		above, err := strconv.Atoi(v)
		if err != nil || !syncstorage.SortIndexOk(above) {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid index_above value"))
			return params, false, false
		}
		params.IndexAbove = &above
	}

	if v := r.Form.Get("index_below"); v != "" {
		below, err := strconv.Atoi(v)
		if err != nil || !syncstorage.SortIndexOk(below) {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid index_below value"))
			return params, false, false
		}
		params.IndexBelow = &below
	}

	if v := r.Form.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || !syncstorage.LimitOk(limit) {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid limit value"))
			return params, false, false
		}
		params.Limit = limit
	}

	// assign a default value for limit if nothing is supplied
	if params.Limit == 0 || (s.config.MaxBSOGetLimit > 0 && params.Limit > s.config.MaxBSOGetLimit) {
		if s.config.MaxBSOGetLimit > 0 {
			params.Limit = s.config.MaxBSOGetLimit
		} else {
			params.Limit = MAX_BSO_GET_LIMIT
		}
	}

	if v := r.Form.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || !syncstorage.OffsetOk(offset) {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid offset value"))
			return params, false, false
		}
		params.Offset = offset
	}

	if v := r.Form.Get("sort"); v != "" {
		switch v {
		case "newest":
			params.Sort = syncstorage.SORT_NEWEST
		case "oldest":
			params.Sort = syncstorage.SORT_OLDEST
		case "index":
			params.Sort = syncstorage.SORT_INDEX
		default:
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid sort value"))
			return params, false, false
		}
	}

	full = r.Form.Get("full") != ""
	return params, full, true
}

func (s *SyncHandler) hCollectionGET(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)
	collection, ok := s.collection(w, r)
	if !ok {
		return
	}

	params, full, ok := s.parseGetParams(w, r)
	if !ok {
		return
	}

	cmodified, err := s.store.GetCollectionTimestamp(uid, collection)
	if err == syncstorage.ErrNotFound {
		// a collection that never existed has timestamp zero, the
		// conditional headers still apply to it
		if sentNotModified(w, r, 0) {
			return
		}
		w.Header().Set("X-Weave-Records", "0")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
		return
	} else if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, cmodified) {
		return
	}

	results, err := s.store.GetBSOs(uid, collection, &params)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	setXLastModified(w, cmodified)
	w.Header().Set("X-Weave-Records", strconv.Itoa(len(results.BSOs)))
	if results.More {
		w.Header().Set("X-Weave-Next-Offset", strconv.Itoa(results.Offset))
	}

	if full {
		JsonNewline(w, r, results.BSOs)
	} else {
		bsoIds := make([]string, len(results.BSOs))
		for i, b := range results.BSOs {
			bsoIds[i] = b.Id
		}
		JsonNewline(w, r, bsoIds)
	}
}

// readPostBSOs decodes the request body into raw BSO inputs. Parse
// failures of individual objects land in results; a failure to parse
// the body at all writes the weave malformed-json error and returns
// nil.
func (s *SyncHandler) readPostBSOs(w http.ResponseWriter, r *http.Request, results *syncstorage.PostResults) syncstorage.PostBSOInput {
	// accept text/plain from old (broken) clients
	ct := getMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" && ct != "text/plain" && ct != "application/newlines" {
		sendRequestProblem(w, r, http.StatusUnsupportedMediaType,
			errors.Errorf("Not acceptable Content-Type: %s", ct))
		return nil
	}

	var raw []json.RawMessage

	if ct == "application/newlines" {
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 64*1024), s.config.MaxRecordPayloadBytes+64*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			raw = append(raw, line)
		}
	} else {
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&raw); err != nil {
			WeaveError(w, WEAVE_MALFORMED_JSON, http.StatusBadRequest)
			return nil
		}
	}

	bsos := syncstorage.PostBSOInput{}
	for _, rawJSON := range raw {
		// ignore empty whitespace lines from application/newlines
		if len(strings.TrimSpace(string(rawJSON))) == 0 {
			continue
		}

		var b syncstorage.PutBSOInput
		if err := parseIntoBSO(rawJSON, &b); err != nil {
			if err.field == "-" { // json error, not an object
				WeaveError(w, WEAVE_MALFORMED_JSON, http.StatusBadRequest)
				return nil
			}
			results.AddFailure(err.bId, fmt.Sprintf("invalid %s", err.field))
			continue
		}
		bsos = append(bsos, &b)
	}

	if len(bsos) > s.config.MaxPOSTRecords {
		sendRequestProblem(w, r, http.StatusRequestEntityTooLarge,
			errors.Errorf("Exceeded %d BSO per request", s.config.MaxPOSTRecords))
		return nil
	}

	if s.config.MaxPOSTBytes > 0 && payloadBytes(bsos) > s.config.MaxPOSTBytes {
		sendRequestProblem(w, r, http.StatusRequestEntityTooLarge,
			errors.Errorf("Exceeded %d payload bytes per request", s.config.MaxPOSTBytes))
		return nil
	}

	return bsos
}

// payloadBytes sums the payload sizes in an upload
func payloadBytes(bsos syncstorage.PostBSOInput) int {
	total := 0
	for _, b := range bsos {
		if b.Payload != nil {
			total += len(*b.Payload)
		}
	}
	return total
}

func (s *SyncHandler) hCollectionPOST(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)
	collection, ok := s.collection(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Bad query parameters"))
		return
	}

	results := syncstorage.NewPostResults(0)
	bsos := s.readPostBSOs(w, r, results)
	if bsos == nil {
		return
	}

	cmodified, err := s.collectionTimestamp(uid, collection)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if sentNotModified(w, r, cmodified) {
		return
	}

	guard := unmodifiedGuard(r)

	if batchArg := r.Form.Get("batch"); batchArg != "" {
		s.collectionBatchPOST(w, r, uid, collection, batchArg, bsos, results, guard)
		return
	}

	postResults, err := s.store.PostBSOs(uid, collection, bsos, guard)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	for bsoId, failMessage := range postResults.Failed {
		results.Failed[bsoId] = failMessage
	}

	setXLastModified(w, postResults.Modified)
	s.quotaHeader(w, uid)
	JsonNewline(w, r, &PostResults{
		Modified: postResults.Modified,
		Success:  postResults.Success,
		Failed:   results.Failed,
	})
}

// collectionBatchPOST implements the ?batch= upload protocol:
// batch=true opens a batch, batch=<id> appends to it, and commit=true
// atomically applies the staged items.
func (s *SyncHandler) collectionBatchPOST(
	w http.ResponseWriter, r *http.Request,
	uid int, collection, batchArg string,
	bsos syncstorage.PostBSOInput,
	results *syncstorage.PostResults,
	guard *int,
) {
	var (
		batchId int
		err     error
	)

	if batchArg == "true" {
		batchId, err = s.store.CreateBatch(uid, collection)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
	} else {
		batchId, err = strconv.Atoi(batchArg)
		if err != nil {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Invalid batch id"))
			return
		}
	}

	// the whole batch is bounded, staged items included
	staged, stagedBytes := 0, 0
	if batchArg != "true" {
		staged, stagedBytes, err = s.store.BatchTotals(uid, collection, batchId)
		if err != nil {
			if errors.Cause(err) == syncstorage.ErrBatchNotFound {
				sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Batch not found"))
				return
			}
			s.storeError(w, r, err)
			return
		}
	}
	if s.config.MaxTotalRecords > 0 && staged+len(bsos) > s.config.MaxTotalRecords {
		sendRequestProblem(w, r, http.StatusRequestEntityTooLarge,
			errors.Errorf("Exceeded %d BSO per batch", s.config.MaxTotalRecords))
		return
	}
	if s.config.MaxTotalBytes > 0 && stagedBytes+payloadBytes(bsos) > s.config.MaxTotalBytes {
		sendRequestProblem(w, r, http.StatusRequestEntityTooLarge,
			errors.Errorf("Exceeded %d payload bytes per batch", s.config.MaxTotalBytes))
		return
	}

	appendResults, err := s.store.AppendToBatch(uid, collection, batchId, bsos)
	if err != nil {
		if err == syncstorage.ErrBatchNotFound {
			sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Batch not found"))
			return
		}
		s.storeError(w, r, err)
		return
	}

	for bsoId, failMessage := range appendResults.Failed {
		results.Failed[bsoId] = failMessage
	}

	if r.Form.Get("commit") == "true" {
		modified, err := s.store.CommitBatch(uid, collection, batchId, guard)
		if err != nil {
			s.storeError(w, r, err)
			return
		}

		setXLastModified(w, modified)
		s.quotaHeader(w, uid)
		JsonNewline(w, r, &PostResults{
			Modified: modified,
			Success:  appendResults.Success,
			Failed:   results.Failed,
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	JsonNewline(w, r, &PostResults{
		Batch:    strconv.Itoa(batchId),
		Modified: syncstorage.Now(),
		Success:  appendResults.Success,
		Failed:   results.Failed,
	})
}

func (s *SyncHandler) hCollectionDELETE(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)
	collection, ok := s.collection(w, r)
	if !ok {
		return
	}

	cmodified, err := s.store.GetCollectionTimestamp(uid, collection)
	if err == syncstorage.ErrNotFound {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"modified":%s}`, syncstorage.ModifiedToString(syncstorage.Now()))
		return
	} else if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, cmodified) {
		return
	}

	params, _, ok := s.parseGetParams(w, r)
	if !ok {
		return
	}

	guard := unmodifiedGuard(r)

	var modified int
	if len(params.Ids) > 0 {
		// only delete the named ids, the limit does not apply
		params.Limit = 0
		params.Offset = 0
		modified, err = s.store.DeleteBSOs(uid, collection, &params, guard)
	} else {
		modified, err = s.store.DeleteCollection(uid, collection, guard)
	}

	if err != nil {
		s.storeError(w, r, err)
		return
	}

	setXLastModified(w, modified)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"modified":%s}`, syncstorage.ModifiedToString(modified))
}

func (s *SyncHandler) hBsoGET(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)
	collection, ok := s.collection(w, r)
	if !ok {
		return
	}

	bId, ok := extractBsoIdFail(w, r)
	if !ok {
		return
	}

	cmodified, err := s.store.GetCollectionTimestamp(uid, collection)
	if err == syncstorage.ErrNotFound {
		sendRequestProblem(w, r, http.StatusNotFound, errors.New("Collection Not Found"))
		return
	} else if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, cmodified) {
		return
	}

	bso, err := s.store.GetBSO(uid, collection, bId)
	if err != nil {
		if err == syncstorage.ErrNotFound {
			sendRequestProblem(w, r, http.StatusNotFound, errors.New("BSO Not Found"))
		} else {
			s.storeError(w, r, err)
		}
		return
	}

	setXLastModified(w, bso.Modified)
	JsonNewline(w, r, bso)
}

func (s *SyncHandler) hBsoPUT(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	// accept text/plain from old (broken) clients
	ct := getMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" && ct != "text/plain" && ct != "application/newlines" {
		sendRequestProblem(w, r, http.StatusUnsupportedMediaType,
			errors.Errorf("Not acceptable Content-Type: %s", ct))
		return
	}

	uid := s.uid(r)
	collection, ok := s.collection(w, r)
	if !ok {
		return
	}

	bId, ok := extractBsoIdFail(w, r)
	if !ok {
		return
	}

	cmodified, err := s.collectionTimestamp(uid, collection)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if sentNotModified(w, r, cmodified) {
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		sendRequestProblem(w, r, http.StatusBadRequest,
			errors.Wrap(err, "PUT could not read body"))
		return
	}

	var bso syncstorage.PutBSOInput
	if err := parseIntoBSO(body, &bso); err != nil {
		WeaveError(w, WEAVE_INVALID_WBO, http.StatusBadRequest)
		return
	}

	modified, err := s.store.PutBSO(uid, collection, bId, bso.Payload, bso.SortIndex, bso.TTL, unmodifiedGuard(r))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	m := strconv.Itoa(modified)
	w.Header().Set("Content-Type", "application/json")
	setXLastModified(w, modified)
	s.quotaHeader(w, uid)
	w.Write([]byte(m))
}

func (s *SyncHandler) hBsoDELETE(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid := s.uid(r)
	collection, ok := s.collection(w, r)
	if !ok {
		return
	}

	bId, ok := extractBsoIdFail(w, r)
	if !ok {
		return
	}

	cmodified, err := s.store.GetCollectionTimestamp(uid, collection)
	if err == syncstorage.ErrNotFound {
		sendRequestProblem(w, r, http.StatusNotFound, errors.New("Collection Not Found"))
		return
	} else if err != nil {
		InternalError(w, r, err)
		return
	}

	if sentNotModified(w, r, cmodified) {
		return
	}

	modified, err := s.store.DeleteBSO(uid, collection, bId, unmodifiedGuard(r))
	if err != nil {
		if err == syncstorage.ErrNotFound {
			sendRequestProblem(w, r, http.StatusNotFound,
				errors.Errorf("BSO id: %s Not Found", bId))
		} else {
			s.storeError(w, r, err)
		}
		return
	}

	m := strconv.Itoa(modified)
	w.Header().Set("Content-Type", "text/plain")
	setXLastModified(w, modified)
	w.Write([]byte(m))
}

func (s *SyncHandler) hDeleteEverything(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	if r.Header.Get("X-Confirm-Delete") == "" {
		sendRequestProblem(w, r, http.StatusBadRequest,
			errors.New("X-Confirm-Delete header required"))
		return
	}

	uid := s.uid(r)

	if err := s.store.DeleteStorage(uid); err != nil {
		s.storeError(w, r, err)
		return
	}

	m := syncstorage.ModifiedToString(syncstorage.Now())
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(m))
}

// storeError translates storage errors into HTTP responses
func (s *SyncHandler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch errors.Cause(err) {
	case syncstorage.ErrQuotaExceeded:
		s.quotaHeader(w, s.uid(r))
		WeaveError(w, WEAVE_OVER_QUOTA, http.StatusBadRequest)
	case syncstorage.ErrOverCapacity:
		// the dispatcher stamps Retry-After on 503s
		sendRequestProblem(w, r, http.StatusServiceUnavailable, err)
	case syncstorage.ErrPreconditionFailed:
		// the write-locked check caught a racing writer the handler's
		// fast path missed
		sendRequestProblem(w, r, http.StatusPreconditionFailed, err)
	case syncstorage.ErrPayloadTooBig:
		sendRequestProblem(w, r, http.StatusRequestEntityTooLarge,
			errors.New(http.StatusText(http.StatusRequestEntityTooLarge)))
	case syncstorage.ErrInvalidBSOId,
		syncstorage.ErrInvalidSortIndex,
		syncstorage.ErrInvalidTTL,
		syncstorage.ErrNothingToDo:
		WeaveError(w, WEAVE_INVALID_WBO, http.StatusBadRequest)
	case syncstorage.ErrNotImplemented:
		sendRequestProblem(w, r, http.StatusBadRequest, errors.New("Not supported for this collection"))
	default:
		InternalError(w, r, err)
	}
}

// quotaHeader adds X-Weave-Quota-Remaining when the user is within
// 1KB of their quota
func (s *SyncHandler) quotaHeader(w http.ResponseWriter, uid int) {
	if !s.config.UseQuota {
		return
	}

	used, err := s.store.GetStorageSize(uid)
	if err != nil {
		return
	}

	remaining := s.config.QuotaSize*1024 - used
	if remaining <= 1024 {
		w.Header().Set("X-Weave-Quota-Remaining", strconv.Itoa(remaining))
	}
}

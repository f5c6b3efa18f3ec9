package web

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

// weave response codes, sent as the bare integer body of 4xx errors
const (
	WEAVE_UNKNOWN_ERROR  = 0
	WEAVE_ILLEGAL_METH   = 1
	WEAVE_MALFORMED_JSON = 6
	WEAVE_INVALID_WBO    = 8
	WEAVE_OVER_QUOTA     = 14
)

var uidregex = regexp.MustCompile(`/1\.5/([0-9]+)`)

// extractUID extracts the UID from the path in http.Request
func extractUID(path string) string {
	matches := uidregex.FindStringSubmatch(path)
	if len(matches) > 0 {
		return matches[1]
	}
	return ""
}

// PostResults massages storage post results into the JSON the client
// expects
type PostResults struct {
	Batch    string
	Modified int
	Success  []string
	Failed   map[string][]string
}

// MarshalJSON manually creates the JSON string since modified needs to
// be rendered in the two decimal second format. Which means no quotes.
func (p *PostResults) MarshalJSON() ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.WriteString(`{"modified":`)
	buf.WriteString(syncstorage.ModifiedToString(p.Modified))
	buf.WriteString(",")
	if len(p.Success) == 0 {
		buf.WriteString(`"success":[]`)
	} else {
		buf.WriteString(`"success":`)
		data, err := json.Marshal(p.Success)
		if err != nil {
			return nil, errors.Wrap(err, "Could not encode PostResults.Success")
		}
		buf.Write(data)
	}

	buf.WriteString(",")
	if len(p.Failed) == 0 {
		buf.WriteString(`"failed":{}`)
	} else {
		buf.WriteString(`"failed":`)
		data, err := json.Marshal(p.Failed)
		if err != nil {
			return nil, errors.Wrap(err, "Could not encode PostResults.Failed")
		}
		buf.Write(data)
	}

	if p.Batch != "" {
		buf.WriteString(`,"batch":"`)
		buf.WriteString(p.Batch)
		buf.WriteString(`"`)
	}

	buf.WriteString("}")
	return buf.Bytes(), nil
}

// UnmarshalJSON reverses custom formatting from MarshalJSON
func (p *PostResults) UnmarshalJSON(data []byte) error {
	var tmp struct {
		Modified float64
		Batch    string
		Success  []string
		Failed   map[string][]string
	}

	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	p.Modified = int(math.Round(tmp.Modified * 1000))
	p.Batch = tmp.Batch
	p.Success = tmp.Success
	p.Failed = tmp.Failed
	return nil
}

type parseError struct {
	bId   string
	field string
	msg   string
}

func (e parseError) Error() string {
	return fmt.Sprintf("Could not parse field %s: %s", e.field, e.msg)
}

// parseIntoBSO takes JSON and turns it into a syncstorage.PutBSOInput.
// Unknown fields (legacy parentid, predecessorid and anything else) are
// silently dropped; they never error and never reach storage.
func parseIntoBSO(jsonData json.RawMessage, bso *syncstorage.PutBSOInput) *parseError {
	var bkeys map[string]json.RawMessage
	if err := json.Unmarshal(jsonData, &bkeys); err != nil {
		return &parseError{field: "-", msg: "Could not parse into object"}
	}

	var bId string

	if r, ok := bkeys["id"]; ok {
		if err := json.Unmarshal(r, &bId); err != nil {
			return &parseError{field: "id", msg: "Invalid format"}
		}
		bso.Id = bId
	}

	if r, ok := bkeys["payload"]; ok {
		var payload string
		if err := json.Unmarshal(r, &payload); err != nil {
			return &parseError{bId: bId, field: "payload", msg: "Invalid format"}
		}
		bso.Payload = &payload
	}

	if r, ok := bkeys["ttl"]; ok {
		var ttl int
		if err := json.Unmarshal(r, &ttl); err != nil {
			return &parseError{bId: bId, field: "ttl", msg: "Invalid format"}
		}
		bso.TTL = &ttl
	}

	if r, ok := bkeys["sortindex"]; ok {
		var sortindex int
		if err := json.Unmarshal(r, &sortindex); err != nil {
			return &parseError{bId: bId, field: "sortindex", msg: "Invalid format"}
		}
		bso.SortIndex = &sortindex
	}

	return nil
}

// extractBsoId tries to extract and validate a BSO id in the path
func extractBsoId(r *http.Request) (bId string, ok bool) {
	bId, ok = mux.Vars(r)["bsoId"]
	if !ok {
		return
	}

	ok = syncstorage.BSOIdOk(bId)
	return
}

// extractBsoIdFail is like extractBsoId *and* has the side effect of
// writing a JSON error to w
func extractBsoIdFail(w http.ResponseWriter, r *http.Request) (bId string, ok bool) {
	bId, ok = extractBsoId(r)
	if !ok {
		WeaveError(w, WEAVE_INVALID_WBO, http.StatusNotFound)
	}
	return
}

// InternalError produces an HTTP 500 error, basically means a bug in
// the system
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithFields(log.Fields{
		"cause":  errors.Cause(err).Error(),
		"method": r.Method,
		"path":   r.URL.EscapedPath() + "?" + r.URL.RawQuery,
	}).Errorf("HTTP Error: %s", err.Error())

	if session, ok := SessionFromContext(r.Context()); ok {
		session.ErrorResult = err
	}

	WeaveError(w, WEAVE_UNKNOWN_ERROR, http.StatusInternalServerError)
}

// WeaveError writes the bare weave numeric code as the response body
func WeaveError(w http.ResponseWriter, code, httpStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write([]byte(strconv.Itoa(code)))
}

// NewLine prints out new line \n separated JSON objects instead of a
// single JSON array of objects
func NewLine(w http.ResponseWriter, r *http.Request, val interface{}) {
	if valR := reflect.ValueOf(val); valR.Kind() == reflect.Slice || valR.Kind() == reflect.Array {
		w.Header().Set("Content-Type", "application/newlines")
		for i := 0; i < valR.Len(); i++ {
			if !valR.Index(i).CanInterface() {
				continue
			}

			someValue := valR.Index(i).Interface()
			var (
				raw []byte
				err error
			)

			if jM, ok := someValue.(json.Marshaler); ok {
				// calling it directly skips a reflection pass
				raw, err = jM.MarshalJSON()
			} else {
				raw, err = json.Marshal(someValue)
			}

			if err != nil {
				InternalError(w, r, errors.Wrap(err, "web.NewLine could not marshal an item"))
				return
			}

			w.Write(raw)
			w.Write([]byte("\n"))
		}
	} else {
		js, err := json.Marshal(val)
		if err != nil {
			InternalError(w, r, errors.Wrap(err, "web.NewLine could not marshal the object"))
			return
		}

		w.Header().Set("Content-Type", "application/newlines")
		w.Write(js)
		w.Write([]byte("\n"))
	}
}

// WhoisI writes length-prefixed JSON objects: a 4 byte big-endian
// length followed by the JSON body, one frame per item
func WhoisI(w http.ResponseWriter, r *http.Request, val interface{}) {
	valR := reflect.ValueOf(val)
	if valR.Kind() != reflect.Slice && valR.Kind() != reflect.Array {
		valR = reflect.ValueOf([]interface{}{val})
	}

	w.Header().Set("Content-Type", "application/whoisi")
	size := make([]byte, 4)
	for i := 0; i < valR.Len(); i++ {
		if !valR.Index(i).CanInterface() {
			continue
		}

		raw, err := json.Marshal(valR.Index(i).Interface())
		if err != nil {
			InternalError(w, r, errors.Wrap(err, "web.WhoisI could not marshal an item"))
			return
		}

		binary.BigEndian.PutUint32(size, uint32(len(raw)))
		w.Write(size)
		w.Write(raw)
	}
}

func JSON(w http.ResponseWriter, r *http.Request, val interface{}) {
	js, err := json.Marshal(val)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
	w.Write([]byte("\n"))
}

// JsonNewline writes data in whichever encoding the Accept header
// picked: newline separated, length prefixed, or a plain json array
func JsonNewline(w http.ResponseWriter, r *http.Request, val interface{}) {
	switch getMediaType(r.Header.Get("Accept")) {
	case "application/newlines":
		NewLine(w, r, val)
	case "application/whoisi":
		WhoisI(w, r, val)
	default:
		JSON(w, r, val)
	}
}

type jsonerr struct {
	Err string `json:"err"`
}

func JSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	js, _ := json.Marshal(jsonerr{msg})
	w.Write(js)
}

// ConvertTimestamp converts the sync decimal time in seconds to
// a time in milliseconds. Rounding matters: two decimal seconds are
// not exactly representable as float64 and truncation would come out
// a millisecond low.
func ConvertTimestamp(ts string) (int, error) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0, err
	}

	return int(math.Round(f * 1000)), nil
}

var rewriteAccept = []string{"*/*", "application/*", "*/json"}

// AcceptHeaderOk checks the Accept header is one of the three
// supported encodings. If not it writes an error and returns false.
func AcceptHeaderOk(w http.ResponseWriter, r *http.Request) bool {
	accept := r.Header.Get("Accept")

	if accept == "" {
		r.Header.Set("Accept", "application/json")
		return true
	}

	mediatype := getMediaType(accept)

	switch mediatype {
	case "application/json", "application/newlines", "application/whoisi":
		return true
	}

	for _, rewrite := range rewriteAccept {
		if strings.Contains(accept, rewrite) {
			r.Header.Set("Accept", "application/json")
			return true
		}
	}

	sendRequestProblem(w, r, http.StatusBadRequest,
		errors.Errorf("Unsupported Accept header: %s", accept))

	return false
}

// OKResponse writes a 200 response with a simple string body
func OKResponse(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s)
}

// sendRequestProblem logs the problem with the client's request
// and responds with a json payload of the error. Client side these
// are usually invisible so this helps with debugging
func sendRequestProblem(w http.ResponseWriter, req *http.Request, responseCode int, reason error) {
	logRequestProblem(req, responseCode, reason)
	if session, ok := SessionFromContext(req.Context()); ok {
		session.ErrorResult = reason
	}
	JSONError(w, reason.Error(), responseCode)
}

func logRequestProblem(req *http.Request, responseCode int, reason error) {
	var causeMessage string
	if cause := errors.Cause(reason); cause != nil && cause != reason {
		causeMessage = fmt.Sprintf("%v", cause)
	} else {
		causeMessage = "n/a"
	}

	log.WithFields(log.Fields{
		"method":    req.Method,
		"path":      req.URL.Path,
		"ua":        req.UserAgent(),
		"http_code": responseCode,
		"error":     reason.Error(),
		"cause":     causeMessage,
	}).Warning("HTTP Request Problem")
}

// getMediaType extracts the mediatype portion from a Content-Type or
// Accept header value, discarding parameters. Blank on parse failure.
func getMediaType(contentType string) (mediatype string) {
	mediatype, _, _ = mime.ParseMediaType(contentType)
	return
}

package syncstorage

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync"
)

// use a buffer pool to reduce memory allocations
// since we'll be encoding a lot of BSOs
var bsoBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// BSO is a Basic Storage Object. Modified is in milliseconds, TTL is
// the absolute expiry time in seconds since the unix epoch.
// ref: https://docs.services.mozilla.com/storage/apis-1.5.html#basic-storage-object
type BSO struct {
	Id        string
	Modified  int
	Payload   string
	SortIndex int
	TTL       int
}

// MarshalJSON builds a custom json blob since there is no good way of turning
// the Modified int (in milliseconds) into seconds with two decimal places
// which the api defines as the correct format. meh.
func (b BSO) MarshalJSON() ([]byte, error) {

	buf := bsoBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bsoBufferPool.Put(buf)

	buf.WriteString(`{"id":`)
	if encoded, err := json.Marshal(b.Id); err == nil {
		buf.Write(encoded)
	} else {
		return nil, err
	}

	buf.WriteString(`,"modified":`)
	buf.WriteString(ModifiedToString(b.Modified))

	buf.WriteString(`,"payload":`)
	if encoded, err := json.Marshal(b.Payload); err == nil {
		buf.Write(encoded)
	} else {
		return nil, err
	}

	if b.SortIndex != 0 {
		buf.WriteString(`,"sortindex":`)
		buf.WriteString(strconv.Itoa(b.SortIndex))
	}

	buf.WriteString("}")
	c := make([]byte, buf.Len())
	copy(c, buf.Bytes())
	return c, nil
}

// PutBSOInput is the write-side shape of a BSO. nil pointers mean the
// field was absent and existing values should be preserved on update.
// TTL here is an offset in seconds relative to the write time.
type PutBSOInput struct {
	Id        string  `json:"id"`
	Payload   *string `json:"payload"`
	TTL       *int    `json:"ttl"`
	SortIndex *int    `json:"sortindex"`
}

type PostBSOInput []*PutBSOInput

func NewPutBSOInput(id string, payload *string, sortIndex, ttl *int) *PutBSOInput {
	return &PutBSOInput{Id: id, TTL: ttl, SortIndex: sortIndex, Payload: payload}
}

// Validate checks a PutBSOInput against the wire level rules. The
// returned string names the offending field for the "failed" map.
func (b *PutBSOInput) Validate() (field string, err error) {
	if !BSOIdOk(b.Id) {
		return "id", ErrInvalidBSOId
	}

	if b.SortIndex != nil && !SortIndexOk(*b.SortIndex) {
		return "sortindex", ErrInvalidSortIndex
	}

	if b.TTL != nil && !TTLOk(*b.TTL) {
		return "ttl", ErrInvalidTTL
	}

	if b.Payload != nil && len(*b.Payload) > MAX_BSO_PAYLOAD_SIZE {
		return "payload", ErrPayloadTooBig
	}

	return "", nil
}

// PostResults is what PostBSOs and batch commits report back
type PostResults struct {
	Modified int
	Success  []string
	Failed   map[string][]string
}

func NewPostResults(modified int) *PostResults {
	return &PostResults{
		Modified: modified,
		Success:  make([]string, 0),
		Failed:   make(map[string][]string),
	}
}

func (p *PostResults) AddSuccess(bId ...string) {
	p.Success = append(p.Success, bId...)
}

func (p *PostResults) AddFailure(bId string, reasons ...string) {
	p.Failed[bId] = reasons
}

// GetResults holds search results for BSOs, this is what GetBSOs() returns
type GetResults struct {
	BSOs   []*BSO
	More   bool
	Offset int
}

package syncstorage

import "errors"

var (
	ErrNotFound       = errors.New("Not Found")
	ErrNotImplemented = errors.New("Not Implemented")
	ErrNothingToDo    = errors.New("Nothing to do")

	ErrInvalidBSOId          = errors.New("Invalid BSO Id")
	ErrInvalidCollectionName = errors.New("Invalid Collection Name")
	ErrInvalidSortIndex      = errors.New("Invalid Sort Index")
	ErrInvalidTTL            = errors.New("Invalid TTL")

	ErrInvalidLimit  = errors.New("Invalid LIMIT")
	ErrInvalidOffset = errors.New("Invalid OFFSET")
	ErrInvalidNewer  = errors.New("Invalid NEWER than")

	ErrPayloadTooBig      = errors.New("BSO payload too big")
	ErrQuotaExceeded      = errors.New("Quota exceeded")
	ErrBatchNotFound      = errors.New("Batch Not Found")
	ErrCacheConnection    = errors.New("Cache connection failed")
	ErrOverCapacity       = errors.New("Server over capacity")
	ErrPreconditionFailed = errors.New("Precondition failed")
)

type SortType int

const (
	SORT_NONE SortType = iota
	SORT_NEWEST
	SORT_OLDEST
	SORT_INDEX

	// absolute maximum records GetBSOs can return
	LIMIT_MAX = 1000

	// expiry time, in seconds, written when a client provides no ttl.
	// roughly year 2036, effectively never
	MAX_TTL = 2100000000

	// max BSO payload size in bytes
	MAX_BSO_PAYLOAD_SIZE = 1024 * 256

	// staged batches are swept after this long
	BATCH_LIFETIME = 2 * 60 * 60 * 1000
)

// GetParams are the filters for GetBSOs and DeleteBSOs. Zero values
// mean the filter was not provided. Newer/Older are in milliseconds.
type GetParams struct {
	Ids        []string
	Newer      int
	Older      int
	IndexAbove *int
	IndexBelow *int
	Limit      int
	Offset     int
	Sort       SortType
}

// Storage is the capability interface the web controller works
// against. SQLStore implements all of it; cache.CachedStorage wraps a
// Storage to overlay the hot collections.
//
// All timestamps in and out are milliseconds. Collections are
// addressed by name; implementations resolve ids internally.
//
// Mutations take a guard: the X-If-Unmodified-Since value in
// milliseconds, or nil when the request was unconditional. The check
// against the collection's last modified runs under the same write
// lock as the mutation itself; a failed guard returns
// ErrPreconditionFailed and leaves no side effect.
type Storage interface {
	LastModified(uid int) (int, error)

	GetCollectionTimestamps(uid int) (map[string]int, error)
	GetCollectionCounts(uid int) (map[string]int, error)
	GetCollectionUsage(uid int) (map[string]int, error)
	GetStorageSize(uid int) (int, error)
	GetCollectionTimestamp(uid int, collection string) (int, error)

	GetBSO(uid int, collection, bId string) (*BSO, error)
	GetBSOs(uid int, collection string, params *GetParams) (*GetResults, error)

	PutBSO(uid int, collection, bId string, payload *string, sortIndex, ttl, guard *int) (int, error)
	PostBSOs(uid int, collection string, input PostBSOInput, guard *int) (*PostResults, error)

	DeleteBSO(uid int, collection, bId string, guard *int) (int, error)
	DeleteBSOs(uid int, collection string, params *GetParams, guard *int) (int, error)
	DeleteCollection(uid int, collection string, guard *int) (int, error)
	DeleteStorage(uid int) error

	CreateBatch(uid int, collection string) (int, error)
	ValidBatch(uid int, collection string, batchId int) (bool, error)
	AppendToBatch(uid int, collection string, batchId int, items PostBSOInput) (*PostResults, error)
	BatchTotals(uid int, collection string, batchId int) (records, bytes int, err error)
	CommitBatch(uid int, collection string, batchId int, guard *int) (int, error)
	CloseBatch(uid int, collection string, batchId int) error

	PurgeExpired(grace, maxItems int) (int, error)
	PurgeBatches(lifetime int) (int, error)

	Ping() error
}

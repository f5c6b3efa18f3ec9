package syncstorage

import (
	"regexp"
	"strconv"
	"time"
)

var (
	bsoIdCheck          *regexp.Regexp
	collectionNameCheck *regexp.Regexp
)

func init() {
	bsoIdCheck = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)
	collectionNameCheck = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)
}

// Now returns the server time in milliseconds since the unix epoch,
// aligned to 10ms so fresh timestamps survive the round trip through
// the two decimal second format JSON bodies use. All modified
// timestamps in the database are in this unit.
func Now() int {
	return int(time.Now().UnixNano()/int64(10*time.Millisecond)) * 10
}

// ModifiedToString converts a timestamp in milliseconds to the
// two decimal second format the sync 1.5 API uses in JSON bodies.
// String math keeps it exact, float64 rounding does not.
func ModifiedToString(modified int) string {
	return strconv.Itoa(modified/1000) + "." + pad2(modified%1000/10)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// BSOIdOk validates a BSO id: 1-64 chars of [A-Za-z0-9._-]
func BSOIdOk(bId string) bool {
	return bsoIdCheck.MatchString(bId)
}

func ValidateBSOId(ids ...string) bool {
	for _, id := range ids {
		if !bsoIdCheck.MatchString(id) {
			return false
		}
	}

	return true
}

func CollectionNameOk(name string) bool {
	return collectionNameCheck.MatchString(name)
}

// SortIndexOk validates a sortindex value
func SortIndexOk(sortIndex int) bool {
	return sortIndex >= -999999999 && sortIndex <= 999999999
}

func TTLOk(ttl int) bool {
	return ttl >= 0
}

func LimitOk(limit int) bool {
	return limit >= 0
}

func OffsetOk(offset int) bool {
	return offset >= 0
}

func NewerOk(newer int) bool {
	return newer >= 0
}

func String(s string) *string { return &s }
func Int(u int) *int          { return &u }

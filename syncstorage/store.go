package syncstorage

import (
	"database/sql"
	"strings"
	"time"

	. "github.com/mostlygeek/go-debug"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var storeDebug = Debug("syncstorage:store")

// Config holds the storage.* options recognized at startup
type Config struct {
	SqlURI              string
	StandardCollections bool
	UseQuota            bool
	QuotaSize           int // KB
	PoolSize            int
	PoolRecycle         int // seconds
	Shard               bool
	ShardSize           int
}

// SQLStore is the authoritative store. One instance serves all users
// on the node; user data is partitioned by the userid column (and
// optionally sharded bso tables).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	names   *nameCache

	shardSize  int // 0 means unsharded
	standard   bool
	useQuota   bool
	quotaBytes int

	// overridable for tests that need control over timestamps
	now func() int
}

func NewSQLStore(cfg Config) (*SQLStore, error) {
	db, dialect, err := OpenDialect(cfg.SqlURI)
	if err != nil {
		return nil, err
	}

	if dialect.Name() == "mysql" {
		if cfg.PoolSize > 0 {
			db.SetMaxOpenConns(cfg.PoolSize)
			db.SetMaxIdleConns(cfg.PoolSize)
		}
		if cfg.PoolRecycle > 0 {
			db.SetConnMaxLifetime(time.Duration(cfg.PoolRecycle) * time.Second)
		}
	}

	shardSize := 0
	if cfg.Shard {
		shardSize = cfg.ShardSize
	}

	s := &SQLStore{
		db:         db,
		dialect:    dialect,
		names:      newNameCache(),
		shardSize:  shardSize,
		standard:   cfg.StandardCollections,
		useQuota:   cfg.UseQuota,
		quotaBytes: cfg.QuotaSize * 1024,
		now:        Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not initialize schema")
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.dialect.CreateTableSQL(s.shardSize) {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	seeds := seedStatements(s.dialect.InsertIgnore())
	if !s.standard {
		// the sequence floor row is still required so custom ids
		// never land in the reserved range
		seeds = seeds[len(seeds)-1:]
	}
	for _, stmt := range seeds {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *SQLStore) Ping() error { return s.db.Ping() }

func (s *SQLStore) bsoTable(uid int) string {
	return BSOTableName(uid, s.shardSize)
}

func (s *SQLStore) buiTable(uid int) string {
	return BatchItemsTableName(uid, s.shardSize)
}

// ttlCutoff is the expiry boundary in seconds; rows at or below it
// are invisible to all reads
func (s *SQLStore) ttlCutoff() int {
	return s.now() / 1000
}

// GetCollectionId resolves a collection name to its global id
func (s *SQLStore) GetCollectionId(name string) (int, error) {
	return s.getCollectionId(name, false)
}

// CreateCollection resolves a name, assigning a new global id when the
// name has never been used
func (s *SQLStore) CreateCollection(name string) (int, error) {
	return s.getCollectionId(name, true)
}

func (s *SQLStore) getCollectionId(name string, create bool) (int, error) {
	if !CollectionNameOk(name) {
		return 0, ErrInvalidCollectionName
	}

	// well-known ids don't need the DB at all
	if s.standard {
		for i, stdName := range StandardCollections {
			if name == stdName {
				return i + 1, nil
			}
		}
	}

	if id, ok := s.names.GetId(name); ok {
		return id, nil
	}

	var id int
	err := s.db.QueryRow("SELECT collectionid FROM collections WHERE name=?", name).Scan(&id)
	if err == nil {
		s.names.Put(name, id)
		return id, nil
	}

	if err != sql.ErrNoRows {
		return 0, err
	}

	if !create {
		return 0, ErrNotFound
	}

	result, err := s.db.Exec("INSERT INTO collections (name) VALUES (?)", name)
	if err != nil {
		// lost a race with a concurrent writer using the same name
		if selErr := s.db.QueryRow(
			"SELECT collectionid FROM collections WHERE name=?", name).Scan(&id); selErr == nil {
			s.names.Put(name, id)
			return id, nil
		}
		return 0, errors.Wrap(err, "could not create collection")
	}

	id64, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	id = int(id64)
	s.names.Put(name, id)
	return id, nil
}

// collectionNames maps a set of collection ids back to names
func (s *SQLStore) collectionNames(ids []int) (map[int]string, error) {
	names := make(map[int]string, len(ids))
	var missing []interface{}

	for _, id := range ids {
		if s.standard && id >= 1 && id <= len(StandardCollections) {
			names[id] = StandardCollections[id-1]
		} else if name, ok := s.names.GetName(id); ok {
			names[id] = name
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		return names, nil
	}

	query := "SELECT collectionid, name FROM collections WHERE collectionid IN (?" +
		strings.Repeat(",?", len(missing)-1) + ")"
	rows, err := s.db.Query(query, missing...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
		s.names.Put(name, id)
	}

	return names, rows.Err()
}

// LastModified returns the storage level last modified timestamp, the
// max over all of the user's collections
func (s *SQLStore) LastModified(uid int) (int, error) {
	var m sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(last_modified) FROM user_collections WHERE userid=?", uid).Scan(&m)
	if err != nil {
		return 0, err
	}
	if !m.Valid {
		return 0, nil
	}
	return int(m.Int64), nil
}

func (s *SQLStore) GetCollectionTimestamps(uid int) (map[string]int, error) {
	rows, err := s.db.Query(
		"SELECT collection, last_modified FROM user_collections WHERE userid=?", uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stamps := make(map[int]int)
	var ids []int
	for rows.Next() {
		var cId, modified int
		if err := rows.Scan(&cId, &modified); err != nil {
			return nil, err
		}
		stamps[cId] = modified
		ids = append(ids, cId)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.mapNames(stamps, ids)
}

func (s *SQLStore) GetCollectionCounts(uid int) (map[string]int, error) {
	query := "SELECT collection, COUNT(collection) FROM " + s.bsoTable(uid) +
		" WHERE userid=? AND ttl>? GROUP BY collection"
	return s.groupedQuery(query, uid, s.ttlCutoff())
}

func (s *SQLStore) GetCollectionUsage(uid int) (map[string]int, error) {
	query := "SELECT collection, SUM(payload_size) FROM " + s.bsoTable(uid) +
		" WHERE userid=? AND ttl>? GROUP BY collection"
	return s.groupedQuery(query, uid, s.ttlCutoff())
}

func (s *SQLStore) groupedQuery(query string, args ...interface{}) (map[string]int, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[int]int)
	var ids []int
	for rows.Next() {
		var cId, value int
		if err := rows.Scan(&cId, &value); err != nil {
			return nil, err
		}
		values[cId] = value
		ids = append(ids, cId)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.mapNames(values, ids)
}

func (s *SQLStore) mapNames(values map[int]int, ids []int) (map[string]int, error) {
	names, err := s.collectionNames(ids)
	if err != nil {
		return nil, err
	}

	results := make(map[string]int, len(values))
	for id, value := range values {
		if name, ok := names[id]; ok && name != "" {
			results[name] = value
		}
	}
	return results, nil
}

// GetStorageSize returns the total bytes of live payload for a user
func (s *SQLStore) GetStorageSize(uid int) (int, error) {
	var size sql.NullInt64
	err := s.db.QueryRow(
		"SELECT SUM(payload_size) FROM "+s.bsoTable(uid)+" WHERE userid=? AND ttl>?",
		uid, s.ttlCutoff()).Scan(&size)
	if err != nil {
		return 0, err
	}
	if !size.Valid {
		return 0, nil
	}
	return int(size.Int64), nil
}

func (s *SQLStore) GetCollectionTimestamp(uid int, collection string) (int, error) {
	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return 0, err
	}

	var modified int
	err = s.db.QueryRow(
		"SELECT last_modified FROM user_collections WHERE userid=? AND collection=?",
		uid, cId).Scan(&modified)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return modified, err
}

func (s *SQLStore) GetBSO(uid int, collection, bId string) (*BSO, error) {
	if !BSOIdOk(bId) {
		return nil, ErrInvalidBSOId
	}

	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return nil, err
	}

	b := &BSO{Id: bId}
	query := "SELECT sortindex, payload, modified, ttl FROM " + s.bsoTable(uid) +
		" WHERE userid=? AND collection=? AND id=? AND ttl>?"
	err = s.db.QueryRow(query, uid, cId, bId, s.ttlCutoff()).Scan(
		&b.SortIndex, &b.Payload, &b.Modified, &b.TTL)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return b, nil
}

func (s *SQLStore) GetBSOs(uid int, collection string, params *GetParams) (*GetResults, error) {
	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return nil, err
	}

	where, values, err := s.buildFilter(uid, cId, params)
	if err != nil {
		return nil, err
	}

	if !LimitOk(params.Limit) {
		return nil, ErrInvalidLimit
	}

	limit := params.Limit
	if limit <= 0 || limit > LIMIT_MAX {
		limit = LIMIT_MAX
	}

	offset := params.Offset
	if !OffsetOk(offset) {
		return nil, ErrInvalidOffset
	}
	// offset without limit is ignored
	if params.Limit <= 0 {
		offset = 0
	}

	query := "SELECT id, sortindex, payload, modified, ttl FROM " + s.bsoTable(uid) +
		" WHERE " + where + orderBy(params.Sort) + " LIMIT ?"

	// fetch one extra row to learn if there are more
	values = append(values, limit+1)
	if offset > 0 {
		query += " OFFSET ?"
		values = append(values, offset)
	}

	if log.GetLevel() == log.DebugLevel {
		log.WithFields(log.Fields{
			"query":  query,
			"values": values,
		}).Debug("store GetBSOs")
	}

	// the read lock keeps a concurrent commit from landing between
	// the rows read here and the collection timestamp the caller
	// pairs them with
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	if _, err := s.dialect.LockRead(tx, uid, cId); err != nil && err != ErrNotFound {
		tx.Rollback()
		return nil, err
	}

	rows, err := tx.Query(query, values...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	bsos := make([]*BSO, 0)
	for rows.Next() {
		b := &BSO{}
		if err := rows.Scan(&b.Id, &b.SortIndex, &b.Payload, &b.Modified, &b.TTL); err != nil {
			rows.Close()
			tx.Rollback()
			return nil, err
		}
		bsos = append(bsos, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	results := &GetResults{BSOs: bsos}
	if len(bsos) > limit {
		results.BSOs = bsos[:limit]
		results.More = true
		results.Offset = offset + limit
	}

	return results, nil
}

// buildFilter translates GetParams into a WHERE clause. Expired rows
// are always filtered out.
func (s *SQLStore) buildFilter(uid, cId int, params *GetParams) (string, []interface{}, error) {
	where := "userid=? AND collection=? AND ttl>?"
	values := []interface{}{uid, cId, s.ttlCutoff()}

	if len(params.Ids) > 0 {
		ids := params.Ids
		if len(ids) > 100 {
			ids = ids[0:100]
		}

		where += " AND id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
		for _, id := range ids {
			if !BSOIdOk(id) {
				return "", nil, ErrInvalidBSOId
			}
			values = append(values, id)
		}
	}

	if params.Newer > 0 {
		if !NewerOk(params.Newer) {
			return "", nil, ErrInvalidNewer
		}
		where += " AND modified>?"
		values = append(values, params.Newer)
	}

	if params.Older > 0 {
		where += " AND modified<?"
		values = append(values, params.Older)
	}

	if params.IndexAbove != nil {
		where += " AND sortindex>?"
		values = append(values, *params.IndexAbove)
	}

	if params.IndexBelow != nil {
		where += " AND sortindex<?"
		values = append(values, *params.IndexBelow)
	}

	return where, values, nil
}

// orderBy returns the ORDER BY clause for a sort option. Ties always
// break on id so paging with offset is stable.
func orderBy(sort SortType) string {
	switch sort {
	case SORT_INDEX:
		return " ORDER BY sortindex DESC, id ASC"
	case SORT_OLDEST:
		return " ORDER BY modified ASC, id ASC"
	case SORT_NEWEST:
		return " ORDER BY modified DESC, id ASC"
	default:
		return ""
	}
}

// PutBSO creates or updates a single BSO and returns the collection's
// new last modified timestamp
func (s *SQLStore) PutBSO(uid int, collection, bId string, payload *string, sortIndex, ttl, guard *int) (int, error) {
	var modified int
	err := retryWrite(func() error {
		var err error
		modified, err = s.doPutBSO(uid, collection, bId, payload, sortIndex, ttl, guard)
		return err
	})
	return modified, err
}

func (s *SQLStore) doPutBSO(uid int, collection, bId string, payload *string, sortIndex, ttl, guard *int) (int, error) {
	cId, err := s.CreateCollection(collection)
	if err != nil {
		return 0, err
	}

	tx, _, modified, err := s.beginWrite(uid, cId, guard)
	if err != nil {
		return 0, err
	}

	if s.useQuota && payload != nil {
		if err := s.checkQuota(tx, uid, len(*payload)); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	if err := s.putBSO(tx, uid, cId, bId, modified, payload, sortIndex, ttl); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := s.touchCollection(tx, uid, cId, modified); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return modified, nil
}

// PostBSOs upserts a set of BSOs in one transaction with one shared
// modified timestamp. Invalid BSOs never abort the batch; they are
// reported in the failed map.
func (s *SQLStore) PostBSOs(uid int, collection string, input PostBSOInput, guard *int) (*PostResults, error) {
	var results *PostResults
	err := retryWrite(func() error {
		var err error
		results, err = s.doPostBSOs(uid, collection, input, guard)
		return err
	})
	return results, err
}

func (s *SQLStore) doPostBSOs(uid int, collection string, input PostBSOInput, guard *int) (*PostResults, error) {
	cId, err := s.CreateCollection(collection)
	if err != nil {
		return nil, err
	}

	tx, prior, modified, err := s.beginWrite(uid, cId, guard)
	if err != nil {
		return nil, err
	}

	if s.useQuota {
		incoming := 0
		for _, b := range input {
			if b.Payload != nil {
				incoming += len(*b.Payload)
			}
		}
		if err := s.checkQuota(tx, uid, incoming); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	results := NewPostResults(modified)
	for _, b := range input {
		if field, err := b.Validate(); err != nil {
			results.AddFailure(b.Id, "invalid "+field)
			continue
		}

		if err := s.putBSO(tx, uid, cId, b.Id, modified, b.Payload, b.SortIndex, b.TTL); err != nil {
			results.AddFailure(b.Id, err.Error())
			continue
		}
		results.AddSuccess(b.Id)
	}

	if len(results.Success) > 0 {
		if err := s.touchCollection(tx, uid, cId, modified); err != nil {
			tx.Rollback()
			return nil, err
		}
	} else {
		// nothing was written, report the stamp that is really there
		results.Modified = prior
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *SQLStore) DeleteBSO(uid int, collection, bId string, guard *int) (int, error) {
	var modified int
	err := retryWrite(func() error {
		var err error
		modified, err = s.doDeleteBSO(uid, collection, bId, guard)
		return err
	})
	return modified, err
}

func (s *SQLStore) doDeleteBSO(uid int, collection, bId string, guard *int) (int, error) {
	if !BSOIdOk(bId) {
		return 0, ErrInvalidBSOId
	}

	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return 0, err
	}

	tx, _, modified, err := s.beginWrite(uid, cId, guard)
	if err != nil {
		return 0, err
	}

	r, err := tx.Exec("DELETE FROM "+s.bsoTable(uid)+
		" WHERE userid=? AND collection=? AND id=? AND ttl>?",
		uid, cId, bId, s.ttlCutoff())
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if affected, _ := r.RowsAffected(); affected == 0 {
		tx.Rollback()
		return 0, ErrNotFound
	}

	if err := s.touchCollection(tx, uid, cId, modified); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return modified, nil
}

// DeleteBSOs removes the BSOs matching params from a collection and
// returns its new last modified timestamp
func (s *SQLStore) DeleteBSOs(uid int, collection string, params *GetParams, guard *int) (int, error) {
	var modified int
	err := retryWrite(func() error {
		var err error
		modified, err = s.doDeleteBSOs(uid, collection, params, guard)
		return err
	})
	return modified, err
}

func (s *SQLStore) doDeleteBSOs(uid int, collection string, params *GetParams, guard *int) (int, error) {
	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return 0, err
	}

	tx, _, modified, err := s.beginWrite(uid, cId, guard)
	if err != nil {
		return 0, err
	}

	where, values, err := s.buildFilter(uid, cId, params)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if params.Limit > 0 {
		var order string
		if clause := orderBy(params.Sort); clause != "" {
			order = strings.TrimPrefix(clause, " ORDER BY ")
		}
		_, err = s.dialect.DeleteLimited(tx, s.bsoTable(uid), where, order, params.Limit, values...)
	} else {
		_, err = tx.Exec("DELETE FROM "+s.bsoTable(uid)+" WHERE "+where, values...)
	}
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := s.touchCollection(tx, uid, cId, modified); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return modified, nil
}

// DeleteCollection removes all of a collection's BSOs and its
// timestamp row
func (s *SQLStore) DeleteCollection(uid int, collection string, guard *int) (int, error) {
	var modified int
	err := retryWrite(func() error {
		var err error
		modified, err = s.doDeleteCollection(uid, collection, guard)
		return err
	})
	return modified, err
}

func (s *SQLStore) doDeleteCollection(uid int, collection string, guard *int) (int, error) {
	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return 0, err
	}

	tx, _, modified, err := s.beginWrite(uid, cId, guard)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec("DELETE FROM "+s.bsoTable(uid)+
		" WHERE userid=? AND collection=?", uid, cId); err != nil {
		tx.Rollback()
		return 0, err
	}

	if _, err := tx.Exec("DELETE FROM user_collections WHERE userid=? AND collection=?",
		uid, cId); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return modified, nil
}

// DeleteStorage wipes everything the user owns
func (s *SQLStore) DeleteStorage(uid int) error {
	return retryWrite(func() error { return s.doDeleteStorage(uid) })
}

func (s *SQLStore) doDeleteStorage(uid int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	statements := []string{
		"DELETE FROM " + s.bsoTable(uid) + " WHERE userid=?",
		"DELETE FROM " + s.buiTable(uid) + " WHERE userid=?",
		"DELETE FROM batch_uploads WHERE userid=?",
		"DELETE FROM user_collections WHERE userid=?",
	}
	for _, dml := range statements {
		if _, err := tx.Exec(dml, uid); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// PurgeExpired deletes at most maxItems expired rows per bso table.
// grace is in seconds; rows expired for less than grace are kept so
// in-flight readers don't see items vanish mid-sync.
func (s *SQLStore) PurgeExpired(grace, maxItems int) (int, error) {
	if maxItems <= 0 {
		maxItems = 1000
	}

	cutoff := s.now()/1000 - grace
	purged := 0
	for _, table := range shardTableNames("bso", s.shardSize) {
		n, err := s.dialect.PurgeExpired(s.db, table, cutoff, maxItems)
		if err != nil {
			return purged, errors.Wrapf(err, "purge of %s failed", table)
		}
		purged += n
	}

	storeDebug("purged %d expired bsos", purged)
	return purged, nil
}

// beginWrite opens a transaction holding the write lock on (uid, cId)
// and picks the next last modified timestamp for the collection. The
// clock is clamped to prior+1 so timestamps are strictly monotonic
// per collection even if the wall clock stalls.
//
// A non-nil guard is the X-If-Unmodified-Since condition; it is
// checked against the locked last modified so no writer can slip in
// between the check and the mutation.
func (s *SQLStore) beginWrite(uid, cId int, guard *int) (tx *sql.Tx, prior, modified int, err error) {
	tx, err = s.db.Begin()
	if err != nil {
		return nil, 0, 0, err
	}

	prior, err = s.dialect.LockWrite(tx, uid, cId)
	if err != nil && err != ErrNotFound {
		tx.Rollback()
		return nil, 0, 0, err
	}

	if guard != nil && prior > *guard {
		tx.Rollback()
		return nil, 0, 0, ErrPreconditionFailed
	}

	modified = s.now()
	if modified <= prior {
		modified = prior + 1
	}

	return tx, prior, modified, nil
}

// touchCollection records the new last modified time, creating the
// user_collections row on first write
func (s *SQLStore) touchCollection(tx *sql.Tx, uid, cId, modified int) error {
	r, err := tx.Exec(
		"UPDATE user_collections SET last_modified=? WHERE userid=? AND collection=?",
		modified, uid, cId)
	if err != nil {
		return err
	}

	if affected, _ := r.RowsAffected(); affected == 0 {
		_, err = tx.Exec(
			"INSERT INTO user_collections (userid, collection, last_modified) VALUES (?,?,?)",
			uid, cId, modified)
	}

	return err
}

// checkQuota rejects a write whose incoming bytes don't fit under the
// configured quota. It runs inside the write transaction; concurrent
// writes to other collections may still race past it, the quota is a
// soft cap.
func (s *SQLStore) checkQuota(tx *sql.Tx, uid, incoming int) error {
	var used sql.NullInt64
	err := tx.QueryRow(
		"SELECT SUM(payload_size) FROM "+s.bsoTable(uid)+" WHERE userid=? AND ttl>?",
		uid, s.ttlCutoff()).Scan(&used)
	if err != nil {
		return err
	}

	if int(used.Int64)+incoming > s.quotaBytes {
		return ErrQuotaExceeded
	}
	return nil
}

// putBSO INSERTs or UPDATEs one row. Values that are nil are not
// touched on update; on insert they get their defaults. ttl is an
// offset in seconds from now, stored as an absolute expiry.
func (s *SQLStore) putBSO(tx *sql.Tx, uid, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) error {

	if payload == nil && sortIndex == nil && ttl == nil {
		return ErrNothingToDo
	}

	if !BSOIdOk(bId) {
		return ErrInvalidBSOId
	}
	if sortIndex != nil && !SortIndexOk(*sortIndex) {
		return ErrInvalidSortIndex
	}
	if ttl != nil && !TTLOk(*ttl) {
		return ErrInvalidTTL
	}
	if payload != nil && len(*payload) > MAX_BSO_PAYLOAD_SIZE {
		return ErrPayloadTooBig
	}

	table := s.bsoTable(uid)

	var found int
	err := tx.QueryRow("SELECT 1 FROM "+table+
		" WHERE userid=? AND collection=? AND id=?", uid, cId, bId).Scan(&found)

	if err == sql.ErrNoRows {
		return s.insertBSO(tx, table, uid, cId, bId, modified, payload, sortIndex, ttl)
	}
	if err != nil {
		return err
	}

	return s.updateBSO(tx, table, uid, cId, bId, modified, payload, sortIndex, ttl)
}

func (s *SQLStore) insertBSO(tx *sql.Tx, table string, uid, cId int, bId string,
	modified int, payload *string, sortIndex, ttl *int) error {

	var p string
	var si int

	expiry := MAX_TTL
	if payload != nil {
		p = *payload
	}
	if sortIndex != nil {
		si = *sortIndex
	}
	if ttl != nil {
		expiry = modified/1000 + *ttl
	}

	// the dialect upsert keeps a lost race with a concurrent insert
	// from surfacing as a duplicate key error
	err := s.dialect.UpsertBSO(tx, table, &bsoRow{
		UserId:      uid,
		Collection:  cId,
		Id:          bId,
		SortIndex:   si,
		Modified:    modified,
		Payload:     p,
		PayloadSize: len(p),
		TTL:         expiry,
	})

	if log.GetLevel() == log.DebugLevel {
		log.WithFields(log.Fields{
			"uid":      uid,
			"cId":      cId,
			"bId":      bId,
			"modified": modified,
			"expiry":   expiry,
		}).Debug("store insertBSO")
	}

	return err
}

// updateBSO only writes the columns provided. modified changes only
// when the payload or sortindex does, a ttl-only refresh keeps the
// old timestamp.
func (s *SQLStore) updateBSO(tx *sql.Tx, table string, uid, cId int, bId string,
	modified int, payload *string, sortIndex, ttl *int) error {

	var set []string
	var values []interface{}

	if payload != nil || sortIndex != nil {
		set = append(set, "modified=?")
		values = append(values, modified)
	}

	if payload != nil {
		set = append(set, "payload=?", "payload_size=?")
		values = append(values, *payload, len(*payload))
	}

	if sortIndex != nil {
		set = append(set, "sortindex=?")
		values = append(values, *sortIndex)
	}

	if ttl != nil {
		set = append(set, "ttl=?")
		values = append(values, modified/1000+*ttl)
	}

	values = append(values, uid, cId, bId)
	dml := "UPDATE " + table + " SET " + strings.Join(set, ",") +
		" WHERE userid=? AND collection=? AND id=?"

	_, err := tx.Exec(dml, values...)
	return err
}

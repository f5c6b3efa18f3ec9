package syncstorage

import (
	"database/sql"

	"github.com/pkg/errors"
)

// CreateBatch opens a new staging batch for (uid, collection). The
// batch id is the current time in milliseconds; on collision within
// the same (user, collection) it is bumped until unique.
func (s *SQLStore) CreateBatch(uid int, collection string) (int, error) {
	cId, err := s.CreateCollection(collection)
	if err != nil {
		return 0, err
	}

	batchId := s.now()
	for attempt := 0; attempt < 10; attempt++ {
		_, err := s.db.Exec(
			"INSERT INTO batch_uploads (batch, userid, collection) VALUES (?,?,?)",
			batchId, uid, cId)
		if err == nil {
			return batchId, nil
		}

		// primary key collision with a batch created in the same
		// millisecond, try the next timestamp
		batchId++
	}

	return 0, errors.New("could not allocate a unique batch id")
}

// ValidBatch reports whether a batch exists for (uid, collection)
func (s *SQLStore) ValidBatch(uid int, collection string, batchId int) (bool, error) {
	cId, err := s.GetCollectionId(collection)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}

	var found int
	err = s.db.QueryRow(
		"SELECT batch FROM batch_uploads WHERE batch=? AND userid=? AND collection=?",
		batchId, uid, cId).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "ValidBatch failed")
	}
	return true, nil
}

// AppendToBatch validates and stages items into batch_upload_items.
// Invalid items are reported in the failed map and never abort the
// append. Staged rows are invisible to readers until CommitBatch.
func (s *SQLStore) AppendToBatch(uid int, collection string, batchId int, items PostBSOInput) (*PostResults, error) {
	ok, err := s.ValidBatch(uid, collection, batchId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBatchNotFound
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}

	table := s.buiTable(uid)
	results := NewPostResults(0)

	for _, b := range items {
		if field, err := b.Validate(); err != nil {
			results.AddFailure(b.Id, "invalid "+field)
			continue
		}

		var payload interface{}
		var payloadSize interface{}
		if b.Payload != nil {
			payload = *b.Payload
			payloadSize = len(*b.Payload)
		}

		var sortIndex interface{}
		if b.SortIndex != nil {
			sortIndex = *b.SortIndex
		}

		var ttlOffset interface{}
		if b.TTL != nil {
			ttlOffset = *b.TTL
		}

		_, err := tx.Exec(
			"REPLACE INTO "+table+
				" (batch, userid, id, sortindex, payload, payload_size, ttl_offset) VALUES (?,?,?,?,?,?,?)",
			batchId, uid, b.Id, sortIndex, payload, payloadSize, ttlOffset)
		if err != nil {
			tx.Rollback()
			return nil, errors.Wrap(err, "could not append to batch")
		}

		results.AddSuccess(b.Id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

// CommitBatch applies all staged items to the collection atomically
// under the collection write lock. The commit timestamp becomes the
// modified value of every applied item and the collection's new last
// modified. The batch is dropped afterwards.
func (s *SQLStore) CommitBatch(uid int, collection string, batchId int, guard *int) (int, error) {
	var modified int
	err := retryWrite(func() error {
		var err error
		modified, err = s.doCommitBatch(uid, collection, batchId, guard)
		return err
	})
	return modified, err
}

func (s *SQLStore) doCommitBatch(uid int, collection string, batchId int, guard *int) (int, error) {
	ok, err := s.ValidBatch(uid, collection, batchId)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrBatchNotFound
	}

	cId, err := s.GetCollectionId(collection)
	if err != nil {
		return 0, err
	}

	tx, _, modified, err := s.beginWrite(uid, cId, guard)
	if err != nil {
		return 0, err
	}

	rows, err := tx.Query(
		"SELECT id, sortindex, payload, payload_size, ttl_offset FROM "+s.buiTable(uid)+
			" WHERE batch=? AND userid=?", batchId, uid)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	type stagedRow struct {
		id        string
		sortIndex *int
		payload   *string
		ttlOffset *int
	}

	var staged []stagedRow
	incoming := 0
	for rows.Next() {
		var (
			row       stagedRow
			sortIndex sql.NullInt64
			payload   sql.NullString
			size      sql.NullInt64
			ttlOffset sql.NullInt64
		)
		if err := rows.Scan(&row.id, &sortIndex, &payload, &size, &ttlOffset); err != nil {
			rows.Close()
			tx.Rollback()
			return 0, err
		}

		if sortIndex.Valid {
			v := int(sortIndex.Int64)
			row.sortIndex = &v
		}
		if payload.Valid {
			v := payload.String
			row.payload = &v
			incoming += int(size.Int64)
		}
		if ttlOffset.Valid {
			v := int(ttlOffset.Int64)
			row.ttlOffset = &v
		}
		staged = append(staged, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		tx.Rollback()
		return 0, err
	}

	if s.useQuota {
		if err := s.checkQuota(tx, uid, incoming); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	for _, row := range staged {
		// a staged row carrying only an id creates an empty record;
		// it must not sink the rest of the batch
		if row.payload == nil && row.sortIndex == nil && row.ttlOffset == nil {
			row.payload = String("")
		}
		if err := s.putBSO(tx, uid, cId, row.id, modified, row.payload, row.sortIndex, row.ttlOffset); err != nil {
			tx.Rollback()
			return 0, errors.Wrapf(err, "could not apply batch item %s", row.id)
		}
	}

	if err := s.touchCollection(tx, uid, cId, modified); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := s.deleteBatch(tx, uid, batchId); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return modified, nil
}

// BatchTotals reports how many items a batch has staged so far and
// their combined payload bytes, for the upload size limits.
func (s *SQLStore) BatchTotals(uid int, collection string, batchId int) (int, int, error) {
	ok, err := s.ValidBatch(uid, collection, batchId)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, ErrBatchNotFound
	}

	var records int
	var bytes sql.NullInt64
	err = s.db.QueryRow(
		"SELECT COUNT(*), SUM(payload_size) FROM "+s.buiTable(uid)+
			" WHERE batch=? AND userid=?", batchId, uid).Scan(&records, &bytes)
	if err != nil {
		return 0, 0, err
	}
	return records, int(bytes.Int64), nil
}

// CloseBatch discards a batch without applying it
func (s *SQLStore) CloseBatch(uid int, collection string, batchId int) error {
	ok, err := s.ValidBatch(uid, collection, batchId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBatchNotFound
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if err := s.deleteBatch(tx, uid, batchId); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) deleteBatch(tx *sql.Tx, uid, batchId int) error {
	if _, err := tx.Exec("DELETE FROM batch_uploads WHERE batch=? AND userid=?",
		batchId, uid); err != nil {
		return err
	}
	_, err := tx.Exec("DELETE FROM "+s.buiTable(uid)+" WHERE batch=? AND userid=?",
		batchId, uid)
	return err
}

// PurgeBatches sweeps batches older than lifetime milliseconds.
// Batch ids are timestamps so age checks need no extra column.
func (s *SQLStore) PurgeBatches(lifetime int) (int, error) {
	cutoff := s.now() - lifetime

	purged := 0
	for _, table := range shardTableNames("batch_upload_items", s.shardSize) {
		r, err := s.db.Exec("DELETE FROM "+table+" WHERE batch < ?", cutoff)
		if err != nil {
			return purged, err
		}
		n, _ := r.RowsAffected()
		purged += int(n)
	}

	if _, err := s.db.Exec("DELETE FROM batch_uploads WHERE batch < ?", cutoff); err != nil {
		return purged, err
	}

	return purged, nil
}

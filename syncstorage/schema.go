package syncstorage

import (
	"fmt"
	"strings"
)

// Well known collections get fixed ids below FIRST_CUSTOM_ID so every
// node assigns the same id to the same name. The dummy row at
// FIRST_CUSTOM_ID-1 pushes the autoincrement sequence past the
// reserved range.
const FIRST_CUSTOM_ID = 100

var StandardCollections = []string{
	"clients", "crypto", "forms", "history", "keys",
	"meta", "bookmarks", "prefs", "tabs", "passwords", "addons",
}

func schemaStatements(pkAutoIncrement string, shardSize int) []string {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS collections (
			collectionid %s,
			name VARCHAR(32) NOT NULL UNIQUE
		)`, pkAutoIncrement),

		`CREATE TABLE IF NOT EXISTS user_collections (
			userid INTEGER NOT NULL,
			collection INTEGER NOT NULL,
			last_modified BIGINT NOT NULL,
			PRIMARY KEY (userid, collection)
		)`,

		`CREATE TABLE IF NOT EXISTS batch_uploads (
			batch BIGINT NOT NULL,
			userid INTEGER NOT NULL,
			collection INTEGER NOT NULL,
			PRIMARY KEY (batch, userid)
		)`,
	}

	for _, table := range shardTableNames("bso", shardSize) {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) NOT NULL,
			userid INTEGER NOT NULL,
			collection INTEGER NOT NULL,
			sortindex INTEGER DEFAULT 0,
			modified BIGINT NOT NULL,
			payload TEXT NOT NULL,
			payload_size INTEGER NOT NULL DEFAULT 0,
			ttl INTEGER NOT NULL DEFAULT 2100000000,
			PRIMARY KEY (userid, collection, id)
		)`, table),
			// index names are global in sqlite so they carry the table name
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_ttl_idx ON %s (ttl)", table, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_usr_col_mod_idx ON %s (userid, collection, modified)", table, table),
		)
	}

	for _, table := range shardTableNames("batch_upload_items", shardSize) {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			batch BIGINT NOT NULL,
			userid INTEGER NOT NULL,
			id VARCHAR(64) NOT NULL,
			sortindex INTEGER,
			payload TEXT,
			payload_size INTEGER,
			ttl_offset INTEGER,
			PRIMARY KEY (batch, userid, id)
		)`, table))
	}

	return stmts
}

func shardTableNames(base string, shardSize int) []string {
	if shardSize <= 0 {
		return []string{base}
	}

	names := make([]string, shardSize)
	for i := 0; i < shardSize; i++ {
		names[i] = fmt.Sprintf("%s%d", base, i)
	}
	return names
}

// seedStatements pre-assigns the well known collection ids and plants
// the sequence floor row so custom names start at FIRST_CUSTOM_ID
func seedStatements(insertIgnore string) []string {
	values := make([]string, len(StandardCollections))
	for i, name := range StandardCollections {
		values[i] = fmt.Sprintf("(%d, '%s')", i+1, name)
	}

	return []string{
		insertIgnore + " INTO collections (collectionid, name) VALUES " +
			strings.Join(values, ", "),
		fmt.Sprintf("%s INTO collections (collectionid, name) VALUES (%d, '')",
			insertIgnore, FIRST_CUSTOM_ID-1),
	}
}

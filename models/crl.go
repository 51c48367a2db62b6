package models

// CRLInfo is one generated revocation list, full or delta. Rows are never
// mutated; each generation inserts a new row with a strictly higher number.
// For a delta CRL, BaseNumber records the full CRL it was generated against.
type CRLInfo struct {
	ID         string `db:"id" json:"id"`
	CAID       string `db:"ca_id" json:"caId"`
	Number     int64  `db:"number" json:"number"`
	IsDelta    bool   `db:"is_delta" json:"isDelta"`
	BaseNumber int64  `db:"base_number" json:"baseNumber,omitempty"`
	ThisUpdate string `db:"this_update" json:"thisUpdate"`
	NextUpdate string `db:"next_update" json:"nextUpdate"`
	EntryCount int    `db:"entry_count" json:"entryCount"`
	DER        []byte `db:"der" json:"-"`
	CreatedAt  string `db:"created_at" json:"createdAt"`
}

var SchemaCRLs = `
CREATE TABLE IF NOT EXISTS crls (
	id TEXT PRIMARY KEY,
	ca_id TEXT NOT NULL REFERENCES ca_configs(id),
	number INTEGER NOT NULL,
	is_delta INTEGER NOT NULL DEFAULT 0,
	base_number INTEGER NOT NULL DEFAULT 0,
	this_update TEXT NOT NULL,
	next_update TEXT NOT NULL,
	entry_count INTEGER NOT NULL,
	der BLOB NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (ca_id, number)
);`

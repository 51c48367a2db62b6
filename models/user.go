package models

// User is a local API account. The password is stored as a PBKDF2 hash under
// a per-user salt; the plaintext never touches the database.
type User struct {
	ID           string `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	Role         string `db:"role" json:"role"`
	PasswordHash []byte `db:"password_hash" json:"-"`
	Salt         []byte `db:"salt" json:"-"`
	CreatedAt    string `db:"created_at" json:"createdAt"`
}

var SchemaUsers = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	password_hash BLOB NOT NULL,
	salt BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

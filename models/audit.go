package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is a flat key/value bag stored as JSON.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
}

// AuditLog is one audit trail row. Written in the same transaction as the
// mutation it describes; never updated or deleted by the core.
type AuditLog struct {
	ID          string   `db:"id" json:"id"`
	Action      string   `db:"action" json:"action"`
	UserID      string   `db:"user_id" json:"userId"`
	Description string   `db:"description" json:"description"`
	Meta        Metadata `db:"metadata" json:"metadata"`
	Timestamp   string   `db:"timestamp" json:"timestamp"`
}

var SchemaAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	user_id TEXT NOT NULL,
	description TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL
);`

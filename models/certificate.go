package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SANList is an ordered list of subject alternative names, stored as a JSON
// array in a TEXT column.
type SANList []string

func (s SANList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SANList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), s)
	case []byte:
		return json.Unmarshal(v, s)
	default:
		return fmt.Errorf("cannot scan %T into SANList", src)
	}
}

// Certificate is one issued certificate. Rows are never deleted; renewal
// inserts a new row and revocation flips the status exactly once.
type Certificate struct {
	ID              string          `db:"id" json:"id"`
	CAID            string          `db:"ca_id" json:"caId"`
	SerialNumber    string          `db:"serial_number" json:"serialNumber"`
	CommonName      string          `db:"common_name" json:"commonName"`
	SANs            SANList         `db:"sans" json:"subjectAltNames"`
	CertificateType CertificateType `db:"certificate_type" json:"certificateType"`
	KeyAlgorithm    KeyAlgorithm    `db:"key_algorithm" json:"keyAlgorithm"`
	KeySize         int             `db:"key_size" json:"keySize"`
	PublicKeyPEM    string          `db:"public_key_pem" json:"publicKeyPem"`
	CertificatePEM  string          `db:"certificate_pem" json:"certificatePem"`
	ValidFrom       string          `db:"valid_from" json:"validFrom"`
	ValidTo         string          `db:"valid_to" json:"validTo"`
	Status          CertStatus      `db:"status" json:"status"`
	IssuedBy        string          `db:"issued_by" json:"issuedBy"`
	RenewedFrom     string          `db:"renewed_from" json:"renewedFrom,omitempty"`
	CreatedAt       string          `db:"created_at" json:"createdAt"`
}

// NotAfter parses the certificate validity end.
func (c *Certificate) NotAfter() (time.Time, error) {
	return time.Parse(time.RFC3339, c.ValidTo)
}

var SchemaCerts = `
CREATE TABLE IF NOT EXISTS certs (
	id TEXT PRIMARY KEY,
	ca_id TEXT NOT NULL REFERENCES ca_configs(id),
	serial_number TEXT NOT NULL,
	common_name TEXT NOT NULL,
	sans TEXT NOT NULL DEFAULT '[]',
	certificate_type TEXT NOT NULL,
	key_algorithm TEXT NOT NULL,
	key_size INTEGER NOT NULL,
	public_key_pem TEXT NOT NULL,
	certificate_pem TEXT NOT NULL,
	valid_from TEXT NOT NULL,
	valid_to TEXT NOT NULL,
	status TEXT NOT NULL,
	issued_by TEXT NOT NULL,
	renewed_from TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (ca_id, serial_number)
);`

package models

// CertificateRevocation records the terminal revocation of one certificate.
// One-to-one with certs; immutable once written.
type CertificateRevocation struct {
	CertificateID string           `db:"certificate_id" json:"certificateId"`
	CAID          string           `db:"ca_id" json:"caId"`
	SerialNumber  string           `db:"serial_number" json:"serialNumber"`
	Reason        RevocationReason `db:"reason" json:"reason"`
	RevokedAt     string           `db:"revoked_at" json:"revokedAt"`
	RevokedBy     string           `db:"revoked_by" json:"revokedBy"`
}

var SchemaRevocations = `
CREATE TABLE IF NOT EXISTS cert_revocations (
	certificate_id TEXT PRIMARY KEY REFERENCES certs(id),
	ca_id TEXT NOT NULL REFERENCES ca_configs(id),
	serial_number TEXT NOT NULL,
	reason TEXT NOT NULL,
	revoked_at TEXT NOT NULL,
	revoked_by TEXT NOT NULL
);`

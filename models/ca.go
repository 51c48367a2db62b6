package models

import "time"

// CAConfig is the persisted state of one certificate authority. The private
// key is stored encrypted only; plaintext key material never reaches the
// database. Created once at initialization, mutated only by lifecycle
// transitions and CRL-number increments.
type CAConfig struct {
	ID                   string       `db:"id" json:"id"`
	Name                 string       `db:"name" json:"name"`
	CommonName           string       `db:"common_name" json:"commonName"`
	CountryName          string       `db:"country_name" json:"countryName"`
	StateProvince        string       `db:"state_province" json:"stateProvince"`
	LocalityName         string       `db:"locality_name" json:"localityName"`
	Organization         string       `db:"organization" json:"organization"`
	OrganizationUnit     string       `db:"organization_unit" json:"organizationUnit"`
	KeyAlgorithm         KeyAlgorithm `db:"key_algorithm" json:"keyAlgorithm"`
	KeySize              int          `db:"key_size" json:"keySize"`
	PrivateKeyEnc        []byte       `db:"private_key_enc" json:"-"`
	CertificatePEM       string       `db:"certificate_pem" json:"certificatePem"`
	ChainPEM             string       `db:"chain_pem" json:"chainPem"`
	Status               CAStatus     `db:"status" json:"status"`
	ValidFrom            string       `db:"valid_from" json:"validFrom"`
	ValidTo              string       `db:"valid_to" json:"validTo"`
	CRLNumber            int64        `db:"crl_number" json:"crlNumber"`
	CRLDistributionPoint string       `db:"crl_distribution_point" json:"crlDistributionPoint"`
	OCSPURL              string       `db:"ocsp_url" json:"ocspUrl"`
	UniqueCommonName     bool         `db:"unique_common_name" json:"uniqueCommonName"`
	CreatedAt            string       `db:"created_at" json:"createdAt"`
}

// NotAfter parses the CA validity end. Returns the zero time when the CA has
// no installed certificate yet.
func (c *CAConfig) NotAfter() time.Time {
	t, err := time.Parse(time.RFC3339, c.ValidTo)
	if err != nil {
		return time.Time{}
	}
	return t
}

var SchemaCAConfigs = `
CREATE TABLE IF NOT EXISTS ca_configs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	common_name TEXT NOT NULL,
	country_name TEXT,
	state_province TEXT,
	locality_name TEXT,
	organization TEXT,
	organization_unit TEXT,
	key_algorithm TEXT NOT NULL,
	key_size INTEGER NOT NULL,
	private_key_enc BLOB NOT NULL,
	certificate_pem TEXT NOT NULL DEFAULT '',
	chain_pem TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	valid_from TEXT NOT NULL DEFAULT '',
	valid_to TEXT NOT NULL DEFAULT '',
	crl_number INTEGER NOT NULL DEFAULT 0,
	crl_distribution_point TEXT NOT NULL DEFAULT '',
	ocsp_url TEXT NOT NULL DEFAULT '',
	unique_common_name INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);`

package models

import "fmt"

// CAStatus is the lifecycle state of a CA configuration.
type CAStatus string

const (
	CAPending CAStatus = "PENDING"
	CAActive  CAStatus = "ACTIVE"
	CAExpired CAStatus = "EXPIRED"
	CARevoked CAStatus = "REVOKED"
)

// CertStatus is the lifecycle state of an issued certificate.
type CertStatus string

const (
	CertActive  CertStatus = "ACTIVE"
	CertRevoked CertStatus = "REVOKED"
	CertExpired CertStatus = "EXPIRED"
)

// KeyAlgorithm enumerates the supported key algorithms.
type KeyAlgorithm string

const (
	KeyRSA     KeyAlgorithm = "RSA"
	KeyECDSA   KeyAlgorithm = "ECDSA"
	KeyEd25519 KeyAlgorithm = "Ed25519"
)

// AllowedKeySizes maps each algorithm to its accepted key size or curve
// parameter. Ed25519 has a fixed size and accepts only 0 (meaning "default").
var AllowedKeySizes = map[KeyAlgorithm][]int{
	KeyRSA:     {2048, 3072, 4096},
	KeyECDSA:   {256, 384, 521},
	KeyEd25519: {0},
}

// CertificateType drives keyUsage / extendedKeyUsage extension selection.
type CertificateType string

const (
	TypeServer CertificateType = "SERVER"
	TypeClient CertificateType = "CLIENT"
	TypeCA     CertificateType = "CA"
)

// RevocationReason is an RFC 5280 CRLReason by name.
type RevocationReason string

const (
	ReasonUnspecified          RevocationReason = "UNSPECIFIED"
	ReasonKeyCompromise        RevocationReason = "KEY_COMPROMISE"
	ReasonCACompromise         RevocationReason = "CA_COMPROMISE"
	ReasonAffiliationChanged   RevocationReason = "AFFILIATION_CHANGED"
	ReasonSuperseded           RevocationReason = "SUPERSEDED"
	ReasonCessationOfOperation RevocationReason = "CESSATION_OF_OPERATION"
	ReasonCertificateHold      RevocationReason = "CERTIFICATE_HOLD"
)

var reasonCodes = map[RevocationReason]int{
	ReasonUnspecified:          0,
	ReasonKeyCompromise:        1,
	ReasonCACompromise:         2,
	ReasonAffiliationChanged:   3,
	ReasonSuperseded:           4,
	ReasonCessationOfOperation: 5,
	ReasonCertificateHold:      6,
}

// Code returns the RFC 5280 CRLReason code for the reason.
func (r RevocationReason) Code() (int, error) {
	code, ok := reasonCodes[r]
	if !ok {
		return 0, fmt.Errorf("unknown revocation reason %q", r)
	}
	return code, nil
}

// Valid reports whether r is one of the enumerated reasons.
func (r RevocationReason) Valid() bool {
	_, ok := reasonCodes[r]
	return ok
}

// ReasonFromCode maps an RFC 5280 CRLReason code back to its name.
func ReasonFromCode(code int) RevocationReason {
	for name, c := range reasonCodes {
		if c == code {
			return name
		}
	}
	return ReasonUnspecified
}

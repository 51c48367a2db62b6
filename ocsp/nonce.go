package ocsp

import (
	"crypto/x509/pkix"
	"encoding/asn1"
)

// oidNonce is id-pkix-ocsp-nonce (RFC 8954).
var oidNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

// golang.org/x/crypto/ocsp.ParseRequest discards request extensions, so the
// nonce has to be pulled out of the raw DER. These structs mirror the
// OCSPRequest / TBSRequest sequences of RFC 6960 §4.1.1 far enough to reach
// requestExtensions.
type ocspRequest struct {
	TBSRequest        tbsRequest
	OptionalSignature asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type tbsRequest struct {
	Version           int           `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName     asn1.RawValue `asn1:"explicit,tag:1,optional"`
	RequestList       []asn1.RawValue
	RequestExtensions []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type requestNonce struct {
	value []byte
}

// echo returns the response extension carrying the client's nonce verbatim.
func (n *requestNonce) echo() pkix.Extension {
	return pkix.Extension{Id: oidNonce, Value: n.value}
}

// extractNonce returns the nonce extension value from a DER OCSP request, or
// nil when the request carries none or cannot be parsed.
func extractNonce(reqDER []byte) *requestNonce {
	var req ocspRequest
	if _, err := asn1.Unmarshal(reqDER, &req); err != nil {
		return nil
	}
	for _, ext := range req.TBSRequest.RequestExtensions {
		if ext.Id.Equal(oidNonce) {
			return &requestNonce{value: ext.Value}
		}
	}
	return nil
}

package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

var admin = authz.Identity{UserID: "root", Role: authz.RoleAdmin}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	require.NoError(t, st.InitSchema())

	cipher, err := crypts.NewCipher(crypts.DeriveKey([]byte("test passphrase"), []byte("salt")))
	require.NoError(t, err)

	dispatcher := audit.NewDispatcher("")
	t.Cleanup(dispatcher.Close)

	return NewService(st, cipher, dispatcher), st
}

func initRequest(name string) InitRequest {
	return InitRequest{
		Name:         name,
		CommonName:   "Example Issuing CA",
		Organization: "Example Corp",
		CountryName:  "DE",
		KeyAlgorithm: models.KeyECDSA,
		KeySize:      256,
	}
}

// signCSR plays the parent CA: it signs the subordinate's CSR with a fresh
// self-signed root and returns the certificate and root PEM.
func signCSR(t *testing.T, csrPEM []byte) (certPEM, rootPEM []byte) {
	t.Helper()

	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	require.Equal(t, "CERTIFICATE REQUEST", block.Type)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())

	rootKey, err := crypts.GenerateKeyPair(models.KeyECDSA, 256)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Example Root CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	subTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               csr.Subject,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(5, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	subDER, err := x509.CreateCertificate(rand.Reader, subTemplate, rootCert, csr.PublicKey, rootKey)
	require.NoError(t, err)

	return crypts.EncodeCertificatePEM(subDER), crypts.EncodeCertificatePEM(rootDER)
}

func TestInitCreatesPendingCA(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	caConfig, err := svc.Init(ctx, admin, initRequest("issuing-1"))
	require.NoError(t, err)
	assert.Equal(t, models.CAPending, caConfig.Status)
	assert.True(t, caConfig.UniqueCommonName, "policy must default to enforced")
	assert.NotEmpty(t, caConfig.PrivateKeyEnc)
	assert.Empty(t, caConfig.CertificatePEM)

	n, err := st.CountAuditByAction(ctx, string(audit.ActionCAInitialized))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitUniqueCommonNameOverride(t *testing.T) {
	svc, _ := newTestService(t)

	req := initRequest("relaxed")
	disabled := false
	req.UniqueCommonName = &disabled

	caConfig, err := svc.Init(context.Background(), admin, req)
	require.NoError(t, err)
	assert.False(t, caConfig.UniqueCommonName)
}

func TestInitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := initRequest("")
	_, err := svc.Init(ctx, admin, req)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	req = initRequest("bad-key")
	req.KeySize = 1000
	_, err = svc.Init(ctx, admin, req)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestInitDuplicateNameConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Init(ctx, admin, initRequest("twin"))
	require.NoError(t, err)
	_, err = svc.Init(ctx, admin, initRequest("twin"))
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestInitRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	op := authz.Identity{UserID: "op", Role: authz.RoleOperator}
	_, err := svc.Init(context.Background(), op, initRequest("nope"))
	assert.True(t, apperr.IsCode(err, apperr.CodeAuthorization))
}

func TestActivateLifecycle(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	caConfig, err := svc.Init(ctx, admin, initRequest("lifecycle"))
	require.NoError(t, err)

	csrPEM, err := svc.GenerateCSR(ctx, admin, caConfig.ID)
	require.NoError(t, err)

	certPEM, rootPEM := signCSR(t, csrPEM)
	activated, err := svc.Activate(ctx, admin, caConfig.ID, certPEM, rootPEM)
	require.NoError(t, err)
	assert.Equal(t, models.CAActive, activated.Status)
	assert.NotEmpty(t, activated.ValidTo)

	active, err := st.ActiveCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, caConfig.ID, active.ID)

	n, err := st.CountAuditByAction(ctx, string(audit.ActionCAActivated))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActivateRejectsForeignCertificate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	caConfig, err := svc.Init(ctx, admin, initRequest("mismatched"))
	require.NoError(t, err)

	// A certificate for a different key pair must be refused.
	other, err := svc.Init(ctx, admin, initRequest("other"))
	require.NoError(t, err)
	otherCSR, err := svc.GenerateCSR(ctx, admin, other.ID)
	require.NoError(t, err)
	certPEM, rootPEM := signCSR(t, otherCSR)

	_, err = svc.Activate(ctx, admin, caConfig.ID, certPEM, rootPEM)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation), "got %v", err)
}

func TestSecondActiveCAConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"first", "second"} {
		caConfig, err := svc.Init(ctx, admin, initRequest(name))
		require.NoError(t, err)
		csrPEM, err := svc.GenerateCSR(ctx, admin, caConfig.ID)
		require.NoError(t, err)
		certPEM, rootPEM := signCSR(t, csrPEM)

		_, err = svc.Activate(ctx, admin, caConfig.ID, certPEM, rootPEM)
		if name == "first" {
			require.NoError(t, err)
		} else {
			assert.True(t, apperr.IsCode(err, apperr.CodeConflict), "got %v", err)
		}
	}
}

func TestActivateTwiceConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	caConfig, err := svc.Init(ctx, admin, initRequest("idempotence"))
	require.NoError(t, err)
	csrPEM, err := svc.GenerateCSR(ctx, admin, caConfig.ID)
	require.NoError(t, err)
	certPEM, rootPEM := signCSR(t, csrPEM)

	_, err = svc.Activate(ctx, admin, caConfig.ID, certPEM, rootPEM)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, admin, caConfig.ID, certPEM, rootPEM)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestDeleteCA(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	caConfig, err := svc.Init(ctx, admin, initRequest("disposable"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, admin, caConfig.ID))
	_, err = st.CAByID(ctx, caConfig.ID)
	assert.Error(t, err)

	n, err := st.CountAuditByAction(ctx, string(audit.ActionCADeleted))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteActiveCARefused(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	caConfig, err := svc.Init(ctx, admin, initRequest("entrenched"))
	require.NoError(t, err)
	csrPEM, err := svc.GenerateCSR(ctx, admin, caConfig.ID)
	require.NoError(t, err)
	certPEM, rootPEM := signCSR(t, csrPEM)
	_, err = svc.Activate(ctx, admin, caConfig.ID, certPEM, rootPEM)
	require.NoError(t, err)

	err = svc.Delete(ctx, admin, caConfig.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestDeleteRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	op := authz.Identity{UserID: "op", Role: authz.RoleOperator}
	err := svc.Delete(context.Background(), op, "any")
	assert.True(t, apperr.IsCode(err, apperr.CodeAuthorization))
}

package revoke

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/issuer"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

var operator = authz.Identity{UserID: "op", Role: authz.RoleOperator}

type testEnv struct {
	store   *store.Store
	issuer  *issuer.Issuer
	manager *Manager
	ca      *models.CAConfig
	caCert  *x509.Certificate
}

func newTestEnv(t *testing.T) *testEnv {
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

	key, err := crypts.GenerateKeyPair(models.KeyECDSA, 256)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Sub CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(5, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyPEM, err := crypts.EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	keyEnc, err := cipher.Encrypt(keyPEM)
	require.NoError(t, err)

	caConfig := &models.CAConfig{
		ID:             uuid.NewString(),
		Name:           "test-ca",
		CommonName:     "Test Sub CA",
		KeyAlgorithm:   models.KeyECDSA,
		KeySize:        256,
		PrivateKeyEnc:  keyEnc,
		CertificatePEM: string(crypts.EncodeCertificatePEM(der)),
		Status:         models.CAActive,
		ValidFrom:      template.NotBefore.Format(time.RFC3339),
		ValidTo:        template.NotAfter.Format(time.RFC3339),
		CreatedAt:      now.Format(time.RFC3339),
	}
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertCA(ctx, caConfig)
	}))

	return &testEnv{
		store:   st,
		issuer:  issuer.New(st, cipher, issuer.NewSerialAllocator(), dispatcher),
		manager: NewManager(st, cipher, dispatcher, 24*time.Hour),
		ca:      caConfig,
		caCert:  caCert,
	}
}

func (env *testEnv) issueCert(t *testing.T, cn string) *models.Certificate {
	t.Helper()
	result, err := env.issuer.Issue(context.Background(), operator, issuer.IssueRequest{
		CAID:            env.ca.ID,
		CommonName:      cn,
		KeyAlgorithm:    models.KeyECDSA,
		KeySize:         256,
		ValidityDays:    90,
		CertificateType: models.TypeClient,
	})
	require.NoError(t, err)
	return result.Certificate
}

func TestRevokeIsOneWay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cert := env.issueCert(t, "victim.example.com")

	rev, err := env.manager.Revoke(ctx, operator, cert.ID, models.ReasonKeyCompromise)
	require.NoError(t, err)
	assert.Equal(t, cert.SerialNumber, rev.SerialNumber)
	assert.Equal(t, "op", rev.RevokedBy)

	stored, err := env.store.CertByID(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertRevoked, stored.Status)

	// Re-revoking fails and leaves the original record untouched.
	_, err = env.manager.Revoke(ctx, operator, cert.ID, models.ReasonSuperseded)
	assert.True(t, apperr.IsCode(err, apperr.CodeAlreadyRevoked), "got %v", err)

	again, err := env.store.RevocationByCertID(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonKeyCompromise, again.Reason)
	assert.Equal(t, rev.RevokedAt, again.RevokedAt)

	n, err := env.store.CountAuditByAction(ctx, string(audit.ActionCertificateRevoked))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed second attempt must not write audit rows")
}

func TestRevokeUnknownCertificate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Revoke(context.Background(), operator, "missing", models.ReasonUnspecified)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestRevokeInvalidReason(t *testing.T) {
	env := newTestEnv(t)
	cert := env.issueCert(t, "typo.example.com")
	_, err := env.manager.Revoke(context.Background(), operator, cert.ID, "BECAUSE")
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestRevokeRequiresOperator(t *testing.T) {
	env := newTestEnv(t)
	viewer := authz.Identity{UserID: "view", Role: authz.RoleViewer}
	_, err := env.manager.Revoke(context.Background(), viewer, "any", models.ReasonUnspecified)
	assert.True(t, apperr.IsCode(err, apperr.CodeAuthorization))
}

func TestGenerateCRLContainsRevokedSerial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cert := env.issueCert(t, "listed.example.com")
	rev, err := env.manager.Revoke(ctx, operator, cert.ID, models.ReasonCessationOfOperation)
	require.NoError(t, err)

	info, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)
	assert.False(t, info.IsDelta)
	assert.Equal(t, 1, info.EntryCount)

	crl, err := x509.ParseRevocationList(info.DER)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(env.caCert))
	require.Len(t, crl.RevokedCertificateEntries, 1)

	entry := crl.RevokedCertificateEntries[0]
	assert.Equal(t, cert.SerialNumber, issuer.FormatSerial(entry.SerialNumber))
	assert.Equal(t, 5, entry.ReasonCode)

	revokedAt, err := time.Parse(time.RFC3339, rev.RevokedAt)
	require.NoError(t, err)
	assert.True(t, entry.RevocationTime.Equal(revokedAt))
}

func TestCRLNumbersStrictlyIncrease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var numbers []int64
	for i := 0; i < 3; i++ {
		info, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
		require.NoError(t, err)
		numbers = append(numbers, info.Number)
	}
	assert.Equal(t, []int64{1, 2, 3}, numbers)
}

func TestDeltaCRLRequiresFullBase(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.GenerateDeltaCRL(context.Background(), operator, env.ca.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestDeltaCRLCoversOnlyNewRevocations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	early := env.issueCert(t, "early.example.com")
	_, err := env.manager.Revoke(ctx, operator, early.ID, models.ReasonKeyCompromise)
	require.NoError(t, err)

	full, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, full.EntryCount)

	// Revocation timestamps have second resolution; the delta boundary is
	// strict, so step past the full CRL's thisUpdate.
	time.Sleep(1100 * time.Millisecond)

	late := env.issueCert(t, "late.example.com")
	_, err = env.manager.Revoke(ctx, operator, late.ID, models.ReasonSuperseded)
	require.NoError(t, err)

	delta, err := env.manager.GenerateDeltaCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)
	assert.True(t, delta.IsDelta)
	assert.Equal(t, full.Number, delta.BaseNumber)
	assert.Greater(t, delta.Number, full.Number)
	assert.Equal(t, 1, delta.EntryCount)

	crl, err := x509.ParseRevocationList(delta.DER)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, late.SerialNumber,
		issuer.FormatSerial(crl.RevokedCertificateEntries[0].SerialNumber))

	// The delta carries a critical deltaCRLIndicator naming the base.
	var found bool
	for _, ext := range crl.Extensions {
		if ext.Id.Equal(oidDeltaCRLIndicator) {
			found = true
			assert.True(t, ext.Critical)
			var base *big.Int
			_, uerr := asn1.Unmarshal(ext.Value, &base)
			require.NoError(t, uerr)
			assert.Equal(t, full.Number, base.Int64())
		}
	}
	assert.True(t, found, "deltaCRLIndicator extension missing")
}

func TestFullCRLAfterDeltaIsSuperset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.issueCert(t, "first.example.com")
	_, err := env.manager.Revoke(ctx, operator, first.ID, models.ReasonUnspecified)
	require.NoError(t, err)
	_, err = env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	second := env.issueCert(t, "second.example.com")
	_, err = env.manager.Revoke(ctx, operator, second.ID, models.ReasonUnspecified)
	require.NoError(t, err)
	_, err = env.manager.GenerateDeltaCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)

	full, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, full.EntryCount)

	crl, err := x509.ParseRevocationList(full.DER)
	require.NoError(t, err)
	serials := make(map[string]bool)
	for _, entry := range crl.RevokedCertificateEntries {
		serials[issuer.FormatSerial(entry.SerialNumber)] = true
	}
	assert.True(t, serials[first.SerialNumber])
	assert.True(t, serials[second.SerialNumber])
}

func TestLatestReturnsNewestOfKind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)
	second, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	require.NoError(t, err)

	latest, err := env.manager.Latest(ctx, env.ca.ID, false)
	require.NoError(t, err)
	assert.Equal(t, second.Number, latest.Number)
	assert.NotEmpty(t, latest.DER)

	_, err = env.manager.Latest(ctx, env.ca.ID, true)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestGenerateCRLRequiresActiveCA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateCAStatus(ctx, env.ca.ID, models.CAExpired)
	}))

	_, err := env.manager.GenerateCRL(ctx, operator, env.ca.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeCAUnavailable))
}

package check

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

func TestSweepMarksLapsedCertificatesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	lapsed := &models.Certificate{
		ID:              uuid.NewString(),
		CAID:            env.ca.ID,
		SerialNumber:    "1234",
		CommonName:      "old.example.com",
		CertificateType: models.TypeServer,
		KeyAlgorithm:    models.KeyECDSA,
		KeySize:         256,
		ValidFrom:       time.Now().UTC().Add(-90 * 24 * time.Hour).Format(time.RFC3339),
		ValidTo:         past,
		Status:          models.CertActive,
		CreatedAt:       past,
	}
	require.NoError(t, env.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertCert(ctx, lapsed)
	}))

	env.issueCert(t, "fresh.example.com")

	NewSweeper(env.store, time.Hour).Sweep(ctx)

	got, err := env.store.CertByID(ctx, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertExpired, got.Status)

	// The status flip is a mutation like any other and carries its audit row.
	n, err := env.store.CountAuditByAction(ctx, string(audit.ActionCertificateExpired))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepLeavesCurrentCertificatesAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entity, _ := env.issueCert(t, "current.example.com")
	NewSweeper(env.store, time.Hour).Sweep(ctx)

	got, err := env.store.CertByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertActive, got.Status)
}

func TestSweepMarksLapsedCAExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	require.NoError(t, env.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InstallCACertificate(ctx, env.ca.ID, env.ca.CertificatePEM, "",
			env.ca.ValidFrom, past, models.CAActive)
	}))

	NewSweeper(env.store, time.Hour).Sweep(ctx)

	got, err := env.store.CAByID(ctx, env.ca.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CAExpired, got.Status)

	n, err := env.store.CountAuditByAction(ctx, string(audit.ActionCAExpired))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepAuditRowIsPerCertificate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	for i, serial := range []string{"AA01", "AA02"} {
		cert := &models.Certificate{
			ID:              uuid.NewString(),
			CAID:            env.ca.ID,
			SerialNumber:    serial,
			CommonName:      fmt.Sprintf("old%d.example.com", i),
			CertificateType: models.TypeServer,
			KeyAlgorithm:    models.KeyECDSA,
			KeySize:         256,
			ValidFrom:       time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339),
			ValidTo:         past,
			Status:          models.CertActive,
			CreatedAt:       past,
		}
		require.NoError(t, env.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.InsertCert(ctx, cert)
		}))
	}

	NewSweeper(env.store, time.Hour).Sweep(ctx)

	n, err := env.store.CountAuditByAction(ctx, string(audit.ActionCertificateExpired))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-sweeping finds nothing ACTIVE and must not write more rows.
	NewSweeper(env.store, time.Hour).Sweep(ctx)
	n, err = env.store.CountAuditByAction(ctx, string(audit.ActionCertificateExpired))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

// Sweeper periodically flips certificates and CAs whose validity window has
// lapsed from ACTIVE to EXPIRED.
type Sweeper struct {
	store    *store.Store
	interval time.Duration
}

func NewSweeper(st *store.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: st, interval: interval}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Errors are logged, not returned; the next tick
// retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339)

	certs, err := s.store.ListExpiredActiveCerts(ctx, now)
	if err != nil {
		slog.Error("sweep: list expired certificates", "error", err)
		return
	}
	expired := 0
	for _, cert := range certs {
		err := s.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.UpdateCertStatus(ctx, cert.ID, models.CertExpired); err != nil {
				return err
			}
			return audit.Record(ctx, tx, audit.ActionCertificateExpired,
				authz.System.UserID, "certificate validity lapsed", models.Metadata{
					"certificate_id": cert.ID,
					"serial_number":  cert.SerialNumber,
				})
		})
		if err != nil {
			slog.Error("sweep: mark certificate expired",
				"certificate_id", cert.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		slog.Info("sweep: certificates marked expired", "count", expired)
	}

	cas, err := s.store.ListExpiredActiveCAs(ctx, now)
	if err != nil {
		slog.Error("sweep: list expired CAs", "error", err)
		return
	}
	for _, caConfig := range cas {
		err := s.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.UpdateCAStatus(ctx, caConfig.ID, models.CAExpired); err != nil {
				return err
			}
			return audit.Record(ctx, tx, audit.ActionCAExpired,
				authz.System.UserID, "CA validity lapsed", models.Metadata{
					"ca_id": caConfig.ID,
					"name":  caConfig.Name,
				})
		})
		if err != nil {
			slog.Error("sweep: mark CA expired", "ca_id", caConfig.ID, "error", err)
			continue
		}
		slog.Warn("sweep: CA expired", "ca_id", caConfig.ID, "name", caConfig.Name)
	}
}

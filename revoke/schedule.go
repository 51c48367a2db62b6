package revoke

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/addspin/subca/authz"
)

// RunScheduled regenerates the full CRL for the active CA immediately and
// then on every tick until ctx is cancelled. Ticks with no active CA are
// skipped quietly; other failures are logged and retried next tick.
func (m *Manager) RunScheduled(ctx context.Context) {
	m.refresh(ctx)

	ticker := time.NewTicker(m.crlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Manager) refresh(ctx context.Context) {
	caConfig, err := m.store.ActiveCA(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		slog.Error("crl refresh: load active CA", "error", err)
		return
	}

	crl, err := m.GenerateCRL(ctx, authz.System, caConfig.ID)
	if err != nil {
		slog.Error("crl refresh: generate CRL", "ca_id", caConfig.ID, "error", err)
		return
	}
	slog.Info("crl refresh: full CRL generated",
		"ca_id", caConfig.ID, "number", crl.Number, "entries", crl.EntryCount)
}

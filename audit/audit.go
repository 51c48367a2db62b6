// Package audit writes the audit trail and dispatches post-commit webhook
// notifications. Audit rows ride in the same transaction as the mutation
// they describe; webhook delivery is fire-and-forget and never affects the
// outcome of the operation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

// Action identifies the mutating operation an audit row belongs to.
type Action string

const (
	ActionCAInitialized      Action = "CA_INITIALIZED"
	ActionCAActivated        Action = "CA_ACTIVATED"
	ActionCADeleted          Action = "CA_DELETED"
	ActionCAExpired          Action = "CA_EXPIRED"
	ActionCertificateIssued  Action = "CERTIFICATE_ISSUED"
	ActionCertificateRenewed Action = "CERTIFICATE_RENEWED"
	ActionCertificateRevoked Action = "CERTIFICATE_REVOKED"
	ActionCertificateExpired Action = "CERTIFICATE_EXPIRED"
	ActionCRLGenerated       Action = "CRL_GENERATED"
	ActionDeltaCRLGenerated  Action = "DELTA_CRL_GENERATED"
)

// Record inserts one audit row inside the caller's unit of work.
func Record(ctx context.Context, tx *store.Tx, action Action, userID, description string, meta models.Metadata) error {
	return tx.InsertAudit(ctx, &models.AuditLog{
		ID:          uuid.NewString(),
		Action:      string(action),
		UserID:      userID,
		Description: description,
		Meta:        meta,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

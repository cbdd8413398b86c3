/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * The status transition is a conditional UPDATE guarded by the expected prior status,
 * which is what makes settlement at-most-once under concurrent release attempts.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/escrow-service/internal/domain"
)

var (
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrDuplicateTransfer   = errors.New("transfer already exists")
	ErrAuditEntryInvalid   = errors.New("audit entry is missing an event type")
	ErrDestinationNotFound = errors.New("payee destination not found")
)

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the Repository backed by PostgreSQL.
type PostgresRepository struct {
	db            DBTX
	eventExchange string
}

// NewPostgresRepository creates a repository. Audit entries are mirrored to
// eventExchange through the outbox.
func NewPostgresRepository(db DBTX, eventExchange string) *PostgresRepository {
	exchange := strings.TrimSpace(eventExchange)
	if exchange == "" {
		exchange = "escrow.events"
	}
	return &PostgresRepository{db: db, eventExchange: exchange}
}

const transferColumns = `
	id, payer_id, payer_email, payee_identifier, payee_id, amount_minor_units, currency,
	description, platform_fee_minor_units, release_not_before, expires_at, geofence, status,
	payment_reference, settlement_reference, failure_reason, settlement_claim_token,
	settlement_claimed_at, created_at, held_at, resolved_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var (
		t            domain.Transfer
		status       string
		geofenceJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.PayerID, &t.PayerEmail, &t.PayeeIdentifier, &t.PayeeID, &t.AmountMinorUnits, &t.Currency,
		&t.Description, &t.PlatformFeeMinorUnits, &t.ReleaseNotBefore, &t.ExpiresAt, &geofenceJSON, &status,
		&t.PaymentReference, &t.SettlementReference, &t.FailureReason, &t.SettlementClaimToken,
		&t.SettlementClaimedAt, &t.CreatedAt, &t.HeldAt, &t.ResolvedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TransferStatus(status)
	if len(geofenceJSON) > 0 {
		var fence domain.Geofence
		if err := json.Unmarshal(geofenceJSON, &fence); err != nil {
			return nil, fmt.Errorf("decode geofence for transfer %s: %w", t.ID, err)
		}
		if fence.Kind() != "" {
			t.Geofence = &fence
		}
	}
	return &t, nil
}

func encodeGeofence(fence *domain.Geofence) (*string, error) {
	if fence.Kind() == "" {
		return nil, nil
	}
	blob, err := json.Marshal(fence)
	if err != nil {
		return nil, err
	}
	encoded := string(blob)
	return &encoded, nil
}

// CreateTransfer inserts a new transfer and, optionally, its creation audit entry.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer, audit *domain.AuditEntry) error {
	fence, err := encodeGeofence(t.Geofence)
	if err != nil {
		return fmt.Errorf("encode geofence: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO transfers (
			id, payer_id, payer_email, payee_identifier, payee_id, amount_minor_units, currency,
			description, release_not_before, expires_at, geofence, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $13)
	`
	_, err = tx.Exec(ctx, query,
		t.ID, t.PayerID, t.PayerEmail, t.PayeeIdentifier, t.PayeeID, t.AmountMinorUnits, t.Currency,
		t.Description, t.ReleaseNotBefore, t.ExpiresAt, fence, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransfer
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	if audit != nil {
		if err := r.appendAuditTx(ctx, tx, *audit); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindTransferByID retrieves a transfer by id.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindTransferByPaymentReference retrieves the transfer funded by a gateway charge.
func (r *PostgresRepository) FindTransferByPaymentReference(ctx context.Context, paymentReference string) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE payment_reference = $1`, paymentReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTransfersForParty returns transfers the principal sent or may receive.
func (r *PostgresRepository) ListTransfersForParty(ctx context.Context, principalID string, email string, limit int) ([]domain.Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE payer_id = $1
		   OR payee_id = $1
		   OR payee_identifier = $1
		   OR (NULLIF($2, '') IS NOT NULL AND lower(payee_identifier) = lower($2))
		ORDER BY created_at DESC
		LIMIT $3
	`
	return r.queryTransfers(ctx, query, principalID, strings.TrimSpace(email), limit)
}

// ListExpiredHeldTransfers returns held transfers whose claim window has closed.
func (r *PostgresRepository) ListExpiredHeldTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = 'held'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.queryTransfers(ctx, query, now, limit)
}

func (r *PostgresRepository) queryTransfers(ctx context.Context, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// ConditionalUpdateStatus is the compare-and-swap primitive. The UPDATE only
// matches when the stored status equals expected (and the claim token, when
// given, is still held), so concurrent writers cannot both win.
func (r *PostgresRepository) ConditionalUpdateStatus(ctx context.Context, id uuid.UUID, expected domain.TransferStatus, update StatusUpdate) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE transfers
		SET status = $3,
			payment_reference = COALESCE($4, payment_reference),
			settlement_reference = COALESCE($5, settlement_reference),
			platform_fee_minor_units = COALESCE($6, platform_fee_minor_units),
			failure_reason = COALESCE($7, failure_reason),
			held_at = COALESCE($8, held_at),
			resolved_at = COALESCE($9, resolved_at),
			settlement_claim_token = NULL,
			settlement_claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND status = $2
		  AND ($10::uuid IS NULL OR settlement_claim_token = $10::uuid)
	`
	tag, err := tx.Exec(ctx, query,
		id, string(expected), string(update.Status),
		update.PaymentReference, update.SettlementReference, update.PlatformFee, update.FailureReason,
		update.HeldAt, update.ResolvedAt, update.ClaimToken,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update transfer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if update.Audit != nil {
		if err := r.appendAuditTx(ctx, tx, *update.Audit); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit status update: %w", err)
	}
	return true, nil
}

// ClaimSettlement takes the in-flight settlement lease on a held transfer.
func (r *PostgresRepository) ClaimSettlement(ctx context.Context, id uuid.UUID, token uuid.UUID, now time.Time, lease time.Duration) (ClaimResult, error) {
	query := `
		WITH prior AS (
			SELECT id, settlement_claim_token AS prior_token
			FROM transfers
			WHERE id = $1
			FOR UPDATE
		)
		UPDATE transfers AS t
		SET settlement_claim_token = $2,
			settlement_claimed_at = $3,
			updated_at = NOW()
		FROM prior
		WHERE t.id = prior.id
		  AND t.status = 'held'
		  AND (t.settlement_claim_token IS NULL OR t.settlement_claimed_at < $4)
		RETURNING prior.prior_token IS NOT NULL
	`
	var tookOver bool
	err := r.db.QueryRow(ctx, query, id, token, now, now.Add(-lease)).Scan(&tookOver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClaimResult{}, nil
		}
		return ClaimResult{}, fmt.Errorf("failed to claim settlement: %w", err)
	}
	return ClaimResult{Acquired: true, TookOverStale: tookOver}, nil
}

// ReleaseSettlementClaim drops the lease after a failed attempt.
func (r *PostgresRepository) ReleaseSettlementClaim(ctx context.Context, id uuid.UUID, token uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE transfers
		SET settlement_claim_token = NULL,
			settlement_claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND settlement_claim_token = $2
	`, id, token)
	return err
}

// AppendAudit durably appends an audit entry and queues it for publication.
func (r *PostgresRepository) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) appendAuditTx(ctx context.Context, tx pgx.Tx, entry domain.AuditEntry) error {
	if strings.TrimSpace(string(entry.EventType)) == "" {
		return ErrAuditEntryInvalid
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (id, event_type, transfer_id, actor_id, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, entry.ID, string(entry.EventType), entry.TransferID, entry.ActorID, entry.Timestamp, string(blob))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return enqueueEventTx(ctx, tx, r.eventExchange, "escrow.audit."+string(entry.EventType), entry)
}

// ListAuditEntries returns the audit trail of a transfer, oldest first.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, transferID uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, event_type, transfer_id, actor_id, occurred_at, metadata::text
		FROM audit_log
		WHERE transfer_id = $1
		ORDER BY occurred_at, id
	`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry     domain.AuditEntry
			eventType string
			metadata  string
		)
		if err := rows.Scan(&entry.ID, &eventType, &entry.TransferID, &entry.ActorID, &entry.Timestamp, &metadata); err != nil {
			return nil, err
		}
		entry.EventType = domain.AuditEventType(eventType)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// IsWebhookEventProcessed reports whether an event id was already handled.
func (r *PostgresRepository) IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

// MarkWebhookEventProcessed records an event id. It returns false when the
// id was already present.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, eventID, kind, reference string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, kind, reference)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, kind, reference)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertPayeeDestination records or refreshes an activated payout destination.
func (r *PostgresRepository) UpsertPayeeDestination(ctx context.Context, d domain.PayeeDestination) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payee_destinations (destination_ref, payee_id, payee_email, active, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF(lower($3), ''), $4, NOW())
		ON CONFLICT (destination_ref) DO UPDATE
		SET payee_id = COALESCE(EXCLUDED.payee_id, payee_destinations.payee_id),
			payee_email = COALESCE(EXCLUDED.payee_email, payee_destinations.payee_email),
			active = EXCLUDED.active,
			updated_at = NOW()
	`, d.DestinationRef, derefString(d.PayeeID), derefString(d.PayeeEmail), d.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert payee destination: %w", err)
	}
	return nil
}

// FindPayeeDestination looks up an active destination by principal id, then email.
func (r *PostgresRepository) FindPayeeDestination(ctx context.Context, payeeID string, email string) (*domain.PayeeDestination, error) {
	var d domain.PayeeDestination
	err := r.db.QueryRow(ctx, `
		SELECT destination_ref, payee_id, payee_email, active, updated_at
		FROM payee_destinations
		WHERE active
		  AND (
			(NULLIF($1, '') IS NOT NULL AND payee_id = $1)
			OR (NULLIF($2, '') IS NOT NULL AND lower(payee_email) = lower($2))
		  )
		ORDER BY (payee_id IS NOT DISTINCT FROM NULLIF($1, '')) DESC, updated_at DESC
		LIMIT 1
	`, strings.TrimSpace(payeeID), strings.TrimSpace(email)).Scan(&d.DestinationRef, &d.PayeeID, &d.PayeeEmail, &d.Active, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDestinationNotFound
		}
		return nil, err
	}
	return &d, nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SoftwareHeritage/swh-vault/common/db"
	"github.com/SoftwareHeritage/swh-vault/common/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const bundleColumns = `id, kind, format, object_id, status, external_job_id,
	sticky, created_at, done_at, last_access_at, progress_msg`

// BundleRepository handles database operations for the bundle registry.
// All status transitions are compare-and-set on the current status, so
// concurrent worker callbacks, client requests and eviction sweeps cannot
// produce lost updates.
type BundleRepository struct {
	db *db.DB
}

// NewBundleRepository creates a new bundle repository
func NewBundleRepository(database *db.DB) *BundleRepository {
	return &BundleRepository{db: database}
}

// GetOrCreate atomically finds or inserts the bundle row for a fingerprint.
// A failed row is reset to new so it can be re-dispatched. created is true
// for exactly one concurrent caller per (re-)dispatch occurrence.
func (r *BundleRepository) GetOrCreate(ctx context.Context, t models.BundleType, objectID models.ObjectID, sticky bool) (*models.BundleRequest, bool, error) {
	// Insert wins the race or hits the fingerprint uniqueness constraint.
	query := `
		INSERT INTO vault_bundle (kind, format, object_id, sticky)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, format, object_id) DO NOTHING
		RETURNING ` + bundleColumns

	bundle, err := scanBundle(r.db.QueryRow(ctx, query, t.Kind, t.Format, objectID[:], sticky))
	if err == nil {
		return bundle, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create bundle: %w", err)
	}

	// Row already exists; a failed one is retried by resetting it to new.
	// The reset is CAS-guarded so concurrent retries elect a single
	// dispatcher.
	reset := `
		UPDATE vault_bundle
		SET status = 'new', done_at = NULL, progress_msg = '', external_job_id = NULL
		WHERE kind = $1 AND format = $2 AND object_id = $3 AND status = 'failed'
		RETURNING ` + bundleColumns

	bundle, err = scanBundle(r.db.QueryRow(ctx, reset, t.Kind, t.Format, objectID[:]))
	if err == nil {
		return bundle, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to reset failed bundle: %w", err)
	}

	bundle, err = r.GetByFingerprint(ctx, t, objectID)
	if err != nil {
		return nil, false, err
	}
	return bundle, false, nil
}

// Get retrieves a bundle by id
func (r *BundleRepository) Get(ctx context.Context, id int64) (*models.BundleRequest, error) {
	query := `SELECT ` + bundleColumns + ` FROM vault_bundle WHERE id = $1`

	bundle, err := scanBundle(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle: %w", err)
	}
	return bundle, nil
}

// GetByFingerprint retrieves a bundle by its (kind, format, object_id) key
func (r *BundleRepository) GetByFingerprint(ctx context.Context, t models.BundleType, objectID models.ObjectID) (*models.BundleRequest, error) {
	query := `SELECT ` + bundleColumns + `
		FROM vault_bundle
		WHERE kind = $1 AND format = $2 AND object_id = $3`

	bundle, err := scanBundle(r.db.QueryRow(ctx, query, t.Kind, t.Format, objectID[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle by fingerprint: %w", err)
	}
	return bundle, nil
}

// MarkDispatched transitions new -> pending and records the job handle
func (r *BundleRepository) MarkDispatched(ctx context.Context, id int64, jobID uuid.UUID) error {
	query := `
		UPDATE vault_bundle
		SET status = 'pending', external_job_id = $2
		WHERE id = $1 AND status = 'new'`

	return r.casUpdate(ctx, id, query, id, jobID)
}

// SetProgress overwrites the progress message of a pending bundle
func (r *BundleRepository) SetProgress(ctx context.Context, id int64, msg string) error {
	query := `
		UPDATE vault_bundle
		SET progress_msg = $2
		WHERE id = $1 AND status = 'pending'`

	return r.casUpdate(ctx, id, query, id, msg)
}

// MarkDone transitions pending -> done
func (r *BundleRepository) MarkDone(ctx context.Context, id int64) error {
	query := `
		UPDATE vault_bundle
		SET status = 'done', done_at = now(), last_access_at = now(), progress_msg = ''
		WHERE id = $1 AND status = 'pending'`

	return r.casUpdate(ctx, id, query, id)
}

// MarkFailed transitions pending or new -> failed, storing the reason.
// new is allowed so a failed job submission never leaves an orphaned row.
func (r *BundleRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE vault_bundle
		SET status = 'failed', done_at = now(), progress_msg = $2
		WHERE id = $1 AND status IN ('new', 'pending')`

	return r.casUpdate(ctx, id, query, id, reason)
}

// TouchAccess updates the last access timestamp of a bundle
func (r *BundleRepository) TouchAccess(ctx context.Context, id int64) error {
	query := `UPDATE vault_bundle SET last_access_at = now() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch bundle access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetSticky exempts or un-exempts a bundle from eviction
func (r *BundleRepository) SetSticky(ctx context.Context, id int64, sticky bool) error {
	query := `UPDATE vault_bundle SET sticky = $2 WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, sticky)
	if err != nil {
		return fmt.Errorf("failed to set sticky flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListExpired returns terminal, non-sticky bundles not fetched since the
// retention cutoff
func (r *BundleRepository) ListExpired(ctx context.Context, now time.Time, retention time.Duration) ([]*models.BundleRequest, error) {
	query := `SELECT ` + bundleColumns + `
		FROM vault_bundle
		WHERE status IN ('done', 'failed')
		  AND NOT sticky
		  AND last_access_at <= $1
		ORDER BY last_access_at`

	return r.listBundles(ctx, query, now.Add(-retention))
}

// ListOldest returns the n least recently accessed terminal, non-sticky
// bundles regardless of retention
func (r *BundleRepository) ListOldest(ctx context.Context, n int) ([]*models.BundleRequest, error) {
	query := `SELECT ` + bundleColumns + `
		FROM vault_bundle
		WHERE status IN ('done', 'failed')
		  AND NOT sticky
		ORDER BY last_access_at
		LIMIT $1`

	return r.listBundles(ctx, query, n)
}

// Delete removes a bundle row; subscriptions go with it through the
// foreign key cascade. The status and sticky guards recheck eligibility
// at delete time: a row reset to pending or pinned after being listed
// for eviction stays put.
func (r *BundleRepository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM vault_bundle
		WHERE id = $1
		  AND status IN ('done', 'failed')
		  AND NOT sticky`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bundle %d not evictable: %w", id, models.ErrNotFound)
	}
	return nil
}

// AddSubscription registers an e-mail to notify when the bundle terminates
func (r *BundleRepository) AddSubscription(ctx context.Context, bundleID int64, email string) error {
	query := `INSERT INTO vault_notif_email (bundle_id, email) VALUES ($1, $2)`

	if _, err := r.db.Exec(ctx, query, bundleID, email); err != nil {
		return fmt.Errorf("failed to add subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all subscriptions for a bundle
func (r *BundleRepository) ListSubscriptions(ctx context.Context, bundleID int64) ([]*models.NotificationSubscription, error) {
	query := `SELECT id, bundle_id, email FROM vault_notif_email WHERE bundle_id = $1 ORDER BY id`

	rows, err := r.db.Query(ctx, query, bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.NotificationSubscription
	for rows.Next() {
		sub := &models.NotificationSubscription{}
		if err := rows.Scan(&sub.ID, &sub.BundleID, &sub.Email); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// DeleteSubscriptions removes all subscriptions for a bundle
func (r *BundleRepository) DeleteSubscriptions(ctx context.Context, bundleID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM vault_notif_email WHERE bundle_id = $1`, bundleID); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return nil
}

// casUpdate runs a guarded status update and maps a zero row count to the
// right taxonomy error: ErrNotFound when the row is gone (evicted between
// dispatch and callback), ErrInvalidTransition when the row exists in a
// different status.
func (r *BundleRepository) casUpdate(ctx context.Context, id int64, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update bundle status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.Get(ctx, id); errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	return models.ErrInvalidTransition
}

func (r *BundleRepository) listBundles(ctx context.Context, query string, args ...interface{}) ([]*models.BundleRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*models.BundleRequest
	for rows.Next() {
		bundle, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, bundle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bundles: %w", err)
	}

	return bundles, nil
}

func scanBundle(row pgx.Row) (*models.BundleRequest, error) {
	bundle := &models.BundleRequest{}
	var objectID []byte

	err := row.Scan(
		&bundle.ID,
		&bundle.Type.Kind,
		&bundle.Type.Format,
		&objectID,
		&bundle.Status,
		&bundle.ExternalJobID,
		&bundle.Sticky,
		&bundle.CreatedAt,
		&bundle.DoneAt,
		&bundle.LastAccessAt,
		&bundle.ProgressMessage,
	)
	if err != nil {
		return nil, err
	}

	copy(bundle.ObjectID[:], objectID)
	return bundle, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/notify"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/storage"
	"github.com/SoftwareHeritage/swh-vault/common/config"
	"github.com/SoftwareHeritage/swh-vault/common/logger"
	"github.com/SoftwareHeritage/swh-vault/common/models"
	"github.com/SoftwareHeritage/swh-vault/common/taskrunner"
)

// BundleStore is the persistence surface the vault service needs. It is
// implemented by repository.BundleRepository (postgres) and
// repository.MemoryBundleStore (tests and single-node deployments).
type BundleStore interface {
	GetOrCreate(ctx context.Context, t models.BundleType, objectID models.ObjectID, sticky bool) (*models.BundleRequest, bool, error)
	Get(ctx context.Context, id int64) (*models.BundleRequest, error)
	GetByFingerprint(ctx context.Context, t models.BundleType, objectID models.ObjectID) (*models.BundleRequest, error)
	MarkDispatched(ctx context.Context, id int64, jobID uuid.UUID) error
	SetProgress(ctx context.Context, id int64, msg string) error
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	TouchAccess(ctx context.Context, id int64) error
	SetSticky(ctx context.Context, id int64, sticky bool) error
	ListExpired(ctx context.Context, now time.Time, retention time.Duration) ([]*models.BundleRequest, error)
	ListOldest(ctx context.Context, n int) ([]*models.BundleRequest, error)

	// Delete removes a row and its subscriptions, but only while the row
	// is still terminal and not sticky; ErrNotFound when the row is gone,
	// ErrInvalidTransition when it was reset or pinned since listing.
	Delete(ctx context.Context, id int64) error
	AddSubscription(ctx context.Context, bundleID int64, email string) error
	ListSubscriptions(ctx context.Context, bundleID int64) ([]*models.NotificationSubscription, error)
	DeleteSubscriptions(ctx context.Context, bundleID int64) error
}

// VaultService coordinates cooking requests end to end: request
// deduplication, job dispatch, worker status updates, artifact storage
// and e-mail notification.
type VaultService struct {
	store     BundleStore
	artifacts storage.ArtifactStore
	runner    taskrunner.TaskRunner
	notifier  notify.Notifier
	cfg       *config.Config
	log       *logger.Logger
}

func NewVaultService(store BundleStore, artifacts storage.ArtifactStore, runner taskrunner.TaskRunner, notifier notify.Notifier, cfg *config.Config, log *logger.Logger) *VaultService {
	return &VaultService{
		store:     store,
		artifacts: artifacts,
		runner:    runner,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// Cook requests the cooking of a bundle. Concurrent requests for the
// same (type, object) pair share one row: only the request that created
// the row (or reset a failed one) dispatches a job, everyone else
// observes the in-flight state. An optional e-mail is notified when the
// bundle reaches a terminal state; if it already has, the notification
// is sent immediately.
func (s *VaultService) Cook(ctx context.Context, t models.BundleType, objectID models.ObjectID, email string, sticky bool) (*models.BundleRequest, error) {
	bundle, created, err := s.store.GetOrCreate(ctx, t, objectID, sticky)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create bundle request: %w", err)
	}

	if created {
		bundle, err = s.dispatch(ctx, bundle)
		if err != nil {
			return nil, err
		}
	}

	if email != "" {
		if err := s.subscribe(ctx, bundle, email); err != nil {
			return nil, err
		}
	}

	return bundle, nil
}

// dispatch publishes a cooking job for a freshly created request and
// moves it to pending. A publish failure marks the row failed so a later
// request can reset and retry it.
func (s *VaultService) dispatch(ctx context.Context, bundle *models.BundleRequest) (*models.BundleRequest, error) {
	jobID := uuid.New()
	job := &models.CookingJob{
		BundleID: bundle.ID,
		JobID:    jobID,
		Type:     bundle.Type.String(),
		ObjectID: bundle.ObjectID.String(),
	}

	if err := s.runner.Submit(ctx, job); err != nil {
		s.log.ErrorContext(ctx, "job submission failed",
			"bundle_id", bundle.ID, "type", bundle.Type, "error", err)
		reason := fmt.Sprintf("failed to submit cooking job: %v", err)
		if ferr := s.store.MarkFailed(ctx, bundle.ID, reason); ferr != nil {
			s.log.ErrorContext(ctx, "could not mark bundle failed after submission error",
				"bundle_id", bundle.ID, "error", ferr)
		}
		return s.store.Get(ctx, bundle.ID)
	}

	if err := s.store.MarkDispatched(ctx, bundle.ID, jobID); err != nil {
		return nil, fmt.Errorf("failed to mark bundle %d dispatched: %w", bundle.ID, err)
	}

	s.log.InfoContext(ctx, "cooking job dispatched",
		"bundle_id", bundle.ID, "job_id", jobID, "type", bundle.Type, "object_id", bundle.ObjectID)

	return s.store.Get(ctx, bundle.ID)
}

func (s *VaultService) subscribe(ctx context.Context, bundle *models.BundleRequest, email string) error {
	switch bundle.Status {
	case models.StatusDone:
		if err := s.notifier.NotifyDone(email, bundle, s.fetchURL(bundle)); err != nil {
			s.log.Warn("immediate notification failed", "bundle_id", bundle.ID, "email", email, "error", err)
		}
		return nil
	case models.StatusFailed:
		if err := s.notifier.NotifyFailed(email, bundle, bundle.ProgressMessage); err != nil {
			s.log.Warn("immediate notification failed", "bundle_id", bundle.ID, "email", email, "error", err)
		}
		return nil
	default:
		if err := s.store.AddSubscription(ctx, bundle.ID, email); err != nil {
			return fmt.Errorf("failed to register notification for bundle %d: %w", bundle.ID, err)
		}
		return nil
	}
}

// GetStatus returns the current state of a bundle request by id
func (s *VaultService) GetStatus(ctx context.Context, id int64) (*models.BundleRequest, error) {
	return s.store.Get(ctx, id)
}

// GetStatusByFingerprint returns the current state of the request for
// the given (type, object) pair
func (s *VaultService) GetStatusByFingerprint(ctx context.Context, t models.BundleType, objectID models.ObjectID) (*models.BundleRequest, error) {
	return s.store.GetByFingerprint(ctx, t, objectID)
}

// Fetch returns the cooked bundle bytes. Fetching refreshes the access
// time so frequently downloaded bundles survive cache expiry.
func (s *VaultService) Fetch(ctx context.Context, id int64) ([]byte, error) {
	bundle, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bundle.Status != models.StatusDone {
		return nil, fmt.Errorf("bundle %d is %s: %w", id, bundle.Status, models.ErrNotReady)
	}

	data, err := s.artifacts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactMissing) {
			return nil, fmt.Errorf("bundle %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read bundle %d: %w", id, err)
	}

	if err := s.store.TouchAccess(ctx, id); err != nil {
		s.log.Warn("could not refresh access time", "bundle_id", id, "error", err)
	}

	return data, nil
}

// SetSticky pins or unpins a bundle against cache expiry
func (s *VaultService) SetSticky(ctx context.Context, id int64, sticky bool) error {
	return s.store.SetSticky(ctx, id, sticky)
}

// FetchURL returns the public download address for a bundle
func (s *VaultService) FetchURL(bundle *models.BundleRequest) string {
	return s.fetchURL(bundle)
}

func (s *VaultService) fetchURL(bundle *models.BundleRequest) string {
	return fmt.Sprintf("%s/%s/%s/raw", s.cfg.Service.FetchBaseURL, bundle.Type, bundle.ObjectID)
}

// RecordProgress applies a progress update from a worker. Updates for a
// superseded job or an evicted row are dropped.
func (s *VaultService) RecordProgress(ctx context.Context, bundleID int64, jobID uuid.UUID, msg string) error {
	if stale, err := s.staleUpdate(ctx, bundleID, jobID); err != nil || stale {
		return err
	}
	if err := s.store.SetProgress(ctx, bundleID, msg); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			s.log.Debug("dropping stale progress update", "bundle_id", bundleID, "job_id", jobID)
			return nil
		}
		return err
	}
	return nil
}

// RecordSuccess stores the cooked bundle and completes the request. The
// artifact is written before the status flips so a done bundle is always
// fetchable. Subscribers are then notified and their subscriptions
// cleared.
func (s *VaultService) RecordSuccess(ctx context.Context, bundleID int64, jobID uuid.UUID, data []byte) error {
	if stale, err := s.staleUpdate(ctx, bundleID, jobID); err != nil || stale {
		return err
	}

	if err := s.artifacts.Put(ctx, bundleID, data); err != nil {
		return fmt.Errorf("failed to store bundle %d: %w", bundleID, err)
	}

	if err := s.store.MarkDone(ctx, bundleID); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			s.log.Warn("dropping stale success update", "bundle_id", bundleID, "job_id", jobID)
			if derr := s.artifacts.Delete(ctx, bundleID); derr != nil {
				s.log.Warn("could not remove orphaned artifact", "bundle_id", bundleID, "error", derr)
			}
			return nil
		}
		return err
	}

	s.log.InfoContext(ctx, "bundle cooked", "bundle_id", bundleID, "size", len(data))
	s.notifySubscribers(ctx, bundleID)
	return nil
}

// RecordFailure marks the request failed with the worker's reason and
// notifies subscribers
func (s *VaultService) RecordFailure(ctx context.Context, bundleID int64, jobID uuid.UUID, reason string) error {
	if stale, err := s.staleUpdate(ctx, bundleID, jobID); err != nil || stale {
		return err
	}

	if err := s.store.MarkFailed(ctx, bundleID, reason); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			s.log.Warn("dropping stale failure update", "bundle_id", bundleID, "job_id", jobID)
			return nil
		}
		return err
	}

	s.log.InfoContext(ctx, "bundle cooking failed", "bundle_id", bundleID, "reason", reason)
	s.notifySubscribers(ctx, bundleID)
	return nil
}

// staleUpdate reports whether an update refers to a row that is gone or
// to a job id superseded by a retry
func (s *VaultService) staleUpdate(ctx context.Context, bundleID int64, jobID uuid.UUID) (bool, error) {
	bundle, err := s.store.Get(ctx, bundleID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.log.Debug("dropping update for evicted bundle", "bundle_id", bundleID, "job_id", jobID)
			return true, nil
		}
		return false, err
	}
	if bundle.ExternalJobID == nil || *bundle.ExternalJobID != jobID {
		s.log.Debug("dropping update from superseded job", "bundle_id", bundleID, "job_id", jobID)
		return true, nil
	}
	return false, nil
}

// notifySubscribers fans a terminal-state notification out to every
// subscriber. Delivery failures are logged per recipient and never block
// the others. Subscriptions are cleared only once the bundle is done: a
// failure leaves them in place so a retry notifies the same recipients
// of its outcome.
func (s *VaultService) notifySubscribers(ctx context.Context, bundleID int64) {
	bundle, err := s.store.Get(ctx, bundleID)
	if err != nil {
		s.log.Error("could not load bundle for notification", "bundle_id", bundleID, "error", err)
		return
	}

	subs, err := s.store.ListSubscriptions(ctx, bundleID)
	if err != nil {
		s.log.Error("could not list subscriptions", "bundle_id", bundleID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		var nerr error
		switch bundle.Status {
		case models.StatusDone:
			nerr = s.notifier.NotifyDone(sub.Email, bundle, s.fetchURL(bundle))
		case models.StatusFailed:
			nerr = s.notifier.NotifyFailed(sub.Email, bundle, bundle.ProgressMessage)
		}
		if nerr != nil {
			s.log.Warn("notification failed", "bundle_id", bundleID, "email", sub.Email, "error", nerr)
		}
	}

	if bundle.Status != models.StatusDone {
		return
	}
	if err := s.store.DeleteSubscriptions(ctx, bundleID); err != nil {
		s.log.Error("could not clear subscriptions", "bundle_id", bundleID, "error", err)
	}
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SoftwareHeritage/swh-vault/common/models"
	"github.com/google/uuid"
)

type fingerprint struct {
	kind     models.ObjectKind
	format   models.BundleFormat
	objectID models.ObjectID
}

// MemoryBundleStore is an in-memory bundle registry with the same
// transition semantics as the Postgres repository. Used for development
// without a database and as the reference store in tests.
type MemoryBundleStore struct {
	mu sync.Mutex

	bundles      map[int64]*models.BundleRequest
	fingerprints map[fingerprint]int64
	subs         map[int64][]*models.NotificationSubscription

	nextBundleID int64
	nextSubID    int64
}

// NewMemoryBundleStore creates an empty in-memory registry
func NewMemoryBundleStore() *MemoryBundleStore {
	return &MemoryBundleStore{
		bundles:      make(map[int64]*models.BundleRequest),
		fingerprints: make(map[fingerprint]int64),
		subs:         make(map[int64][]*models.NotificationSubscription),
	}
}

// GetOrCreate atomically finds or inserts the bundle row for a fingerprint
func (s *MemoryBundleStore) GetOrCreate(ctx context.Context, t models.BundleType, objectID models.ObjectID, sticky bool) (*models.BundleRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := fingerprint{t.Kind, t.Format, objectID}
	if id, ok := s.fingerprints[fp]; ok {
		bundle := s.bundles[id]
		if bundle.Status == models.StatusFailed {
			bundle.Status = models.StatusNew
			bundle.DoneAt = nil
			bundle.ProgressMessage = ""
			bundle.ExternalJobID = nil
			return copyBundle(bundle), true, nil
		}
		return copyBundle(bundle), false, nil
	}

	s.nextBundleID++
	now := time.Now()
	bundle := &models.BundleRequest{
		ID:           s.nextBundleID,
		Type:         t,
		ObjectID:     objectID,
		Status:       models.StatusNew,
		Sticky:       sticky,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	s.bundles[bundle.ID] = bundle
	s.fingerprints[fp] = bundle.ID
	return copyBundle(bundle), true, nil
}

// Get retrieves a bundle by id
func (s *MemoryBundleStore) Get(ctx context.Context, id int64) (*models.BundleRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyBundle(bundle), nil
}

// GetByFingerprint retrieves a bundle by its (kind, format, object_id) key
func (s *MemoryBundleStore) GetByFingerprint(ctx context.Context, t models.BundleType, objectID models.ObjectID) (*models.BundleRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.fingerprints[fingerprint{t.Kind, t.Format, objectID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyBundle(s.bundles[id]), nil
}

// MarkDispatched transitions new -> pending and records the job handle
func (s *MemoryBundleStore) MarkDispatched(ctx context.Context, id int64, jobID uuid.UUID) error {
	return s.casUpdate(id, models.StatusNew, func(b *models.BundleRequest) {
		b.Status = models.StatusPending
		b.ExternalJobID = &jobID
	})
}

// SetProgress overwrites the progress message of a pending bundle
func (s *MemoryBundleStore) SetProgress(ctx context.Context, id int64, msg string) error {
	return s.casUpdate(id, models.StatusPending, func(b *models.BundleRequest) {
		b.ProgressMessage = msg
	})
}

// MarkDone transitions pending -> done
func (s *MemoryBundleStore) MarkDone(ctx context.Context, id int64) error {
	return s.casUpdate(id, models.StatusPending, func(b *models.BundleRequest) {
		now := time.Now()
		b.Status = models.StatusDone
		b.DoneAt = &now
		b.LastAccessAt = now
		b.ProgressMessage = ""
	})
}

// MarkFailed transitions pending or new -> failed, storing the reason
func (s *MemoryBundleStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[id]
	if !ok {
		return models.ErrNotFound
	}
	if bundle.Status != models.StatusNew && bundle.Status != models.StatusPending {
		return models.ErrInvalidTransition
	}

	now := time.Now()
	bundle.Status = models.StatusFailed
	bundle.DoneAt = &now
	bundle.ProgressMessage = reason
	return nil
}

// TouchAccess updates the last access timestamp of a bundle
func (s *MemoryBundleStore) TouchAccess(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[id]
	if !ok {
		return models.ErrNotFound
	}
	bundle.LastAccessAt = time.Now()
	return nil
}

// SetSticky exempts or un-exempts a bundle from eviction
func (s *MemoryBundleStore) SetSticky(ctx context.Context, id int64, sticky bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[id]
	if !ok {
		return models.ErrNotFound
	}
	bundle.Sticky = sticky
	return nil
}

// ListExpired returns terminal, non-sticky bundles not fetched since the
// retention cutoff
func (s *MemoryBundleStore) ListExpired(ctx context.Context, now time.Time, retention time.Duration) ([]*models.BundleRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-retention)
	var expired []*models.BundleRequest
	for _, bundle := range s.bundles {
		if bundle.Status.Terminal() && !bundle.Sticky && !bundle.LastAccessAt.After(cutoff) {
			expired = append(expired, copyBundle(bundle))
		}
	}
	sortByAccess(expired)
	return expired, nil
}

// ListOldest returns the n least recently accessed terminal, non-sticky
// bundles regardless of retention
func (s *MemoryBundleStore) ListOldest(ctx context.Context, n int) ([]*models.BundleRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.BundleRequest
	for _, bundle := range s.bundles {
		if bundle.Status.Terminal() && !bundle.Sticky {
			candidates = append(candidates, copyBundle(bundle))
		}
	}
	sortByAccess(candidates)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// Delete removes a bundle row and its subscriptions. Eligibility is
// rechecked under the lock so a row reset to pending or pinned after
// being listed for eviction stays put.
func (s *MemoryBundleStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[id]
	if !ok {
		return models.ErrNotFound
	}
	if !bundle.Status.Terminal() || bundle.Sticky {
		return fmt.Errorf("bundle %d is %s: %w", id, bundle.Status, models.ErrInvalidTransition)
	}
	delete(s.fingerprints, fingerprint{bundle.Type.Kind, bundle.Type.Format, bundle.ObjectID})
	delete(s.bundles, id)
	delete(s.subs, id)
	return nil
}

// AddSubscription registers an e-mail to notify when the bundle terminates
func (s *MemoryBundleStore) AddSubscription(ctx context.Context, bundleID int64, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bundles[bundleID]; !ok {
		return models.ErrNotFound
	}
	s.nextSubID++
	s.subs[bundleID] = append(s.subs[bundleID], &models.NotificationSubscription{
		ID:       s.nextSubID,
		BundleID: bundleID,
		Email:    email,
	})
	return nil
}

// ListSubscriptions returns all subscriptions for a bundle
func (s *MemoryBundleStore) ListSubscriptions(ctx context.Context, bundleID int64) ([]*models.NotificationSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]*models.NotificationSubscription, 0, len(s.subs[bundleID]))
	for _, sub := range s.subs[bundleID] {
		subCopy := *sub
		subs = append(subs, &subCopy)
	}
	return subs, nil
}

// DeleteSubscriptions removes all subscriptions for a bundle
func (s *MemoryBundleStore) DeleteSubscriptions(ctx context.Context, bundleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, bundleID)
	return nil
}

func (s *MemoryBundleStore) casUpdate(id int64, expected models.BundleStatus, apply func(*models.BundleRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[id]
	if !ok {
		return models.ErrNotFound
	}
	if bundle.Status != expected {
		return models.ErrInvalidTransition
	}
	apply(bundle)
	return nil
}

func copyBundle(b *models.BundleRequest) *models.BundleRequest {
	bundleCopy := *b
	if b.ExternalJobID != nil {
		jobID := *b.ExternalJobID
		bundleCopy.ExternalJobID = &jobID
	}
	if b.DoneAt != nil {
		doneAt := *b.DoneAt
		bundleCopy.DoneAt = &doneAt
	}
	return &bundleCopy
}

func sortByAccess(bundles []*models.BundleRequest) {
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].LastAccessAt.Before(bundles[j].LastAccessAt)
	})
}

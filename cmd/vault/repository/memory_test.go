package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoftwareHeritage/swh-vault/common/models"
)

func testObjectID(t *testing.T, hex string) models.ObjectID {
	t.Helper()
	id, err := models.ParseObjectID(hex)
	require.NoError(t, err)
	return id
}

func directoryType(t *testing.T) models.BundleType {
	t.Helper()
	bt, err := models.ParseBundleType("directory")
	require.NoError(t, err)
	return bt
}

const dirHex = "1bd0e65f7d2ff14ae994de17a1e7fe65111dcad8"

func TestGetOrCreate_NewBundle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, created, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusNew, bundle.Status)
	assert.Equal(t, dirHex, bundle.ObjectID.String())
	assert.False(t, bundle.Sticky)
	assert.Nil(t, bundle.ExternalJobID)
}

func TestGetOrCreate_DedupsInFlight(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	first, created, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	assert.False(t, created, "second request must observe the existing row")
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreate_DifferentTypesAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()
	objectID := testObjectID(t, dirHex)

	flat, err := models.ParseBundleType("revision_flat")
	require.NoError(t, err)
	gitfast, err := models.ParseBundleType("revision_gitfast")
	require.NoError(t, err)

	a, created, err := store.GetOrCreate(ctx, flat, objectID, false)
	require.NoError(t, err)
	require.True(t, created)

	b, created, err := store.GetOrCreate(ctx, gitfast, objectID, false)
	require.NoError(t, err)
	assert.True(t, created, "same object in a different format is a new bundle")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGetOrCreate_ResetsFailedBundle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, bundle.ID, "archive unreachable"))

	reset, created, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	assert.True(t, created, "a failed row resets and the caller re-dispatches")
	assert.Equal(t, bundle.ID, reset.ID, "retry reuses the row")
	assert.Equal(t, models.StatusNew, reset.Status)
	assert.Empty(t, reset.ProgressMessage)
	assert.Nil(t, reset.ExternalJobID)
}

func TestTransitions_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)

	jobID := uuid.New()
	require.NoError(t, store.MarkDispatched(ctx, bundle.ID, jobID))

	got, err := store.Get(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.ExternalJobID)
	assert.Equal(t, jobID, *got.ExternalJobID)

	require.NoError(t, store.SetProgress(ctx, bundle.ID, "Computing revision 1/10"))
	got, err = store.Get(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, "Computing revision 1/10", got.ProgressMessage)

	require.NoError(t, store.MarkDone(ctx, bundle.ID))
	got, err = store.Get(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.NotNil(t, got.DoneAt)
	assert.Empty(t, got.ProgressMessage, "progress is cleared on completion")
}

func TestTransitions_Guarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)

	// Not yet dispatched: progress and done are invalid
	assert.ErrorIs(t, store.SetProgress(ctx, bundle.ID, "x"), models.ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkDone(ctx, bundle.ID), models.ErrInvalidTransition)

	require.NoError(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()))
	assert.ErrorIs(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()), models.ErrInvalidTransition)

	require.NoError(t, store.MarkDone(ctx, bundle.ID))

	// Terminal rows reject further worker updates
	assert.ErrorIs(t, store.MarkDone(ctx, bundle.ID), models.ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkFailed(ctx, bundle.ID, "late"), models.ErrInvalidTransition)
	assert.ErrorIs(t, store.SetProgress(ctx, bundle.ID, "late"), models.ErrInvalidTransition)
}

func TestMarkFailed_FromNewAndPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	// Submission failure happens before dispatch, while the row is new
	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, bundle.ID, "queue unreachable"))

	got, err := store.Get(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "queue unreachable", got.ProgressMessage)
}

func TestMissingRow_ReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.GetByFingerprint(ctx, directoryType(t), testObjectID(t, dirHex))
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, store.MarkDone(ctx, 42), models.ErrNotFound)
	assert.ErrorIs(t, store.TouchAccess(ctx, 42), models.ErrNotFound)
	assert.ErrorIs(t, store.AddSubscription(ctx, 42, "user@example.org"), models.ErrNotFound)
}

func TestListExpired_RetentionAndSticky(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	cook := func(hex string, sticky bool) *models.BundleRequest {
		bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, hex), sticky)
		require.NoError(t, err)
		require.NoError(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()))
		require.NoError(t, store.MarkDone(ctx, bundle.ID))
		return bundle
	}

	plain := cook("0000000000000000000000000000000000000001", false)
	pinned := cook("0000000000000000000000000000000000000002", true)

	// Still cooking, must never be listed
	inflight, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, "0000000000000000000000000000000000000003"), false)
	require.NoError(t, err)
	require.NoError(t, store.MarkDispatched(ctx, inflight.ID, uuid.New()))

	retention := 30 * 24 * time.Hour

	expired, err := store.ListExpired(ctx, time.Now().Add(31*24*time.Hour), retention)
	require.NoError(t, err)
	require.Len(t, expired, 1, "only the unpinned terminal bundle expires")
	assert.Equal(t, plain.ID, expired[0].ID)

	expired, err = store.ListExpired(ctx, time.Now().Add(29*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Empty(t, expired, "inside the retention window nothing expires")

	// Unpinning makes it eligible
	require.NoError(t, store.SetSticky(ctx, pinned.ID, false))
	expired, err = store.ListExpired(ctx, time.Now().Add(31*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestTouchAccess_DefersExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.NoError(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()))
	require.NoError(t, store.MarkDone(ctx, bundle.ID))

	before, err := store.Get(ctx, bundle.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.TouchAccess(ctx, bundle.ID))

	after, err := store.Get(ctx, bundle.ID)
	require.NoError(t, err)
	assert.True(t, after.LastAccessAt.After(before.LastAccessAt))
}

func TestListOldest_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	hexes := []string{
		"0000000000000000000000000000000000000001",
		"0000000000000000000000000000000000000002",
		"0000000000000000000000000000000000000003",
	}
	var ids []int64
	for _, hex := range hexes {
		bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, hex), false)
		require.NoError(t, err)
		require.NoError(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()))
		require.NoError(t, store.MarkDone(ctx, bundle.ID))
		ids = append(ids, bundle.ID)
		time.Sleep(2 * time.Millisecond)
	}

	// Touch the first so it becomes the most recently accessed
	require.NoError(t, store.TouchAccess(ctx, ids[0]))

	oldest, err := store.ListOldest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, ids[1], oldest[0].ID)
	assert.Equal(t, ids[2], oldest[1].ID)
}

func TestDelete_RemovesRowAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.NoError(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()))
	require.NoError(t, store.MarkDone(ctx, bundle.ID))
	require.NoError(t, store.AddSubscription(ctx, bundle.ID, "user@example.org"))

	require.NoError(t, store.Delete(ctx, bundle.ID))

	_, err = store.Get(ctx, bundle.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	subs, err := store.ListSubscriptions(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// The fingerprint is free again
	_, created, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDelete_RefusesInFlightAndStickyRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	// A failed row listed for eviction can be reset by a concurrent
	// retry before the delete lands; the delete must then back off
	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.NoError(t, store.MarkDispatched(ctx, bundle.ID, uuid.New()))

	err = store.Delete(ctx, bundle.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := store.Get(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	// Pinned rows stay put too
	require.NoError(t, store.MarkDone(ctx, bundle.ID))
	require.NoError(t, store.SetSticky(ctx, bundle.ID, true))

	err = store.Delete(ctx, bundle.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, store.SetSticky(ctx, bundle.ID, false))
	require.NoError(t, store.Delete(ctx, bundle.ID))
}

func TestSubscriptions_SurviveRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBundleStore()

	bundle, _, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.NoError(t, store.AddSubscription(ctx, bundle.ID, "user@example.org"))
	require.NoError(t, store.MarkFailed(ctx, bundle.ID, "transient"))

	// Retry resets the row but keeps the subscription
	_, created, err := store.GetOrCreate(ctx, directoryType(t), testObjectID(t, dirHex), false)
	require.NoError(t, err)
	require.True(t, created)

	subs, err := store.ListSubscriptions(ctx, bundle.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "user@example.org", subs[0].Email)
}

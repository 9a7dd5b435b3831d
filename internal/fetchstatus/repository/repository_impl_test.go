package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	statusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) statusdomain.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&statusdomain.FetchJobStatus{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewStore(StoreParam{DB: db, GenID: node})
}

func key(org string) statusdomain.JobKey {
	return statusdomain.JobKey{Provider: providerdomain.ProviderOpenAI, OrgID: org}
}

func TestApplyUpsertsSingleRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusInProgress}))
	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusSuccess}))

	rows, err := store.List(ctx, providerdomain.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, statusdomain.StatusSuccess, rows[0].Status)
	assert.NotNil(t, rows[0].LastSuccessAt)
}

func TestApplyFailureIncrementsCounter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Apply(ctx, statusdomain.Update{
			Key:    key("org-1"),
			Status: statusdomain.StatusFailed,
			Err:    "http 500",
		}))
	}

	got, err := store.Get(ctx, key("org-1"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.ConsecutiveFailures)
	assert.Equal(t, "http 500", got.LastError)
}

func TestApplySuccessResetsCounter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusFailed, Err: "boom"}))
	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusSuccess}))

	got, err := store.Get(ctx, key("org-1"))
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, statusdomain.StatusSuccess, got.Status)
}

func TestApplyResetFailuresWithoutSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusFailed, Parked: true, Err: "http 401"}))
	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusPending, ResetFailures: true}))

	got, err := store.Get(ctx, key("org-1"))
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.False(t, got.Parked)
	assert.Nil(t, got.LastSuccessAt)
}

func TestApplyRecordsNextRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	next := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	require.NoError(t, store.Apply(ctx, statusdomain.Update{
		Key:       key("org-1"),
		Status:    statusdomain.StatusFailed,
		NextRunAt: &next,
	}))

	got, err := store.Get(ctx, key("org-1"))
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
}

func TestApplySuccessKeepsNextRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	retry := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, store.Apply(ctx, statusdomain.Update{
		Key:       key("org-1"),
		Status:    statusdomain.StatusFailed,
		Err:       "http 429",
		NextRunAt: &retry,
	}))

	// A success must leave the operator-visible next run populated with
	// the upcoming cadence slot, not wipe it.
	next := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	require.NoError(t, store.Apply(ctx, statusdomain.Update{
		Key:       key("org-1"),
		Status:    statusdomain.StatusSuccess,
		NextRunAt: &next,
	}))

	got, err := store.Get(ctx, key("org-1"))
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestGetMissingKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), key("nope"))
	assert.ErrorIs(t, err, statusdomain.ErrStatusNotFound)
}

func TestListIsScopedToProvider(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusSuccess}))
	require.NoError(t, store.Apply(ctx, statusdomain.Update{
		Key:    statusdomain.JobKey{Provider: providerdomain.ProviderXAI, OrgID: "org-1"},
		Status: statusdomain.StatusSuccess,
	}))

	rows, err := store.List(ctx, providerdomain.ProviderXAI)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, providerdomain.ProviderXAI, rows[0].Provider)
}

func TestCountParked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-1"), Status: statusdomain.StatusFailed, Parked: true}))
	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-2"), Status: statusdomain.StatusFailed, Parked: true}))
	require.NoError(t, store.Apply(ctx, statusdomain.Update{Key: key("org-3"), Status: statusdomain.StatusSuccess}))

	n, err := store.CountParked(ctx, providerdomain.ProviderOpenAI)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

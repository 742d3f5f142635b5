package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinraven/twinraven/pkg/huginn/registry"
	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
)

func testRecord(slug string, status synthesis.Status) registry.ToolRecord {
	return registry.ToolRecord{
		Slug:           slug,
		CurrentVersion: 1,
		DefinitionPath: "generated/" + slug + ".json",
		RegisteredAt:   baseTime,
		Status:         status,
	}
}

func TestUpsertAndGetRecord(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	lastUsed := baseTime.Add(time.Hour)
	record := testRecord("search-fetch", synthesis.StatusPromoted)
	record.LastUsedAt = &lastUsed
	record.InvocationCount = 7

	require.NoError(t, store.UpsertRecord(ctx, record))

	got, err := store.GetRecord(ctx, "search-fetch")
	require.NoError(t, err)
	assert.Equal(t, record.Slug, got.Slug)
	assert.Equal(t, record.CurrentVersion, got.CurrentVersion)
	assert.Equal(t, record.DefinitionPath, got.DefinitionPath)
	assert.True(t, got.RegisteredAt.Equal(baseTime))
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(lastUsed))
	assert.Equal(t, int64(7), got.InvocationCount)
	assert.Equal(t, synthesis.StatusPromoted, got.Status)
	assert.Nil(t, got.RetirementReason)
}

func TestUpsertPreservesRegisteredAt(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRecord(ctx, testRecord("search-fetch", synthesis.StatusDraft)))

	updated := testRecord("search-fetch", synthesis.StatusTesting)
	updated.CurrentVersion = 2
	updated.RegisteredAt = baseTime.Add(24 * time.Hour)
	require.NoError(t, store.UpsertRecord(ctx, updated))

	got, err := store.GetRecord(ctx, "search-fetch")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentVersion)
	assert.Equal(t, synthesis.StatusTesting, got.Status)
	// The original registration time survives the upsert.
	assert.True(t, got.RegisteredAt.Equal(baseTime))
}

func TestGetRecordNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetRecord(context.Background(), "missing")
	require.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestListRecords(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRecord(ctx, testRecord("zeta", synthesis.StatusPromoted)))
	require.NoError(t, store.UpsertRecord(ctx, testRecord("alpha", synthesis.StatusDraft)))
	require.NoError(t, store.UpsertRecord(ctx, testRecord("mid", synthesis.StatusPromoted)))

	all, err := store.ListRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Slug)
	assert.Equal(t, "mid", all[1].Slug)
	assert.Equal(t, "zeta", all[2].Slug)

	promoted, err := store.ListRecords(ctx, synthesis.StatusPromoted)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	assert.Equal(t, "mid", promoted[0].Slug)
	assert.Equal(t, "zeta", promoted[1].Slug)
}

func TestUpdateStatus(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRecord(ctx, testRecord("search-fetch", synthesis.StatusPromoted)))

	reason := "failure spike"
	require.NoError(t, store.UpdateStatus(ctx, "search-fetch", synthesis.StatusRetired, &reason))

	got, err := store.GetRecord(ctx, "search-fetch")
	require.NoError(t, err)
	assert.Equal(t, synthesis.StatusRetired, got.Status)
	require.NotNil(t, got.RetirementReason)
	assert.Equal(t, "failure spike", *got.RetirementReason)

	err = store.UpdateStatus(ctx, "missing", synthesis.StatusRetired, nil)
	require.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestTouchUsage(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRecord(ctx, testRecord("search-fetch", synthesis.StatusPromoted)))

	first := baseTime.Add(time.Hour)
	second := baseTime.Add(2 * time.Hour)
	require.NoError(t, store.TouchUsage(ctx, "search-fetch", first))
	require.NoError(t, store.TouchUsage(ctx, "search-fetch", second))

	got, err := store.GetRecord(ctx, "search-fetch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.InvocationCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(second))

	err = store.TouchUsage(ctx, "missing", first)
	require.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestVersionLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	v1 := registry.ToolVersion{
		Slug:             "search-fetch",
		Version:          1,
		ValidationPassed: true,
		EquivalenceScore: 0.91,
		CreatedAt:        baseTime,
	}
	v2 := registry.ToolVersion{
		Slug:             "search-fetch",
		Version:          2,
		ValidationPassed: false,
		EquivalenceScore: 0.74,
		CreatedAt:        baseTime.Add(time.Hour),
	}
	require.NoError(t, store.InsertVersion(ctx, v1))
	require.NoError(t, store.InsertVersion(ctx, v2))

	supersededAt := baseTime.Add(time.Hour)
	require.NoError(t, store.MarkSuperseded(ctx, "search-fetch", 1, supersededAt))

	versions, err := store.GetVersions(ctx, "search-fetch")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	assert.Equal(t, 1, versions[0].Version)
	assert.True(t, versions[0].ValidationPassed)
	assert.Equal(t, 0.91, versions[0].EquivalenceScore)
	assert.True(t, versions[0].CreatedAt.Equal(baseTime))
	require.NotNil(t, versions[0].SupersededAt)
	assert.True(t, versions[0].SupersededAt.Equal(supersededAt))

	assert.Equal(t, 2, versions[1].Version)
	assert.False(t, versions[1].ValidationPassed)
	assert.Nil(t, versions[1].SupersededAt)
}

func TestMarkSupersededUnknownVersion(t *testing.T) {
	store := openStore(t)

	err := store.MarkSuperseded(context.Background(), "search-fetch", 9, baseTime)
	require.ErrorIs(t, err, registry.ErrVersionNotFound)
}

func TestStaleRecords(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	cutoff := baseTime.Add(30 * 24 * time.Hour)

	// Used recently: not stale.
	fresh := testRecord("fresh", synthesis.StatusPromoted)
	freshUsed := cutoff.Add(time.Hour)
	fresh.LastUsedAt = &freshUsed

	// Used long ago: stale.
	dusty := testRecord("dusty", synthesis.StatusPromoted)
	dustyUsed := baseTime.Add(time.Hour)
	dusty.LastUsedAt = &dustyUsed

	// Never used, registered before the cutoff: stale.
	forgotten := testRecord("forgotten", synthesis.StatusPromoted)

	// Never used but registered after the cutoff: not stale yet.
	recent := testRecord("recent", synthesis.StatusDraft)
	recent.RegisteredAt = cutoff.Add(time.Hour)

	// Already retired: excluded regardless of age.
	retired := testRecord("retired", synthesis.StatusRetired)

	for _, r := range []registry.ToolRecord{fresh, dusty, forgotten, recent, retired} {
		require.NoError(t, store.UpsertRecord(ctx, r))
	}

	stale, err := store.StaleRecords(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "dusty", stale[0].Slug)
	assert.Equal(t, "forgotten", stale[1].Slug)
}

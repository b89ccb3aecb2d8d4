package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdwanctl/internal/model"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sdwan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testPath() model.Path {
	return model.Path{
		SrcSite:     model.NewSiteID(),
		DstSite:     model.NewSiteID(),
		SrcEndpoint: "198.51.100.1:51820",
		DstEndpoint: "203.0.113.7:51820",
		WGInterface: "wg0",
	}
}

func TestSQLite_InsertAndGetPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	in := testPath()
	id, err := db.InsertPath(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := db.GetPath(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, in.SrcSite, got.SrcSite)
	assert.Equal(t, in.DstSite, got.DstSite)
	assert.Equal(t, in.DstEndpoint, got.DstEndpoint)
	assert.Equal(t, "wg0", got.WGInterface)
	assert.Equal(t, model.PathUp, got.Status)

	paths, err := db.ListPaths(ctx)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestSQLite_GetPathNotFound(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	_, err := db.GetPath(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = db.UpdatePathStatus(context.Background(), 42, model.PathDown)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpdatePathStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.InsertPath(ctx, testPath())
	require.NoError(t, err)

	require.NoError(t, db.UpdatePathStatus(ctx, id, model.PathDegraded))
	got, err := db.GetPath(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PathDegraded, got.Status)

	assert.Error(t, db.UpdatePathStatus(ctx, id, model.PathStatus("sideways")))
}

func TestSQLite_LatestMetricsAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.InsertPath(ctx, testPath())
	require.NoError(t, err)

	latest, err := db.GetLatestMetrics(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.StorePathMetrics(ctx, id, model.PathMetrics{
			LatencyMs:  float64(10 + i),
			MTU:        model.DefaultMTU,
			Score:      uint8(90 + i),
			MeasuredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err = db.GetLatestMetrics(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 12.0, latest.LatencyMs)
	assert.Equal(t, uint8(92), latest.Score)
	assert.True(t, latest.MeasuredAt.Equal(base.Add(2*time.Minute)))

	hist, err := db.MetricsHistory(ctx, id, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 11.0, hist[0].Metrics.LatencyMs)
	assert.Equal(t, id, hist[1].PathID)
}

func TestSQLite_DeletePathCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.InsertPath(ctx, testPath())
	require.NoError(t, err)
	require.NoError(t, db.StorePathMetrics(ctx, id, model.PathMetrics{MeasuredAt: time.Now()}))

	require.NoError(t, db.DeletePath(ctx, id))
	hist, err := db.MetricsHistory(ctx, id, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, hist)

	assert.True(t, errors.Is(db.DeletePath(ctx, id), ErrNotFound))
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	require.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
}

func TestNewStore_RequiresDB(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, owner := range []string{"slack:U1", "slack:U2", "slack:U1"} {
		e := &Execution{Owner: owner, Kind: "succeeded", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, e.SetArgv([]string{"ffmpeg", "-i", "a.png", "out.mp4"}))
		require.NoError(t, s.Record(ctx, e))
		assert.NotZero(t, e.ID)
	}

	mine, err := s.Recent(ctx, "slack:U1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].CreatedAt.After(mine[1].CreatedAt), "newest first")

	all, err := s.Recent(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	argv, err := all[0].ArgvList()
	require.NoError(t, err)
	assert.Equal(t, []string{"ffmpeg", "-i", "a.png", "out.mp4"}, argv)
}

func TestCountByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, k := range []string{"succeeded", "succeeded", "timed_out", "processing_failed"} {
		require.NoError(t, s.Record(ctx, &Execution{Owner: "o", Kind: k, CreatedAt: now}))
	}
	require.NoError(t, s.Record(ctx, &Execution{Owner: "o", Kind: "succeeded", CreatedAt: now.Add(-48 * time.Hour)}))

	counts, err := s.CountByKind(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"succeeded": 2, "timed_out": 1, "processing_failed": 1}, counts)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, &Execution{Owner: "o", Kind: "succeeded", CreatedAt: now.AddDate(0, 0, -40)}))
	require.NoError(t, s.Record(ctx, &Execution{Owner: "o", Kind: "succeeded", CreatedAt: now}))

	n, err := s.Prune(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestArgvList_Empty(t *testing.T) {
	var e Execution
	argv, err := e.ArgvList()
	require.NoError(t, err)
	assert.Nil(t, argv)
}

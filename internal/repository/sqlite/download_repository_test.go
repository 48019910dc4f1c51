package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-stream/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "media.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newDownload(player string) *domain.Download {
	return &domain.Download{
		PlayerID:      player,
		MediaID:       "tt0903747",
		Title:         "Breaking Bad",
		Kind:          domain.MediaKindShow,
		Season:        1,
		Episode:       3,
		Source:        domain.SourceMagnet,
		SourceValue:   "magnet:?xt=urn:btih:abc",
		DownloadLimit: 500,
		State:         domain.StateStarting,
	}
}

func TestDownloadRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))
	// Init is idempotent.
	require.NoError(t, repo.Init(ctx))

	d := newDownload("tv")
	id, err := repo.Create(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)

	require.NoError(t, repo.UpdateAdmission(ctx, id, "abc", "/cache/shows"))
	require.NoError(t, repo.UpdateTelemetry(ctx, id, domain.Telemetry{
		Progress:  5.5,
		Bandwidth: domain.BandwidthSample{DownloadKBps: 120, UploadKBps: 8},
		Seeds:     4,
		Peers:     11,
	}))
	bufferedAt := time.Now().Add(-time.Minute)
	require.NoError(t, repo.MarkBuffered(ctx, id, "Breaking.Bad.S01E03", "/cache/shows/Breaking.Bad.S01E03/e3.mkv", bufferedAt))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateBuffered, got.State)
	assert.Equal(t, domain.MediaKindShow, got.Kind)
	assert.Equal(t, domain.SourceMagnet, got.Source)
	assert.Equal(t, 3, got.Episode)
	assert.Equal(t, 500, got.DownloadLimit)
	assert.Equal(t, "abc", got.InfoHash)
	assert.Equal(t, "/cache/shows", got.SaveDir)
	assert.Equal(t, "Breaking.Bad.S01E03", got.TorrentName)
	assert.InDelta(t, 5.5, got.Progress, 1e-9)
	assert.InDelta(t, 120, got.DownloadKBps, 1e-9)
	assert.Equal(t, 11, got.Peers)
	require.NotNil(t, got.BufferedAt)
	assert.WithinDuration(t, bufferedAt, *got.BufferedAt, time.Second)
	assert.Nil(t, got.EndedAt)

	require.NoError(t, repo.MarkEnded(ctx, id, domain.StateFinished, "", time.Now()))
	require.NoError(t, repo.UpdateArchiveLocation(ctx, id, "s3://media/archive/download-1"))

	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, got.State)
	assert.Zero(t, got.DownloadKBps)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, "s3://media/archive/download-1", got.ArchiveLocation)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, id), domain.ErrNotFound)
}

func TestDownloadRepositoryListByStates(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	ids := make([]int64, 3)
	for i := range ids {
		id, err := repo.Create(ctx, newDownload("tv"))
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, repo.UpdateAdmission(ctx, ids[1], "h", "/d"))
	require.NoError(t, repo.MarkEnded(ctx, ids[2], domain.StateCancelled, "stopped", time.Now()))

	active, err := repo.ListByStates(ctx, domain.ActiveStates()...)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ids[0], active[0].ID)
	assert.Equal(t, ids[1], active[1].ID)

	none, err := repo.ListByStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, "stopped", all[0].ErrorMessage)
}

func TestDownloadRepositoryRejectsUnknownRowsAndStates(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	assert.ErrorIs(t, repo.UpdateAdmission(ctx, 42, "h", "/d"), domain.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateTelemetry(ctx, 42, domain.Telemetry{}), domain.ErrNotFound)

	id, err := repo.Create(ctx, newDownload("tv"))
	require.NoError(t, err)
	assert.Error(t, repo.MarkEnded(ctx, id, domain.StatePolling, "", time.Now()))
}

func TestDownloadRepositoryUpgradesOldSchema(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `
CREATE TABLE downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	player_id TEXT NOT NULL,
	media_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	season INTEGER NOT NULL DEFAULT 0,
	episode INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	source_value TEXT NOT NULL,
	upload_limit INTEGER NOT NULL DEFAULT 0,
	download_limit INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	download_kbps REAL NOT NULL DEFAULT 0,
	upload_kbps REAL NOT NULL DEFAULT 0,
	seeds INTEGER NOT NULL DEFAULT 0,
	peers INTEGER NOT NULL DEFAULT 0,
	torrent_name TEXT NOT NULL DEFAULT '',
	save_dir TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	ended_at DATETIME NULL
)`)
	require.NoError(t, err)

	repo := NewDownloadRepository(db)
	require.NoError(t, repo.Init(ctx))

	id, err := repo.Create(ctx, newDownload("tv"))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateArchiveLocation(ctx, id, "s3://b/p"))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s3://b/p", got.ArchiveLocation)
}

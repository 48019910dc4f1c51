package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"media-stream/internal/domain"
	"media-stream/internal/repository"
)

const (
	createDownloadsTable = `
CREATE TABLE IF NOT EXISTS downloads (
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
	info_hash TEXT NOT NULL DEFAULT '',
	save_dir TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	buffered_at DATETIME NULL,
	ended_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state);
`

	selectDownloadColumns = `
SELECT id, player_id, media_id, title, kind, season, episode, source, source_value, upload_limit, download_limit, state, progress, download_kbps, upload_kbps, seeds, peers, torrent_name, info_hash, save_dir, file_path, archive_location, error_message, created_at, updated_at, buffered_at, ended_at
FROM downloads`
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(db *sql.DB) repository.DownloadRepository {
	return &DownloadRepository{db: db}
}

func (r *DownloadRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDownloadsTable); err != nil {
		return fmt.Errorf("create downloads table: %w", err)
	}
	if err := r.ensureDownloadColumns(ctx); err != nil {
		return err
	}
	return nil
}

// ensureDownloadColumns upgrades databases created before the archive and
// info hash columns existed.
func (r *DownloadRepository) ensureDownloadColumns(ctx context.Context) error {
	return addMissingColumns(ctx, r.db, "downloads", []columnMigration{
		{"info_hash", `ALTER TABLE downloads ADD COLUMN info_hash TEXT NOT NULL DEFAULT ''`},
		{"archive_location", `ALTER TABLE downloads ADD COLUMN archive_location TEXT NOT NULL DEFAULT ''`},
		{"buffered_at", `ALTER TABLE downloads ADD COLUMN buffered_at DATETIME NULL`},
	})
}

func (r *DownloadRepository) Create(ctx context.Context, d *domain.Download) (int64, error) {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
INSERT INTO downloads (player_id, media_id, title, kind, season, episode, source, source_value, upload_limit, download_limit, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.PlayerID,
		d.MediaID,
		d.Title,
		string(d.Kind),
		d.Season,
		d.Episode,
		string(d.Source),
		d.SourceValue,
		d.UploadLimit,
		d.DownloadLimit,
		string(d.State),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	d.ID = id
	return id, nil
}

func (r *DownloadRepository) UpdateTelemetry(ctx context.Context, id int64, t domain.Telemetry) error {
	return r.execOne(ctx, "update download telemetry", `
UPDATE downloads
SET progress=?, download_kbps=?, upload_kbps=?, seeds=?, peers=?, updated_at=?
WHERE id=?`,
		t.Progress,
		t.Bandwidth.DownloadKBps,
		t.Bandwidth.UploadKBps,
		t.Seeds,
		t.Peers,
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) UpdateAdmission(ctx context.Context, id int64, infoHash, saveDir string) error {
	return r.execOne(ctx, "update download admission", `
UPDATE downloads
SET state=?, info_hash=?, save_dir=?, updated_at=?
WHERE id=?`,
		string(domain.StatePolling),
		infoHash,
		saveDir,
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) MarkBuffered(ctx context.Context, id int64, torrentName, filePath string, bufferedAt time.Time) error {
	return r.execOne(ctx, "mark buffered", `
UPDATE downloads
SET state=?, torrent_name=?, file_path=?, buffered_at=?, updated_at=?
WHERE id=?`,
		string(domain.StateBuffered),
		torrentName,
		filePath,
		bufferedAt.UTC(),
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) MarkEnded(ctx context.Context, id int64, state domain.JobState, errorMessage string, endedAt time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("mark ended: %q is not a terminal state", state)
	}
	return r.execOne(ctx, "mark ended", `
UPDATE downloads
SET state=?, error_message=?, download_kbps=0, upload_kbps=0, ended_at=?, updated_at=?
WHERE id=?`,
		string(state),
		errorMessage,
		endedAt.UTC(),
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) UpdateArchiveLocation(ctx context.Context, id int64, location string) error {
	return r.execOne(ctx, "update archive location", `
UPDATE downloads
SET archive_location=?, updated_at=?
WHERE id=?`,
		location,
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, "delete download", `DELETE FROM downloads WHERE id=?`, id)
}

func (r *DownloadRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: download %d: %w", op, args[len(args)-1], domain.ErrNotFound)
	}
	return nil
}

func (r *DownloadRepository) Get(ctx context.Context, id int64) (*domain.Download, error) {
	row := r.db.QueryRowContext(ctx, selectDownloadColumns+`
WHERE id=?`,
		id,
	)
	return scanDownload(row)
}

func (r *DownloadRepository) List(ctx context.Context) ([]domain.Download, error) {
	rows, err := r.db.QueryContext(ctx, selectDownloadColumns+`
ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()
	return collectDownloads(rows)
}

func (r *DownloadRepository) ListByStates(ctx context.Context, states ...domain.JobState) ([]domain.Download, error) {
	if len(states) == 0 {
		return []domain.Download{}, nil
	}

	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, state := range states {
		placeholders[i] = "?"
		args[i] = string(state)
	}

	query := fmt.Sprintf(selectDownloadColumns+`
WHERE state IN (%s)
ORDER BY id ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query downloads by state: %w", err)
	}
	defer rows.Close()
	return collectDownloads(rows)
}

func collectDownloads(rows *sql.Rows) ([]domain.Download, error) {
	downloads := []domain.Download{}
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, *d)
	}
	return downloads, rows.Err()
}

func scanDownload(scanner interface {
	Scan(dest ...any) error
}) (*domain.Download, error) {
	var (
		d          domain.Download
		kind       string
		source     string
		state      string
		createdAt  time.Time
		updatedAt  time.Time
		bufferedAt sql.NullTime
		endedAt    sql.NullTime
	)

	if err := scanner.Scan(
		&d.ID,
		&d.PlayerID,
		&d.MediaID,
		&d.Title,
		&kind,
		&d.Season,
		&d.Episode,
		&source,
		&d.SourceValue,
		&d.UploadLimit,
		&d.DownloadLimit,
		&state,
		&d.Progress,
		&d.DownloadKBps,
		&d.UploadKBps,
		&d.Seeds,
		&d.Peers,
		&d.TorrentName,
		&d.InfoHash,
		&d.SaveDir,
		&d.FilePath,
		&d.ArchiveLocation,
		&d.ErrorMessage,
		&createdAt,
		&updatedAt,
		&bufferedAt,
		&endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("download: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan download: %w", err)
	}

	d.Kind = domain.MediaKind(kind)
	d.Source = domain.SourceKind(source)
	d.State = domain.JobState(state)
	d.CreatedAt = createdAt.Local()
	d.UpdatedAt = updatedAt.Local()
	if bufferedAt.Valid {
		t := bufferedAt.Time.Local()
		d.BufferedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.Local()
		d.EndedAt = &t
	}

	return &d, nil
}

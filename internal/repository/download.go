package repository

import (
	"context"
	"time"

	"media-stream/internal/domain"
)

// DownloadRepository exposes persistence operations for Download records.
type DownloadRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, d *domain.Download) (int64, error)
	UpdateTelemetry(ctx context.Context, id int64, t domain.Telemetry) error
	UpdateAdmission(ctx context.Context, id int64, infoHash, saveDir string) error
	MarkBuffered(ctx context.Context, id int64, torrentName, filePath string, bufferedAt time.Time) error
	MarkEnded(ctx context.Context, id int64, state domain.JobState, errorMessage string, endedAt time.Time) error
	UpdateArchiveLocation(ctx context.Context, id int64, location string) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*domain.Download, error)
	List(ctx context.Context) ([]domain.Download, error)
	ListByStates(ctx context.Context, states ...domain.JobState) ([]domain.Download, error)
}

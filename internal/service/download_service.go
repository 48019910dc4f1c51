package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"media-stream/internal/domain"
	"media-stream/internal/repository"
)

// DownloadService keeps the history of Play requests and the jobs they ran.
type DownloadService interface {
	CreateDownload(ctx context.Context, d *domain.Download) (*domain.Download, error)
	GetDownload(ctx context.Context, id int64) (*domain.Download, error)
	ListDownloads(ctx context.Context) ([]domain.Download, error)
	ListActive(ctx context.Context) ([]domain.Download, error)
	RecordAdmission(ctx context.Context, id int64, infoHash, saveDir string) error
	RecordTelemetry(ctx context.Context, id int64, t domain.Telemetry) error
	MarkBuffered(ctx context.Context, id int64, torrentName, filePath string) error
	MarkEnded(ctx context.Context, id int64, state domain.JobState, reason error) error
	SetArchiveLocation(ctx context.Context, id int64, location string) error
	DeleteDownload(ctx context.Context, id int64) error
}

type downloadService struct {
	downloads repository.DownloadRepository
}

func NewDownloadService(downloads repository.DownloadRepository) DownloadService {
	return &downloadService{downloads: downloads}
}

func (s *downloadService) CreateDownload(ctx context.Context, d *domain.Download) (*domain.Download, error) {
	if strings.TrimSpace(d.PlayerID) == "" {
		return nil, fmt.Errorf("%w: player id is required", domain.ErrInvalidJob)
	}
	if strings.TrimSpace(d.SourceValue) == "" {
		return nil, fmt.Errorf("%w: torrent source is required", domain.ErrInvalidJob)
	}
	d.State = domain.StateStarting
	if _, err := s.downloads.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *downloadService) GetDownload(ctx context.Context, id int64) (*domain.Download, error) {
	return s.downloads.Get(ctx, id)
}

func (s *downloadService) ListDownloads(ctx context.Context) ([]domain.Download, error) {
	return s.downloads.List(ctx)
}

func (s *downloadService) ListActive(ctx context.Context) ([]domain.Download, error) {
	return s.downloads.ListByStates(ctx, domain.ActiveStates()...)
}

func (s *downloadService) RecordAdmission(ctx context.Context, id int64, infoHash, saveDir string) error {
	return s.downloads.UpdateAdmission(ctx, id, infoHash, saveDir)
}

func (s *downloadService) RecordTelemetry(ctx context.Context, id int64, t domain.Telemetry) error {
	return s.downloads.UpdateTelemetry(ctx, id, t)
}

func (s *downloadService) MarkBuffered(ctx context.Context, id int64, torrentName, filePath string) error {
	return s.downloads.MarkBuffered(ctx, id, torrentName, filePath, time.Now())
}

// MarkEnded records a terminal state. reason may be nil.
func (s *downloadService) MarkEnded(ctx context.Context, id int64, state domain.JobState, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return s.downloads.MarkEnded(ctx, id, state, msg, time.Now())
}

func (s *downloadService) SetArchiveLocation(ctx context.Context, id int64, location string) error {
	return s.downloads.UpdateArchiveLocation(ctx, id, location)
}

func (s *downloadService) DeleteDownload(ctx context.Context, id int64) error {
	return s.downloads.Delete(ctx, id)
}

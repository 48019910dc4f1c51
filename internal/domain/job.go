package domain

import (
	"fmt"
	"strings"
)

type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceMagnet SourceKind = "magnet"
)

func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case SourceFile:
		return SourceFile, nil
	case SourceMagnet:
		return SourceMagnet, nil
	}
	return "", fmt.Errorf("%w: unknown torrent source %q", ErrInvalidJob, s)
}

// MediaJob is a single download request. It is never reused across Download calls.
type MediaJob struct {
	ID                string
	Media             *Media
	Source            SourceKind
	SourceValue       string
	UploadLimitKBps   int
	DownloadLimitKBps int
}

func (j *MediaJob) Validate() error {
	if j == nil || j.Media == nil {
		return fmt.Errorf("%w: media is required", ErrInvalidJob)
	}
	switch j.Media.Kind {
	case MediaKindMovie, MediaKindShow, MediaKindUnknown:
	default:
		return fmt.Errorf("%w: unknown media kind %q", ErrInvalidJob, j.Media.Kind)
	}
	switch j.Source {
	case SourceFile, SourceMagnet:
	default:
		return fmt.Errorf("%w: unknown torrent source %q", ErrInvalidJob, j.Source)
	}
	if strings.TrimSpace(j.SourceValue) == "" {
		return fmt.Errorf("%w: torrent source is required", ErrInvalidJob)
	}
	if j.UploadLimitKBps < 0 || j.DownloadLimitKBps < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", ErrInvalidJob)
	}
	return nil
}

// BandwidthSample is an instantaneous transfer rate snapshot.
type BandwidthSample struct {
	DownloadKBps float64 `json:"download_kbps"`
	UploadKBps   float64 `json:"upload_kbps"`
}

package domain

import "time"

// Download is the persisted record of one Play request and the job it ran.
// EndedAt is set once State is terminal.
type Download struct {
	ID              int64
	PlayerID        string
	MediaID         string
	Title           string
	Kind            MediaKind
	Season          int
	Episode         int
	Source          SourceKind
	SourceValue     string
	UploadLimit     int
	DownloadLimit   int
	State           JobState
	Progress        float64
	DownloadKBps    float64
	UploadKBps      float64
	Seeds           int
	Peers           int
	TorrentName     string
	InfoHash        string
	SaveDir         string
	FilePath        string
	ArchiveLocation string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	BufferedAt      *time.Time
	EndedAt         *time.Time
}

// Media rebuilds the media reference described by the record.
func (d *Download) Media() *Media {
	m := &Media{
		Kind:    d.Kind,
		ID:      d.MediaID,
		Title:   d.Title,
		Season:  d.Season,
		Episode: d.Episode,
	}
	if d.FilePath != "" {
		m.SetFilePath(d.FilePath)
	}
	return m
}

// Telemetry is the last tick observed for a download.
type Telemetry struct {
	Progress  float64
	Bandwidth BandwidthSample
	Seeds     int
	Peers     int
}

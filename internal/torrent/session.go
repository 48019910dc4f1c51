// Package torrent is the torrent-engine boundary of the download orchestrator.
// The orchestrator only sees Session and Handle; AnacrolixFactory backs them
// with github.com/anacrolix/torrent.
package torrent

import "context"

// Status is a point-in-time view of a torrent.
type Status struct {
	// Progress is the completed fraction, 0..1.
	Progress float64
	// DownloadRate and UploadRate are in bytes per second.
	DownloadRate int64
	UploadRate   int64
	Seeds        int
	Peers        int
	Finished     bool
	SavePath     string
	// Name is the torrent's declared name, the file or top-level directory it writes.
	Name string
}

// Handle is a single torrent admitted to a Session.
type Handle interface {
	InfoHash() string
	Status() (Status, error)
	// SetRateLimits applies limits in KB/s. Zero means unlimited.
	SetRateLimits(uploadKBps, downloadKBps int)
	// SetSequential switches piece selection to file-offset order.
	SetSequential(enabled bool)
	SaveResumeData() error
	FlushCache() error
}

// Session owns the torrents of one download job.
type Session interface {
	AddTorrentFile(ctx context.Context, path string) (Handle, error)
	AddMagnet(ctx context.Context, uri string) (Handle, error)
	// Remove takes the torrent out of the session. Data on disk is kept.
	Remove(h Handle) error
	Close() error
}

// Factory creates a session writing under dataDir.
type Factory interface {
	NewSession(dataDir string) (Session, error)
}

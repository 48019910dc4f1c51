package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidJob    = errors.New("invalid download job")

	ErrInvalidMagnet      = errors.New("invalid magnet uri")
	ErrInvalidTorrentFile = errors.New("invalid torrent file")

	// ErrNoMediaInTorrent is reported when a catalog item's torrent holds no playable video.
	ErrNoMediaInTorrent = errors.New("no playable media in torrent")
	// ErrNoMediaInDroppedTorrent is the same condition for a torrent dropped by the user.
	ErrNoMediaInDroppedTorrent = errors.New("no playable media in dropped torrent")

	ErrEngineUnavailable = errors.New("torrent engine unavailable")
	ErrCacheInUse        = errors.New("cache is in use by an active download")
	ErrStillStopping     = errors.New("download is still stopping")
)

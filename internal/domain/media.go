package domain

import (
	"fmt"
	"strings"
	"sync"
)

type MediaKind string

const (
	MediaKindMovie   MediaKind = "movie"
	MediaKindShow    MediaKind = "show"
	MediaKindUnknown MediaKind = "unknown"
)

// ParseMediaKind maps user input to a MediaKind. Empty input is Unknown.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case MediaKindMovie:
		return MediaKindMovie, nil
	case MediaKindShow, "episode":
		return MediaKindShow, nil
	case MediaKindUnknown, "":
		return MediaKindUnknown, nil
	}
	return "", fmt.Errorf("%w: unknown media kind %q", ErrInvalidJob, s)
}

// Media is the item being played. Movie and Show share the same shape;
// Season and Episode are only meaningful for shows.
//
// FilePath is written by the download engine once the file is buffered and
// read by the caller afterwards, so access goes through the accessors.
type Media struct {
	Kind    MediaKind
	ID      string
	Title   string
	Season  int
	Episode int

	mu       sync.RWMutex
	filePath string
}

func NewMovie(id, title string) *Media {
	return &Media{Kind: MediaKindMovie, ID: id, Title: title}
}

func NewEpisode(id, title string, season, episode int) *Media {
	return &Media{Kind: MediaKindShow, ID: id, Title: title, Season: season, Episode: episode}
}

// NewDropped describes an arbitrary torrent handed to the player with no catalog entry.
func NewDropped(title string) *Media {
	return &Media{Kind: MediaKindUnknown, Title: title}
}

func (m *Media) FilePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filePath
}

func (m *Media) SetFilePath(path string) {
	m.mu.Lock()
	m.filePath = path
	m.mu.Unlock()
}

func (m *Media) String() string {
	if m.Kind == MediaKindShow {
		return fmt.Sprintf("%s S%02dE%02d", m.Title, m.Season, m.Episode)
	}
	return m.Title
}

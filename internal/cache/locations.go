// Package cache owns the on-disk locations downloads are written to.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"media-stream/internal/domain"
)

const (
	moviesDir  = "movies"
	showsDir   = "shows"
	droppedDir = "dropped"
)

// Locations maps media kinds to save directories under a single root.
type Locations struct {
	root string
	fs   afero.Fs
}

func NewLocations(root string, fs afero.Fs) *Locations {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Locations{root: filepath.Clean(root), fs: fs}
}

func (l *Locations) Root() string { return l.root }

// Dir returns the directory for kind without creating it.
func (l *Locations) Dir(kind domain.MediaKind) (string, error) {
	switch kind {
	case domain.MediaKindMovie:
		return filepath.Join(l.root, moviesDir), nil
	case domain.MediaKindShow:
		return filepath.Join(l.root, showsDir), nil
	case domain.MediaKindUnknown:
		return filepath.Join(l.root, droppedDir), nil
	}
	return "", fmt.Errorf("%w: unknown media kind %q", domain.ErrInvalidJob, kind)
}

// SaveDir returns the directory for kind, creating it when missing.
func (l *Locations) SaveDir(kind domain.MediaKind) (string, error) {
	dir, err := l.Dir(kind)
	if err != nil {
		return "", err
	}
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}
	return dir, nil
}

// Kinds lists every kind that has its own directory.
func Kinds() []domain.MediaKind {
	return []domain.MediaKind{domain.MediaKindMovie, domain.MediaKindShow, domain.MediaKindUnknown}
}

type Usage struct {
	Kind  domain.MediaKind
	Dir   string
	Files int
	Bytes int64
}

func (u Usage) Human() string {
	return humanize.IBytes(uint64(u.Bytes))
}

// Usage walks every kind's directory. Missing directories count as empty.
func (l *Locations) Usage() ([]Usage, error) {
	out := make([]Usage, 0, len(Kinds()))
	for _, kind := range Kinds() {
		dir, _ := l.Dir(kind)
		u := Usage{Kind: kind, Dir: dir}
		err := afero.Walk(l.fs, dir, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				if os.IsNotExist(walkErr) {
					return nil
				}
				return walkErr
			}
			if info.Mode().IsRegular() {
				u.Files++
				u.Bytes += info.Size()
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Clear removes everything stored for kind and returns the bytes freed.
func (l *Locations) Clear(kind domain.MediaKind) (int64, error) {
	dir, err := l.Dir(kind)
	if err != nil {
		return 0, err
	}
	var freed int64
	_ = afero.Walk(l.fs, dir, func(_ string, info os.FileInfo, walkErr error) error {
		if walkErr == nil && info.Mode().IsRegular() {
			freed += info.Size()
		}
		return nil
	})
	if err := l.fs.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("clear %s: %w", dir, err)
	}
	return freed, nil
}

// RemoveData deletes a file or directory that lives below the cache root.
// Paths outside the root, and the root itself, are refused.
func (l *Locations) RemoveData(path string) error {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(l.root, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: outside cache root", clean)
	}
	for _, kind := range Kinds() {
		if dir, _ := l.Dir(kind); dir == clean {
			return fmt.Errorf("refusing to remove %s: use Clear for a whole kind", clean)
		}
	}
	if err := l.fs.RemoveAll(clean); err != nil {
		return fmt.Errorf("remove %s: %w", clean, err)
	}
	return nil
}

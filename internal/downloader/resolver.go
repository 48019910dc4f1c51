package downloader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var videoExtensions = map[string]struct{}{
	".mp4": {},
	".mkv": {},
	".mov": {},
	".avi": {},
}

var errFound = errors.New("found")

// FindPlayable walks root in lexical order and returns the first video file
// that belongs to the torrent called name: the file itself or one below the
// directory of that name. Save directories are shared by every download of a
// kind, so a file whose path merely contains name is only taken when nothing
// belongs to the torrent. It returns "" when nothing matches.
func FindPlayable(fs afero.Fs, root, name string) (string, error) {
	var match, fallback string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if _, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if topLevel(rel) == name {
			match = path
			return errFound
		}
		if fallback == "" && strings.Contains(rel, name) {
			fallback = path
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", err
	}
	if match == "" {
		return fallback, nil
	}
	return match, nil
}

func topLevel(rel string) string {
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}

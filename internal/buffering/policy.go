// Package buffering decides when enough of a sequentially downloaded file is
// on disk for playback to start.
package buffering

import (
	"github.com/sirupsen/logrus"

	"media-stream/internal/domain"
)

const (
	DefaultMoviePercent = 3.0
	DefaultShowPercent  = 5.0
)

// Policy holds the minimum-buffer thresholds, in percent of the torrent.
type Policy struct {
	movie float64
	show  float64
}

// Default returns the policy with the stock thresholds.
func Default() Policy {
	return Policy{movie: DefaultMoviePercent, show: DefaultShowPercent}
}

// NewPolicy builds a policy from configured thresholds. A value outside
// (0, 100] is not fatal: it is logged and replaced by its default.
func NewPolicy(moviePercent, showPercent float64, logger *logrus.Logger) Policy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := Default()
	if valid(moviePercent) {
		p.movie = moviePercent
	} else {
		logger.Warnf("invalid movie buffering threshold %v, using %v", moviePercent, DefaultMoviePercent)
	}
	if valid(showPercent) {
		p.show = showPercent
	} else {
		logger.Warnf("invalid show buffering threshold %v, using %v", showPercent, DefaultShowPercent)
	}
	return p
}

func valid(v float64) bool {
	return v > 0 && v <= 100
}

// MinimumPercent returns the threshold for a media kind. Dropped torrents
// have no catalog entry and are treated like movies.
func (p Policy) MinimumPercent(kind domain.MediaKind) float64 {
	switch kind {
	case domain.MediaKindShow:
		return p.show
	default:
		return p.movie
	}
}

// Reached reports whether progress (0-100) meets the threshold for kind.
func (p Policy) Reached(kind domain.MediaKind, progressPercent float64) bool {
	return progressPercent >= p.MinimumPercent(kind)
}

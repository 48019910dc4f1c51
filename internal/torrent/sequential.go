package torrent

import "github.com/anacrolix/torrent/types"

const (
	defaultUrgentPieces    = 4
	defaultReadaheadPieces = 16
)

// SequentialConfig sizes the priority window kept in front of the first
// missing piece.
type SequentialConfig struct {
	UrgentPieces    int
	ReadaheadPieces int
}

func (c SequentialConfig) withDefaults() SequentialConfig {
	if c.UrgentPieces <= 0 {
		c.UrgentPieces = defaultUrgentPieces
	}
	if c.ReadaheadPieces < 0 {
		c.ReadaheadPieces = 0
	} else if c.ReadaheadPieces == 0 {
		c.ReadaheadPieces = defaultReadaheadPieces
	}
	return c
}

// PieceRange is a half-open piece interval sharing one priority.
type PieceRange struct {
	Begin    int
	End      int
	Priority types.PiecePriority
}

// PlanSequential lays out priorities so that pieces are fetched in playback
// order: the first incomplete piece and the ones right after it are urgent,
// a readahead band follows, and everything later stays at normal priority.
// It returns nil once every piece is complete.
func PlanSequential(numPieces int, complete func(int) bool, cfg SequentialConfig) []PieceRange {
	cfg = cfg.withDefaults()

	first := -1
	for i := 0; i < numPieces; i++ {
		if !complete(i) {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	var plan []PieceRange
	add := func(begin, end int, prio types.PiecePriority) int {
		end = min(end, numPieces)
		if begin < end {
			plan = append(plan, PieceRange{Begin: begin, End: end, Priority: prio})
		}
		return end
	}
	next := add(first, first+cfg.UrgentPieces, types.PiecePriorityNow)
	next = add(next, next+cfg.ReadaheadPieces, types.PiecePriorityReadahead)
	add(next, numPieces, types.PiecePriorityNormal)
	return plan
}

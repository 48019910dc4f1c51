package domain

type JobState string

const (
	StateStarting  JobState = "starting"
	StatePolling   JobState = "polling"
	StateBuffered  JobState = "buffered"
	StateFinished  JobState = "finished"
	StateAborted   JobState = "aborted"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	switch s {
	case StateFinished, StateAborted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// ActiveStates lists the states of a download that still owns a torrent session.
func ActiveStates() []JobState {
	return []JobState{StateStarting, StatePolling, StateBuffered}
}

// Package events fans download events out to whoever is watching a job.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Type string

const (
	TypeProgress          Type = "progress"
	TypeBandwidth         Type = "bandwidth"
	TypeSeeds             Type = "seeds"
	TypePeers             Type = "peers"
	TypeBuffered          Type = "buffered"
	TypePlaybackProgress  Type = "playback_progress"
	TypePlaybackBandwidth Type = "playback_bandwidth"
	TypeCancelled         Type = "cancelled"
	TypeFinished          Type = "finished"
	TypeAborted           Type = "aborted"
	TypeFailed            Type = "failed"
)

// Counter hands out event IDs. It is owned by whoever builds the Bus.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

type Event struct {
	ID         uint64    `json:"id"`
	DownloadID int64     `json:"download_id"`
	Type       Type      `json:"type"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

const subscriberBuffer = 64

// Bus delivers events per download. Delivery never blocks the publisher: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	counter *Counter
	logger  *logrus.Logger

	mu   sync.Mutex
	subs map[int64]map[int]chan Event
	next int
}

func NewBus(counter *Counter, logger *logrus.Logger) *Bus {
	if counter == nil {
		counter = &Counter{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		counter: counter,
		logger:  logger,
		subs:    make(map[int64]map[int]chan Event),
	}
}

func (b *Bus) Publish(downloadID int64, typ Type, data any) Event {
	ev := Event{
		ID:         b.counter.Next(),
		DownloadID: downloadID,
		Type:       typ,
		Data:       data,
		Time:       time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[downloadID] {
		select {
		case ch <- ev:
		default:
			b.logger.WithField("download_id", downloadID).Debugf("event subscriber lagging, dropped %s", typ)
		}
	}
	return ev
}

// Subscribe returns the events of one download and a func that ends the subscription.
func (b *Bus) Subscribe(downloadID int64) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := b.next
	b.next++
	if b.subs[downloadID] == nil {
		b.subs[downloadID] = make(map[int]chan Event)
	}
	b.subs[downloadID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[downloadID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subs, downloadID)
			}
		})
	}
}

func (b *Bus) Subscribers(downloadID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[downloadID])
}

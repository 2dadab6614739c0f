package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loaner/core/types"
)

const defaultHistoryLimit = 1024

// Stamped is an event as delivered to stream subscribers.
type Stamped struct {
	Sequence uint64
	Cursor   string
	Event    *types.Event
}

func (s Stamped) clone() Stamped {
	s.Event = s.Event.Clone()
	return s
}

// Broadcaster stamps every emitted event with an ID, a timestamp and a
// sequence number and fans it out to subscribers. Slow subscribers miss
// events instead of blocking emitters; the bounded history lets them resume
// from a cursor.
type Broadcaster struct {
	mu      sync.Mutex
	now     func() time.Time
	limit   int
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Stamped
	history []Stamped
}

// NewBroadcaster creates a broadcaster retaining up to limit events for
// replay. A non-positive limit selects the default.
func NewBroadcaster(limit int) *Broadcaster {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Broadcaster{
		now:   time.Now,
		limit: limit,
		subs:  make(map[uint64]chan Stamped),
	}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = b.now().Unix()
	}

	b.mu.Lock()
	b.seq++
	stamped := Stamped{Sequence: b.seq, Cursor: strconv.FormatUint(b.seq, 10), Event: payload}
	b.history = append(b.history, stamped.clone())
	if len(b.history) > b.limit {
		excess := len(b.history) - b.limit
		trimmed := make([]Stamped, b.limit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	subscribers := make([]chan Stamped, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	// Delivery happens under the lock so that cancel cannot close a channel
	// mid-send.
	for _, ch := range subscribers {
		select {
		case ch <- stamped.clone():
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber. Events retained in history with a
// sequence after cursor are returned as backlog. The channel is closed when
// cancel is called or ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context, cursor string, buffer int) (<-chan Stamped, func(), []Stamped) {
	if buffer <= 0 {
		buffer = 32
	}
	updates := make(chan Stamped, buffer)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Stamped, 0, len(b.history))
	if cursor != "" {
		for _, entry := range b.history {
			if entry.Sequence > since {
				backlog = append(backlog, entry.clone())
			}
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Sequence returns the sequence number of the most recent event.
func (b *Broadcaster) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

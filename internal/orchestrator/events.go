package orchestrator

import (
	"sync"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/download"
	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/metrics"
)

// EventType tags an Event.
type EventType string

const (
	EventRecordAdded    EventType = "record_added"
	EventRecordRemoved  EventType = "record_removed"
	EventStatusChanged  EventType = "status_changed"
	EventProgress       EventType = "progress"
	EventRetrying       EventType = "retrying"
	EventBatchStarted   EventType = "batch_started"
	EventBatchProgress  EventType = "batch_progress"
	EventBatchCompleted EventType = "batch_completed"
)

// ErrorInfo is the error attached to a failed record.
type ErrorInfo struct {
	Kind   drverr.Kind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// RetryInfo accompanies EventRetrying.
type RetryInfo struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason,omitempty"`
}

// Event is one entry of the orchestrator's ordered event stream. Seq is
// strictly increasing across all events of one orchestrator.
type Event struct {
	Seq       uint64             `json:"seq"`
	Type      EventType          `json:"type"`
	RecordID  string             `json:"recordId,omitempty"`
	BatchID   string             `json:"batchId,omitempty"`
	OldStatus Status             `json:"oldStatus"`
	NewStatus Status             `json:"newStatus"`
	Progress  *download.Progress `json:"progress,omitempty"`
	Retry     *RetryInfo         `json:"retry,omitempty"`
	Error     *ErrorInfo         `json:"error,omitempty"`
	Tally     *Tally             `json:"tally,omitempty"`
	Result    *BatchResult       `json:"result,omitempty"`
	At        time.Time          `json:"at"`
}

// bus fans events out to subscribers. publish never blocks: every
// subscriber has its own queue drained by its own goroutine. When a queue
// holds limit events, further progress events for it are dropped; other
// events are always kept.
type bus struct {
	mu    sync.Mutex
	seq   uint64
	next  int
	subs  map[int]*subscriber
	limit int
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	out    chan Event
	closed bool
}

func newBus(limit int) *bus {
	if limit < 1 {
		limit = 256
	}
	return &bus{subs: make(map[int]*subscriber), limit: limit}
}

func (b *bus) subscribe() (<-chan Event, func()) {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	go s.drain()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, s := range b.subs {
		s.push(ev, b.limit)
	}
}

// close ends every subscription. Pending events are still delivered.
func (b *bus) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

func (s *subscriber) push(ev Event, limit int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Type == EventProgress && len(s.queue) >= limit {
		s.mu.Unlock()
		metrics.DroppedEvents.Inc()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish stops accepting events; drain exits once the queue is delivered.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close abandons undelivered events.
func (s *subscriber) close() {
	s.finish()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

package events

import (
	"sync"
	"time"
)

const (
	defaultHistory          = 200
	defaultSubscriberBuffer = 50
)

// Event types published over the job lifecycle.
const (
	TypeJobCreated   = "job.created"
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobRetried   = "job.retried"
	TypeJobCancelled = "job.cancelled"
	TypePassFinished = "scheduler.pass"
)

type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Type      string            `json:"type"`
	Message   string            `json:"msg"`
	JobID     string            `json:"job_id,omitempty"`
	JobType   string            `json:"job_type,omitempty"`
	Status    string            `json:"status,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker fans events out to subscribers and keeps a short history that new
// subscribers receive first. Slow subscribers drop events rather than block
// publishers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	limit   int
}

func NewBroker(history int) *Broker {
	if history <= 0 {
		history = defaultHistory
	}
	return &Broker{subs: map[int]chan Event{}, limit: history}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = "info"
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns the live channel, an unsubscribe func and the history
// captured at subscription time.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := append([]Event(nil), b.history...)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel, snapshot
}

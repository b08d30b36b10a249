package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type EventType string

const (
	EventSegmentFinished EventType = "segment_finished"
	EventSegmentFailed   EventType = "segment_failed"
)

// Event is pushed verbatim to every live connection of the task owner.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	SegmentID int       `json:"segment_id"`
	Status    string    `json:"status"`
	Resources []string  `json:"resources,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, owner string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, owner string) (Subscription, error)
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}

var ErrClosed = errors.New("broker is closed")

const DefaultBuffer = 32

// Memory fans events out to subscribers of the same process. A subscriber
// whose buffer is full misses the event.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (m *Memory) Publish(ctx context.Context, owner string, event Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[owner] {
		select {
		case sub.events <- event:
		default:
			m.logger.Warn("Dropped event for slow subscriber",
				slog.String("owner", owner),
				slog.String("taskId", event.TaskID),
				slog.String("type", string(event.Type)),
			)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, owner string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		broker: m,
		owner:  owner,
		events: make(chan Event, m.buffer),
	}
	if m.subs[owner] == nil {
		m.subs[owner] = make(map[*memorySubscription]struct{})
	}
	m.subs[owner][sub] = struct{}{}
	return sub, nil
}

// Subscribers reports the live subscriptions of owner.
func (m *Memory) Subscribers(owner string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[owner])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for owner, subs := range m.subs {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(m.subs, owner)
	}
	return nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subs[sub.owner]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.subs, sub.owner)
	}
	sub.closeLocked()
}

type memorySubscription struct {
	broker *Memory
	owner  string
	events chan Event
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	return nil
}

// closeLocked must run with the broker write lock held so no publisher
// sends on a closed channel.
func (s *memorySubscription) closeLocked() {
	s.once.Do(func() { close(s.events) })
}

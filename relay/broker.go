// Package relay fans out turn and status events to subscribed remote
// clients.
package relay

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"

	"github.com/vimo-ai/vlaude-sub001/store"
)

type EventKind string

const (
	EventTurn           EventKind = "turn"
	EventSessionUpdated EventKind = "session_updated"
	EventSessionDeleted EventKind = "session_deleted"
	EventStatus         EventKind = "status"
)

// Event is one delivery to remote subscribers.
type Event struct {
	Kind        EventKind      `json:"kind"`
	SessionID   string         `json:"session_id,omitempty"`
	ProjectPath string         `json:"project_path,omitempty"`
	Turn        *store.Turn    `json:"turn,omitempty"`
	Session     *store.Session `json:"session,omitempty"`
	Status      string         `json:"status,omitempty"`
	Time        time.Time      `json:"time"`
}

// Subscriber receives events over a bounded channel. A subscriber with a
// session filter sees only that session's events plus global status events.
type Subscriber struct {
	ID        string
	SessionID string
	ch        chan Event
	done      chan struct{}
	broker    *Broker
	closeOnce sync.Once
}

func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close removes the subscriber from the broker and closes Done. The event
// channel itself is never closed: a concurrent Publish may still hold a
// snapshot of this subscriber, and a send on a closed channel would panic
// the publisher. Consumers select on Done instead of channel closure.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.broker.remove(s.ID)
		close(s.done)
	})
}

// Broker is the delivery fan-out point. A slow subscriber gets a few
// retries with exponential backoff before its event is dropped; one stuck
// client must not stall delivery to the others.
type Broker struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	bufSize   int
	retryMax  uint
	retryBase time.Duration
}

func NewBroker(bufSize, retryMax int, retryBase time.Duration) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	if retryMax <= 0 {
		retryMax = 5
	}
	if retryBase <= 0 {
		retryBase = 100 * time.Millisecond
	}
	return &Broker{
		subs:      make(map[string]*Subscriber),
		bufSize:   bufSize,
		retryMax:  uint(retryMax),
		retryBase: retryBase,
	}
}

// Subscribe registers a new subscriber. An empty sessionID subscribes to
// everything.
func (b *Broker) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ch:        make(chan Event, b.bufSize),
		done:      make(chan struct{}),
		broker:    b,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// SessionSubscriberCount counts subscribers that would see events for the
// given session.
func (b *Broker) SessionSubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.SessionID == "" || sub.SessionID == sessionID {
			n++
		}
	}
	return n
}

var errBufferFull = errors.New("subscriber buffer full")

// Publish delivers the event to every matching subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.SessionID != "" && ev.SessionID != "" && sub.SessionID != ev.SessionID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		err := retry.Retry(func(attempt uint) error {
			select {
			case <-sub.done:
				// Closed between snapshot and send; nothing to deliver.
				return nil
			default:
			}
			select {
			case sub.ch <- ev:
				return nil
			default:
				return errBufferFull
			}
		},
			strategy.Limit(b.retryMax),
			strategy.Backoff(backoff.Exponential(b.retryBase, 2)),
		)
		if err != nil {
			log.Printf("Warning: dropping %s event for slow subscriber %s", ev.Kind, sub.ID)
		}
	}
}

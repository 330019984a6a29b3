package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stride/internal/webhooks"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "stride-backend"
)

// RealtimeMessage is one event delivered to an athlete's stream subscribers.
type RealtimeMessage struct {
	AthleteID         string
	EventType         string
	SourceActivityIDs []string
	Timestamp         time.Time
}

// RealtimeDispatcher fans events out to per-athlete subscribers. Slow
// subscribers lose messages rather than blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, athleteID string) (<-chan RealtimeMessage, func()) {
	if athleteID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(athleteID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(athleteID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.AthleteID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.AthleteID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Notify publishes a webhook processing event.
func (d *RealtimeDispatcher) Notify(event webhooks.Event) {
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	d.Publish(RealtimeMessage{
		AthleteID:         event.AthleteID,
		EventType:         event.Type,
		SourceActivityIDs: event.SourceActivityIDs,
		Timestamp:         timestamp,
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(athleteID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[athleteID]; !ok {
		d.subscribers[athleteID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[athleteID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(athleteID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[athleteID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, athleteID)
		}
	}
	d.mu.Unlock()
}

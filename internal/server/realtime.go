package server

import (
	"context"
	"sync"
	"time"

	"github.com/canvasslabs/canvass/internal/polls"
)

const (
	RealtimeEventTallyChanged = "tally-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "canvass-backend"
)

// RealtimeMessage carries a tally snapshot for one question to live-results
// subscribers.
type RealtimeMessage struct {
	QuestionID uint
	EventType  string
	Tally      polls.TallySheet
	Timestamp  time.Time
}

// RealtimeDispatcher fans accepted-vote tallies out to per-question
// subscribers. Slow subscribers drop messages rather than block voting.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[uint]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[uint]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, questionID uint) (<-chan RealtimeMessage, func()) {
	if questionID == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(questionID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(questionID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.QuestionID == 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.QuestionID]
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

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(questionID uint, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[questionID]; !ok {
		d.subscribers[questionID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[questionID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(questionID uint, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[questionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, questionID)
		}
	}
	d.mu.Unlock()
}

package server

import (
	"context"
	"sync"
	"time"
)

const (
	// SyncEventMirrorChanged announces that the user's activity mirror
	// changed (sync run finished or a webhook event landed).
	SyncEventMirrorChanged = "mirror-change"
	syncEventHeartbeat     = "heartbeat"
)

// SyncEvent notifies an open dashboard that mirrored data moved underneath it.
type SyncEvent struct {
	UserID      string
	EventType   string
	ActivityIDs []string
	Timestamp   time.Time
}

// SyncEventDispatcher fans sync events out to per-user subscribers. Slow
// subscribers drop events rather than block a publisher; the mirror itself
// is the source of truth, the event is only a refresh hint.
type SyncEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*syncSubscriber
	nextID      int64
	bufferSize  int
}

type syncSubscriber struct {
	id     int64
	stream chan SyncEvent
}

// NewSyncEventDispatcher constructs an empty dispatcher.
func NewSyncEventDispatcher() *SyncEventDispatcher {
	return &SyncEventDispatcher{
		subscribers: make(map[string]map[int64]*syncSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of the user's sync events. The returned
// cleanup is also invoked automatically when ctx ends.
func (d *SyncEventDispatcher) Subscribe(ctx context.Context, userID string) (<-chan SyncEvent, func()) {
	if userID == "" {
		ch := make(chan SyncEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &syncSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.register(userID, subscriber)
	cleanup := func() {
		d.unregister(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every current subscriber of its user.
func (d *SyncEventDispatcher) Publish(event SyncEvent) {
	if event.UserID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*syncSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// MirrorChanged satisfies the webhook package's Notifier interface.
func (d *SyncEventDispatcher) MirrorChanged(userID string, activityIDs []string) {
	d.Publish(SyncEvent{
		UserID:      userID,
		EventType:   SyncEventMirrorChanged,
		ActivityIDs: activityIDs,
		Timestamp:   time.Now().UTC(),
	})
}

func (d *SyncEventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SyncEventDispatcher) register(userID string, subscriber *syncSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*syncSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *SyncEventDispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

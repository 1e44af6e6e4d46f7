package p2p

import (
	"context"
	"sync"

	"github.com/caravelhq/caravel-sync/internal/protocol"
)

// ProgressDispatcher fans sync progress snapshots out to subscribers.
// Publish never blocks; slow subscribers drop updates rather than stalling
// a sync session.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*progressSubscriber
	nextID      int64
	bufferSize  int
}

type progressSubscriber struct {
	id     int64
	stream chan protocol.Progress
}

// NewProgressDispatcher returns an empty dispatcher.
func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[int64]*progressSubscriber),
		bufferSize:  16,
	}
}

// Subscribe returns a stream of progress snapshots and a cleanup function.
// The subscription also ends when ctx is cancelled.
func (d *ProgressDispatcher) Subscribe(ctx context.Context) (<-chan protocol.Progress, func()) {
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan protocol.Progress, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers a snapshot to every subscriber without blocking.
func (d *ProgressDispatcher) Publish(progress protocol.Progress) {
	d.mu.RLock()
	copies := make([]*progressSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- progress:
		default:
		}
	}
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *ProgressDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

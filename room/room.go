package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
)

// ErrClosed is returned by calls on a room that has been shut down.
var ErrClosed = errors.New("room closed")

type updateRequest struct {
	ctx    context.Context
	update models.RunUpdate
	reply  chan error
}

type subscribeRequest struct {
	sub   *Subscriber
	reply chan models.RunState
}

// Room owns the live state of one run. A single goroutine applies updates,
// persists them and fans them out, so every subscriber sees the same order.
type Room struct {
	runID   string
	store   StateStore
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Registry

	activateMu sync.Mutex
	activated  bool

	updates     chan updateRequest
	register    chan subscribeRequest
	unregister  chan *Subscriber
	snapshots   chan chan models.RunState
	quit        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
	state       models.RunState
	subscribers map[*Subscriber]struct{}
}

func newRoom(runID string, store StateStore, logger *slog.Logger, now func() time.Time, metrics *observability.Registry) *Room {
	return &Room{
		runID:       runID,
		store:       store,
		logger:      logger.With("run_id", runID),
		now:         now,
		metrics:     metrics,
		updates:     make(chan updateRequest),
		register:    make(chan subscribeRequest),
		unregister:  make(chan *Subscriber),
		snapshots:   make(chan chan models.RunState),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// activate restores the persisted state, or the default state, and starts
// the room goroutine. It is safe to call repeatedly; a failed load is retried
// on the next call.
func (r *Room) activate(ctx context.Context) error {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()
	if r.activated {
		return nil
	}
	state, ok, err := r.store.Load(ctx, r.runID)
	if err != nil {
		return fmt.Errorf("restore run %s: %w", r.runID, err)
	}
	if !ok {
		state = models.DefaultRunState(r.now().UTC())
	}
	r.state = state
	r.activated = true
	go r.loop()
	return nil
}

func (r *Room) loop() {
	defer close(r.stopped)
	for {
		select {
		case req := <-r.updates:
			req.reply <- r.apply(req)
		case req := <-r.register:
			r.subscribe(req.sub)
			req.reply <- r.state
		case sub := <-r.unregister:
			r.drop(sub)
		case reply := <-r.snapshots:
			reply <- r.state
		case <-r.quit:
			for sub := range r.subscribers {
				r.drop(sub)
			}
			return
		}
	}
}

// apply merges, persists, then broadcasts. A failed save leaves the state
// untouched and nothing is broadcast.
func (r *Room) apply(req updateRequest) error {
	next := req.update.Apply(r.state, r.now().UTC())
	if err := r.store.Save(req.ctx, r.runID, next); err != nil {
		r.logger.Error("failed to persist run state", "error", err)
		return err
	}
	r.state = next
	r.broadcast(models.NewEnvelope(next, next.LastUpdated))
	return nil
}

func (r *Room) subscribe(sub *Subscriber) {
	if !sub.offer(models.NewEnvelope(r.state, r.now())) {
		sub.close()
		return
	}
	r.subscribers[sub] = struct{}{}
	r.metrics.AddGauge("room_subscribers", nil, 1)
	r.logger.Debug("subscriber joined", "subscriber_id", sub.ID, "subscribers", len(r.subscribers))
}

// broadcast never blocks: a subscriber with a full buffer is dropped and
// the rest still receive the frame.
func (r *Room) broadcast(env models.Envelope) {
	for sub := range r.subscribers {
		if !sub.offer(env) {
			r.logger.Warn("dropping slow subscriber", "subscriber_id", sub.ID)
			r.metrics.IncCounter("room_subscribers_dropped_total", nil, 1)
			r.drop(sub)
		}
	}
}

func (r *Room) drop(sub *Subscriber) {
	if _, ok := r.subscribers[sub]; !ok {
		return
	}
	delete(r.subscribers, sub)
	sub.close()
	r.metrics.AddGauge("room_subscribers", nil, -1)
	r.logger.Debug("subscriber left", "subscriber_id", sub.ID, "subscribers", len(r.subscribers))
}

// Update merges u into the state, persists it and broadcasts the result.
func (r *Room) Update(ctx context.Context, u models.RunUpdate) error {
	reply := make(chan error, 1)
	select {
	case r.updates <- updateRequest{ctx: ctx, update: u, reply: reply}:
	case <-r.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers sub and returns the state it was sent as its first frame.
func (r *Room) Subscribe(ctx context.Context, sub *Subscriber) (models.RunState, error) {
	reply := make(chan models.RunState, 1)
	select {
	case r.register <- subscribeRequest{sub: sub, reply: reply}:
	case <-r.quit:
		return models.RunState{}, ErrClosed
	case <-ctx.Done():
		return models.RunState{}, ctx.Err()
	}
	return <-reply, nil
}

// Unsubscribe removes sub and closes its channel. Unknown subscribers are ignored.
func (r *Room) Unsubscribe(sub *Subscriber) {
	select {
	case r.unregister <- sub:
	case <-r.quit:
	}
}

// State returns the current state.
func (r *Room) State(ctx context.Context) (models.RunState, error) {
	reply := make(chan models.RunState, 1)
	select {
	case r.snapshots <- reply:
	case <-r.quit:
		return models.RunState{}, ErrClosed
	case <-ctx.Done():
		return models.RunState{}, ctx.Err()
	}
	return <-reply, nil
}

// Close stops the room goroutine and closes every subscriber.
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	r.activateMu.Lock()
	activated := r.activated
	r.activateMu.Unlock()
	if activated {
		<-r.stopped
	}
}

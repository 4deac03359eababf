package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
)

// Registry maps run ids to their single live Room.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	store   StateStore
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Registry
}

type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(m *observability.Registry) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(store StateStore, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:   make(map[string]*Room),
		store:   store,
		logger:  logger,
		now:     time.Now,
		metrics: observability.Default,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the room for runID, activating it on first use. Concurrent
// callers for the same run share one instance and wait for its restore.
func (r *Registry) Get(ctx context.Context, runID string) (*Room, error) {
	r.mu.Lock()
	rm, ok := r.rooms[runID]
	if !ok {
		rm = newRoom(runID, r.store, r.logger, r.now, r.metrics)
		r.rooms[runID] = rm
		r.metrics.SetGauge("rooms_active", nil, float64(len(r.rooms)))
	}
	r.mu.Unlock()

	if err := rm.activate(ctx); err != nil {
		r.logger.Error("failed to activate room", "run_id", runID, "error", err)
		return nil, err
	}
	return rm, nil
}

// Update is Get followed by Room.Update.
func (r *Registry) Update(ctx context.Context, runID string, u models.RunUpdate) error {
	rm, err := r.Get(ctx, runID)
	if err != nil {
		return err
	}
	return rm.Update(ctx, u)
}

// State is Get followed by Room.State.
func (r *Registry) State(ctx context.Context, runID string) (models.RunState, error) {
	rm, err := r.Get(ctx, runID)
	if err != nil {
		return models.RunState{}, err
	}
	return rm.State(ctx)
}

// Len reports how many rooms have been created.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close shuts down every room.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.Close()
	}
}

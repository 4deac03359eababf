package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jupark12/go-run-queue/db"
	"github.com/jupark12/go-run-queue/models"
)

// StateStore persists the latest RunState of each room.
type StateStore interface {
	// Load returns the stored state; ok is false when nothing was ever saved.
	Load(ctx context.Context, runID string) (state models.RunState, ok bool, err error)
	Save(ctx context.Context, runID string, state models.RunState) error
}

const runStatesTable = "run_states"

// SQLStateStore keeps run states in the run_states table.
type SQLStateStore struct {
	db *db.DB
}

func NewSQLStateStore(database *db.DB) *SQLStateStore {
	return &SQLStateStore{db: database}
}

func (s *SQLStateStore) Load(ctx context.Context, runID string) (models.RunState, bool, error) {
	b := s.db.Builder()
	query, args := b.Select("state").
		From(b.Table(runStatesTable)).
		Where(entsql.EQ("run_id", runID)).
		Query()
	var raw string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunState{}, false, nil
	}
	if err != nil {
		return models.RunState{}, false, fmt.Errorf("load run state: %w", err)
	}
	var state models.RunState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return models.RunState{}, false, fmt.Errorf("decode run state: %w", err)
	}
	return state, true, nil
}

func (s *SQLStateStore) Save(ctx context.Context, runID string, state models.RunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	query, args := s.db.Builder().Insert(runStatesTable).
		Columns("run_id", "state", "updated_at").
		Values(runID, string(raw), db.Millis(state.LastUpdated)).
		OnConflict(
			entsql.ConflictColumns("run_id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

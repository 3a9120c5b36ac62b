package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

const conflictColumns = `SELECT operation_id, entity_type, entity_id, local_data, server_data,
	local_timestamp, server_timestamp, resolution, resolved_at, created_at FROM sync_conflicts`

// Store persists conflicts and caches the unresolved ones.
type Store struct {
	repo  *db.Repository
	clock clock.Clock

	mu     sync.RWMutex
	active map[models.UUID]*models.Conflict
}

// NewStore creates a Store. Call Load to populate the active set.
func NewStore(repo *db.Repository, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		repo:   repo,
		clock:  clk,
		active: make(map[models.UUID]*models.Conflict),
	}
}

// Load rebuilds the active set from storage.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.repo.Query(ctx, conflictColumns+` WHERE resolution = 'pending'`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflicts", err)
	}
	defer rows.Close()

	active := make(map[models.UUID]*models.Conflict)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict", err)
		}
		active[c.OperationID] = c
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	return nil
}

// Save records c as pending. A conflict already pending for the same
// operation is refreshed with the newer server state; a finalized one is left
// untouched.
func (s *Store) Save(ctx context.Context, c *models.Conflict) error {
	if c == nil || c.OperationID == "" {
		return ErrInvalidConflict
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = s.clock.Now().UnixMilli()
	}
	c.Resolution = models.ResolutionPending
	c.ResolvedAt = nil

	_, err := s.repo.Exec(ctx, `INSERT INTO sync_conflicts
		(operation_id, entity_type, entity_id, local_data, server_data, local_timestamp, server_timestamp, resolution, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', NULL, ?)
		ON CONFLICT(operation_id) DO UPDATE SET
			local_data = excluded.local_data,
			server_data = excluded.server_data,
			local_timestamp = excluded.local_timestamp,
			server_timestamp = excluded.server_timestamp
		WHERE sync_conflicts.resolution = 'pending'`,
		c.OperationID, c.EntityType, c.EntityID, rawString(c.LocalData), rawString(c.ServerData),
		c.LocalTimestamp, c.ServerTimestamp, c.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save conflict", err)
	}

	stored, err := s.fetch(ctx, c.OperationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if stored.IsOpen() {
		s.active[stored.OperationID] = stored
	}
	s.mu.Unlock()

	logging.Warn("Conflict recorded for manual resolution", map[string]interface{}{
		"operation_id":     c.OperationID,
		"entity_type":      c.EntityType,
		"entity_id":        c.EntityID,
		"local_timestamp":  c.LocalTimestamp,
		"server_timestamp": c.ServerTimestamp,
	})
	return nil
}

// Get returns the conflict recorded for an operation, resolved or not.
func (s *Store) Get(ctx context.Context, id models.UUID) (*models.Conflict, error) {
	if c, ok := s.Active(id); ok {
		return c, nil
	}
	return s.fetch(ctx, id)
}

// Active returns the unresolved conflict for an operation, if any.
func (s *Store) Active(id models.UUID) (*models.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.active[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ListActive returns unresolved conflicts, oldest first.
func (s *Store) ListActive() []*models.Conflict {
	s.mu.RLock()
	out := make([]*models.Conflict, 0, len(s.active))
	for _, c := range s.active {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

// Finalize records resolution and removes the conflict from the active set.
func (s *Store) Finalize(ctx context.Context, id models.UUID, resolution models.Resolution) (*models.Conflict, error) {
	if !resolution.Final() {
		return nil, ErrInvalidResolution
	}

	now := s.clock.Now().UnixMilli()
	res, err := s.repo.Exec(ctx,
		`UPDATE sync_conflicts SET resolution = ?, resolved_at = ? WHERE operation_id = ? AND resolution = 'pending'`,
		resolution, now, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to finalize conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already final; fetch tells which.
		c, err := s.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()

	return s.fetch(ctx, id)
}

func (s *Store) fetch(ctx context.Context, id models.UUID) (*models.Conflict, error) {
	c, err := scanConflict(s.repo.QueryRow(ctx, conflictColumns+` WHERE operation_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflict", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var (
		c                     models.Conflict
		localData, serverData string
		resolvedAt            sql.NullInt64
	)
	err := row.Scan(&c.OperationID, &c.EntityType, &c.EntityID, &localData, &serverData,
		&c.LocalTimestamp, &c.ServerTimestamp, &c.Resolution, &resolvedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.LocalData = json.RawMessage(localData)
	c.ServerData = json.RawMessage(serverData)
	if resolvedAt.Valid {
		at := resolvedAt.Int64
		c.ResolvedAt = &at
	}
	return &c, nil
}

func rawString(data json.RawMessage) string {
	if len(data) == 0 {
		return "null"
	}
	return string(data)
}

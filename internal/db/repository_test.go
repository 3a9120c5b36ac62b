// Package db tests for the shared repository plumbing.
package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	database, err := OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	repo := NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}

// TestRepository_state verifies sync_state round trips and upserts.
func TestRepository_state(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.GetState(ctx, KeyLastSyncTimestamp); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("GetState() on empty store = %v, want ErrStateNotFound", err)
	}

	if err := repo.SetState(ctx, KeyLastSyncTimestamp, "100"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	if err := repo.SetState(ctx, KeyLastSyncTimestamp, "200"); err != nil {
		t.Fatalf("SetState() overwrite failed: %v", err)
	}

	got, err := repo.GetState(ctx, KeyLastSyncTimestamp)
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if got != "200" {
		t.Errorf("GetState() = %q, want '200'", got)
	}
}

// TestRepository_PrepareStmt verifies statements are cached.
func TestRepository_PrepareStmt(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	s1, err := repo.PrepareStmt(ctx, "SELECT 1")
	if err != nil {
		t.Fatalf("PrepareStmt() failed: %v", err)
	}
	s2, err := repo.PrepareStmt(ctx, "SELECT 1")
	if err != nil {
		t.Fatalf("PrepareStmt() failed: %v", err)
	}
	if s1 != s2 {
		t.Error("PrepareStmt() should return the cached statement")
	}

	if _, err := repo.PrepareStmt(ctx, "SELECT FROM nowhere"); err == nil {
		t.Error("PrepareStmt() should fail for invalid SQL")
	}
}

// TestRepository_WithTx verifies rollback on error.
func TestRepository_WithTx(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sync_state (key, value, updated_at) VALUES ('a', 'b', 1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() = %v, want boom", err)
	}

	if _, err := repo.GetState(ctx, "a"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("rolled back write is visible: %v", err)
	}
}

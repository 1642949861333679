// Package repository exports in-memory workspace and queue state to SQLite.
// Snapshots are write-mostly: the server never restores from them on start.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

// Snapshot is one export of the live state.
type Snapshot struct {
	TakenAt     time.Time
	Workspaces  []*model.Workspace
	Activity    []model.WorkspaceActivity
	DeadLetters []*model.QueuedMessage
}

// SnapshotInfo summarizes a stored snapshot.
type SnapshotInfo struct {
	ID          int64     `json:"id"`
	TakenAt     time.Time `json:"takenAt"`
	Workspaces  int       `json:"workspaces"`
	Activities  int       `json:"activities"`
	DeadLetters int       `json:"deadLetters"`
}

// SnapshotRepository provides data access for snapshots.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save replaces the stored workspaces and activity with the snapshot's and
// upserts its dead letters, all in one transaction. Dead letters accumulate
// across snapshots since the in-memory history is bounded.
func (r *SnapshotRepository) Save(ctx context.Context, snap Snapshot) (*SnapshotInfo, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if err := saveWorkspaces(ctx, tx, snap.Workspaces); err != nil {
		return nil, err
	}
	if err := saveActivity(ctx, tx, snap.Activity); err != nil {
		return nil, err
	}
	if err := saveDeadLetters(ctx, tx, snap.DeadLetters); err != nil {
		return nil, err
	}

	info := &SnapshotInfo{
		TakenAt:     snap.TakenAt,
		Workspaces:  len(snap.Workspaces),
		Activities:  len(snap.Activity),
		DeadLetters: len(snap.DeadLetters),
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (taken_at, workspaces, activities, dead_letters) VALUES (?, ?, ?, ?)`,
		info.TakenAt.UTC(), info.Workspaces, info.Activities, info.DeadLetters,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record snapshot: %w", err)
	}
	if info.ID, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to get snapshot id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return info, nil
}

func saveWorkspaces(ctx context.Context, tx *sql.Tx, workspaces []*model.Workspace) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces`); err != nil {
		return fmt.Errorf("failed to clear workspaces: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workspaces (id, name, description, created_by, members, agents, settings, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare workspace insert: %w", err)
	}
	defer stmt.Close()

	for _, ws := range workspaces {
		members, err := encodeColumn(ws.Members)
		if err != nil {
			return fmt.Errorf("failed to encode members of %s: %w", ws.ID, err)
		}
		agents, err := encodeColumn(ws.Agents)
		if err != nil {
			return fmt.Errorf("failed to encode agents of %s: %w", ws.ID, err)
		}
		settings, err := encodeColumn(ws.Settings)
		if err != nil {
			return fmt.Errorf("failed to encode settings of %s: %w", ws.ID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			ws.ID, ws.Name, ws.Description, ws.CreatedBy,
			members, agents, settings, ws.Active,
			ws.CreatedAt.UTC(), ws.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save workspace %s: %w", ws.ID, err)
		}
	}

	return nil
}

func saveActivity(ctx context.Context, tx *sql.Tx, activity []model.WorkspaceActivity) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_activity`); err != nil {
		return fmt.Errorf("failed to clear activity: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workspace_activity (id, workspace_id, actor_id, type, description, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare activity insert: %w", err)
	}
	defer stmt.Close()

	for _, act := range activity {
		metadata, err := encodeColumn(act.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode activity metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			act.ID, act.WorkspaceID, act.ActorID, string(act.Type), act.Description, metadata, act.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save activity %s: %w", act.ID, err)
		}
	}

	return nil
}

func saveDeadLetters(ctx context.Context, tx *sql.Tx, messages []*model.QueuedMessage) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (id, type, payload, priority, retry_count, max_retries, error, metadata, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare dead letter insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := encodeColumn(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata of %s: %w", msg.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, string(msg.Type), []byte(msg.Payload), int(msg.Priority),
			msg.RetryCount, msg.MaxRetries, msg.Error, metadata,
			msg.CreatedAt.UTC(), utcPtr(msg.ProcessedAt),
		); err != nil {
			return fmt.Errorf("failed to save dead letter %s: %w", msg.ID, err)
		}
	}

	return nil
}

// Latest returns the most recent snapshot record.
func (r *SnapshotRepository) Latest(ctx context.Context) (*SnapshotInfo, error) {
	info := &SnapshotInfo{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, taken_at, workspaces, activities, dead_letters
		FROM snapshots
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&info.ID, &info.TakenAt, &info.Workspaces, &info.Activities, &info.DeadLetters)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return info, nil
}

const workspaceColumns = `id, name, description, created_by, members, agents, settings, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*model.Workspace, error) {
	ws := &model.Workspace{}
	var members, agents, settings []byte

	if err := row.Scan(
		&ws.ID,
		&ws.Name,
		&ws.Description,
		&ws.CreatedBy,
		&members,
		&agents,
		&settings,
		&ws.Active,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := decodeColumn(members, &ws.Members); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	if err := decodeColumn(agents, &ws.Agents); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}
	if err := decodeColumn(settings, &ws.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	return ws, nil
}

// GetWorkspace retrieves a stored workspace by its ID.
func (r *SnapshotRepository) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)

	ws, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces retrieves every stored workspace ordered by creation time.
func (r *SnapshotRepository) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*model.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}

	return workspaces, nil
}

// Activity returns stored activity, most recent first. An empty workspaceID
// returns entries for every workspace; limit <= 0 means no limit.
func (r *SnapshotRepository) Activity(ctx context.Context, workspaceID string, limit int) ([]model.WorkspaceActivity, error) {
	query := `
		SELECT id, workspace_id, actor_id, type, description, metadata, timestamp
		FROM workspace_activity
		WHERE (? = '' OR workspace_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, query, workspaceID, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []model.WorkspaceActivity
	for rows.Next() {
		var act model.WorkspaceActivity
		var typ string
		var metadata []byte
		if err := rows.Scan(&act.ID, &act.WorkspaceID, &act.ActorID, &typ, &act.Description, &metadata, &act.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		act.Type = model.ActivityType(typ)
		if err := decodeColumn(metadata, &act.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode activity metadata: %w", err)
		}
		out = append(out, act)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity: %w", err)
	}

	return out, nil
}

// DeadLetters returns stored failed messages, most recently processed first.
func (r *SnapshotRepository) DeadLetters(ctx context.Context, limit int) ([]*model.QueuedMessage, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, payload, priority, retry_count, max_retries, error, metadata, created_at, processed_at
		FROM dead_letters
		ORDER BY processed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*model.QueuedMessage
	for rows.Next() {
		msg := &model.QueuedMessage{Status: model.MessageStatusFailed}
		var typ string
		var payload, metadata []byte
		var priority int
		var processedAt sql.NullTime

		if err := rows.Scan(
			&msg.ID, &typ, &payload, &priority,
			&msg.RetryCount, &msg.MaxRetries, &msg.Error, &metadata,
			&msg.CreatedAt, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		msg.Type = model.MessageType(typ)
		msg.Priority = model.Priority(priority)
		if len(payload) > 0 {
			msg.Payload = json.RawMessage(payload)
		}
		if processedAt.Valid {
			t := processedAt.Time
			msg.ProcessedAt = &t
		}
		if err := decodeColumn(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter metadata: %w", err)
		}

		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return out, nil
}

// PruneDeadLetters deletes dead letters processed before cutoff.
func (r *SnapshotRepository) PruneDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune dead letters: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Timestamps are stored as UTC text so that SQL comparisons and ordering hold.
func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

package marketplace

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

const taskColumns = `id, poster_id, title, description, skills, bounty, status,
	assigned_helper_id, created_at, updated_at, completed_at`

// TaskStore persists tasks. Status changes go through conditional writes
// that name the expected prior status; a write that matches no row reports
// ok=false instead of overwriting a concurrent change.
type TaskStore struct {
	q querier
}

// NewTaskStore creates a task store over q.
func NewTaskStore(q querier) *TaskStore {
	return &TaskStore{q: q}
}

func (s *TaskStore) withTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{q: tx}
}

func (s *TaskStore) insert(ctx context.Context, t *market.Task) error {
	skills, err := json.Marshal(t.Skills)
	if err != nil {
		return fmt.Errorf("failed to encode skills: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, poster_id, title, description, skills, bounty, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, t.ID, t.PosterID, t.Title, t.Description, string(skills), int64(t.Bounty), string(t.Status), t.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(ctx context.Context, id string) (*market.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("tasks.get", ErrNotFound, "task %s", id)
	}
	if err != nil {
		return nil, persistenceError("tasks.get", err)
	}
	return t, nil
}

// FeedCursor is the position of the last task on a feed page. Feeds are
// ordered by (created_at, id) descending, so the next page holds the tasks
// strictly below it.
type FeedCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that resumes a feed after t.
func CursorAfter(t *market.Task) FeedCursor {
	return FeedCursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

// String encodes the cursor as an opaque URL-safe token.
func (c FeedCursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseFeedCursor decodes a token produced by FeedCursor.String.
func ParseFeedCursor(token string) (*FeedCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, newError("tasks.cursor", ErrValidation, "malformed cursor")
	}

	micros, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, newError("tasks.cursor", ErrValidation, "malformed cursor")
	}
	n, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return nil, newError("tasks.cursor", ErrValidation, "malformed cursor")
	}

	return &FeedCursor{CreatedAt: time.UnixMicro(n).UTC(), ID: id}, nil
}

// ListByStatus returns up to limit tasks in status, newest first. A non-nil
// after resumes the listing below that cursor.
func (s *TaskStore) ListByStatus(ctx context.Context, status market.TaskStatus, after *FeedCursor, limit int) ([]*market.Task, error) {
	if after == nil {
		return s.list(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, string(status), limit)
	}

	return s.list(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		  AND (created_at < $2 OR (created_at = $2 AND id < $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, string(status), timestamp(after.CreatedAt), after.ID, limit)
}

// ListByPoster returns the tasks userID posted, newest first.
func (s *TaskStore) ListByPoster(ctx context.Context, userID string) ([]*market.Task, error) {
	return s.list(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE poster_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
}

// ListByHelper returns the tasks assigned to userID, newest first.
func (s *TaskStore) ListByHelper(ctx context.Context, userID string) ([]*market.Task, error) {
	return s.list(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE assigned_helper_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
}

// CountByStatus returns the number of tasks in each status. Every known
// status is present in the result.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[market.TaskStatus]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, persistenceError("tasks.count", fmt.Errorf("failed to query task stats: %w", err))
	}
	defer rows.Close()

	counts := make(map[market.TaskStatus]int64)
	for _, status := range market.TaskStatuses() {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, persistenceError("tasks.count", fmt.Errorf("failed to scan task stats: %w", err))
		}
		counts[market.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("tasks.count", err)
	}

	return counts, nil
}

// assign moves an open task to in_progress for helperID.
func (s *TaskStore) assign(ctx context.Context, id, helperID string, now time.Time) (*market.Task, bool, error) {
	return s.cas(ctx, id, `
		UPDATE tasks
		SET status = $1,
			assigned_helper_id = $2,
			updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(market.StatusInProgress), helperID, now, id, string(market.StatusOpen))
}

// markCompleted moves an in_progress task to completed.
func (s *TaskStore) markCompleted(ctx context.Context, id string, now time.Time) (*market.Task, bool, error) {
	return s.cas(ctx, id, `
		UPDATE tasks
		SET status = $1,
			updated_at = $2,
			completed_at = $2
		WHERE id = $3 AND status = $4
	`, string(market.StatusCompleted), now, id, string(market.StatusInProgress))
}

// markRefunded turns a completion whose payout could not land into a
// closed task. It only runs inside the completing transaction, so the
// intermediate completed state is never visible.
func (s *TaskStore) markRefunded(ctx context.Context, id string, now time.Time) (*market.Task, bool, error) {
	return s.cas(ctx, id, `
		UPDATE tasks
		SET status = $1,
			assigned_helper_id = NULL,
			updated_at = $2,
			completed_at = $2
		WHERE id = $3 AND status = $4
	`, string(market.StatusClosed), now, id, string(market.StatusCompleted))
}

// guardOpen takes the row lock of an open task without changing it, so a
// concurrent accept either commits first (and this matches nothing) or
// waits for the caller's transaction.
func (s *TaskStore) guardOpen(ctx context.Context, id string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET updated_at = updated_at
		WHERE id = $1 AND status = $2
	`, id, string(market.StatusOpen))
	if err != nil {
		return false, fmt.Errorf("failed to lock task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to lock task: %w", err)
	}
	return rows == 1, nil
}

// cas runs a conditional status update and, when it matched, re-reads the
// row through the same querier so the caller sees its own write.
func (s *TaskStore) cas(ctx context.Context, id, query string, args ...any) (*market.Task, bool, error) {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to update task status: %w", err)
	}
	if rows == 0 {
		return nil, false, nil
	}

	t, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to reload task: %w", err)
	}
	return t, true, nil
}

func (s *TaskStore) list(ctx context.Context, query string, args ...any) ([]*market.Task, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("tasks.list", fmt.Errorf("failed to query tasks: %w", err))
	}
	defer rows.Close()

	taskList := []*market.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistenceError("tasks.list", err)
		}
		taskList = append(taskList, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("tasks.list", err)
	}

	return taskList, nil
}

func scanTask(row rowScanner) (*market.Task, error) {
	t := &market.Task{}
	var skills, status string
	var bounty int64
	var helperID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.PosterID, &t.Title, &t.Description, &skills, &bounty, &status,
		&helperID, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(skills), &t.Skills); err != nil {
		return nil, fmt.Errorf("failed to decode skills of task %s: %w", t.ID, err)
	}
	t.Bounty = market.Coins(bounty)
	t.Status = market.TaskStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("task %s has unknown status %q", t.ID, status)
	}

	// Handle nullable fields
	if helperID.Valid {
		t.AssignedHelperID = helperID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return t, nil
}

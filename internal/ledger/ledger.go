package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fixline/internal/db"
	"fixline/internal/domain"
)

// Writer appends status changes to an assignment's ledger. Entries are never
// updated or deleted; the schema rejects both with triggers.
type Writer struct {
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append records status for assignmentID inside tx. The entry gets the next
// sequence number and a timestamp strictly after the previous entry's, even
// when the clock has not advanced.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, assignmentID string, status domain.Status, note, actorID string) (domain.Update, error) {
	if tx == nil {
		return domain.Update{}, errors.New("ledger append requires a transaction")
	}
	if assignmentID == "" {
		return domain.Update{}, errors.New("assignment id required")
	}
	var (
		lastSeq int
		lastTS  sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, created_at FROM assignment_updates WHERE assignment_id=? ORDER BY seq DESC LIMIT 1`, assignmentID).
		Scan(&lastSeq, &lastTS)
	if err != nil && err != sql.ErrNoRows {
		return domain.Update{}, fmt.Errorf("read ledger head: %w", err)
	}
	ts := w.now().UTC().Truncate(time.Microsecond)
	if lastTS.Valid {
		prev, err := db.ParseTime(lastTS.String)
		if err != nil {
			return domain.Update{}, fmt.Errorf("ledger head timestamp: %w", err)
		}
		if !ts.After(prev) {
			ts = prev.Add(time.Microsecond)
		}
	}
	u := domain.Update{
		ID:           uuid.New().String(),
		AssignmentID: assignmentID,
		Seq:          lastSeq + 1,
		Status:       status,
		Note:         note,
		ActorID:      actorID,
		CreatedAt:    ts,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignment_updates(id,assignment_id,seq,status,note,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.AssignmentID, u.Seq, string(u.Status), db.Nullable(u.Note), db.Nullable(u.ActorID), db.FormatTime(u.CreatedAt))
	if err != nil {
		return domain.Update{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return u, nil
}

const updateColumns = `id,assignment_id,seq,status,note,actor_id,created_at`

func scanUpdate(rows *sql.Rows) (domain.Update, error) {
	var (
		u           domain.Update
		status      string
		note, actor sql.NullString
		createdAt   string
	)
	if err := rows.Scan(&u.ID, &u.AssignmentID, &u.Seq, &status, &note, &actor, &createdAt); err != nil {
		return u, err
	}
	s, err := domain.ParseStatus(status)
	if err != nil {
		return u, fmt.Errorf("update %s: %w", u.ID, err)
	}
	u.Status = s
	u.Note = note.String
	u.ActorID = actor.String
	u.CreatedAt, err = db.ParseTime(createdAt)
	return u, err
}

// List returns the ledger of one assignment in sequence order.
func List(ctx context.Context, q db.Querier, assignmentID string) ([]domain.Update, error) {
	byID, err := ListFor(ctx, q, []string{assignmentID})
	if err != nil {
		return nil, err
	}
	return byID[assignmentID], nil
}

// listChunk keeps each IN list well below SQLite's bound-variable limit.
const listChunk = 500

// ListFor loads the ledgers of several assignments, querying at most
// listChunk ids at a time.
func ListFor(ctx context.Context, q db.Querier, assignmentIDs []string) (map[string][]domain.Update, error) {
	res := make(map[string][]domain.Update, len(assignmentIDs))
	for start := 0; start < len(assignmentIDs); start += listChunk {
		end := min(start+listChunk, len(assignmentIDs))
		if err := listChunkInto(ctx, q, assignmentIDs[start:end], res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func listChunkInto(ctx context.Context, q db.Querier, ids []string, res map[string][]domain.Update) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, `SELECT `+updateColumns+` FROM assignment_updates WHERE assignment_id IN (`+placeholders+`) ORDER BY assignment_id, seq ASC`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return err
		}
		res[u.AssignmentID] = append(res[u.AssignmentID], u)
	}
	return rows.Err()
}

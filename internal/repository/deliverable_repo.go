package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

const deliverableColumns = `id, task_id, agent_id, content, revision_number, status, revision_notes, submitted_at`

type DeliverableRepo struct {
	pool *pgxpool.Pool
}

func NewDeliverableRepo(pool *pgxpool.Pool) *DeliverableRepo {
	return &DeliverableRepo{pool: pool}
}

func scanDeliverable(row pgx.Row, d *models.Deliverable) error {
	err := row.Scan(&d.ID, &d.TaskID, &d.AgentID, &d.Content, &d.RevisionNumber, &d.Status, &d.RevisionNotes, &d.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateTx inserts the deliverable with the next revision number for the
// task. Runs in the same transaction as the task status CAS, which holds
// the task row lock, so two concurrent submissions cannot mint the same
// revision number.
func (r *DeliverableRepo) CreateTx(ctx context.Context, tx pgx.Tx, d *models.Deliverable) error {
	return tx.QueryRow(ctx, `
		INSERT INTO deliverables (task_id, agent_id, content, revision_number, status)
		VALUES ($1, $2, $3, (SELECT COUNT(*) + 1 FROM deliverables WHERE task_id = $1), $4)
		RETURNING id, revision_number, submitted_at
	`, d.TaskID, d.AgentID, d.Content, models.DeliverableStatusSubmitted).Scan(&d.ID, &d.RevisionNumber, &d.SubmittedAt)
}

// GetSubmittedTx returns the deliverable only if it is submitted and
// belongs to the given task.
func (r *DeliverableRepo) GetSubmittedTx(ctx context.Context, tx pgx.Tx, deliverableID, taskID int64) (*models.Deliverable, error) {
	var d models.Deliverable
	err := scanDeliverable(tx.QueryRow(ctx, `
		SELECT `+deliverableColumns+` FROM deliverables
		WHERE id = $1 AND task_id = $2 AND status = $3
	`, deliverableID, taskID, models.DeliverableStatusSubmitted), &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// LatestSubmittedTx returns the task's current submitted deliverable.
// At most one exists at a time: submitting requires the delivered CAS and
// every review settles the previous one.
func (r *DeliverableRepo) LatestSubmittedTx(ctx context.Context, tx pgx.Tx, taskID int64) (*models.Deliverable, error) {
	var d models.Deliverable
	err := scanDeliverable(tx.QueryRow(ctx, `
		SELECT `+deliverableColumns+` FROM deliverables
		WHERE task_id = $1 AND status = $2
		ORDER BY revision_number DESC LIMIT 1
	`, taskID, models.DeliverableStatusSubmitted), &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliverableRepo) Accept(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE deliverables SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.DeliverableStatusAccepted, models.DeliverableStatusSubmitted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *DeliverableRepo) RequestRevision(ctx context.Context, tx pgx.Tx, id int64, notes string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE deliverables SET status = $2, revision_notes = $3 WHERE id = $1 AND status = $4
	`, id, models.DeliverableStatusRevisionRequested, notes, models.DeliverableStatusSubmitted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *DeliverableRepo) ListByTask(ctx context.Context, taskID int64) ([]*models.Deliverable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliverableColumns+` FROM deliverables WHERE task_id = $1 ORDER BY revision_number
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Deliverable
	for rows.Next() {
		var d models.Deliverable
		if err := scanDeliverable(rows, &d); err != nil {
			return nil, err
		}
		list = append(list, &d)
	}
	return list, rows.Err()
}

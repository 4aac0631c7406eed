package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDeliveryNotFound is returned when no workflow exists for an id
var ErrDeliveryNotFound = errors.New("delivery not found")

// DeliveryStatus is the DBOS view of one bus delivery workflow
type DeliveryStatus struct {
	WorkflowUUID string `json:"workflow_uuid"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// GetDeliveryStatus reads a delivery workflow from the DBOS status table
func (r *Runtime) GetDeliveryStatus(ctx context.Context, workflowUUID string) (*DeliveryStatus, error) {
	query := `
		SELECT workflow_uuid, status, name, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var info DeliveryStatus
	err := r.db.QueryRowContext(ctx, query, workflowUUID).Scan(
		&info.WorkflowUUID,
		&info.Status,
		&info.Name,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery status: %w", err)
	}

	return &info, nil
}

// PendingDeliveries counts delivery workflows still waiting on the queue
func (r *Runtime) PendingDeliveries(ctx context.Context) (int, error) {
	query := `
		SELECT count(*)
		FROM dbos.workflow_status
		WHERE queue_name = $1 AND status IN ('ENQUEUED', 'PENDING')
	`

	var n int
	if err := r.db.QueryRowContext(ctx, query, r.config.QueueName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending deliveries: %w", err)
	}
	return n, nil
}

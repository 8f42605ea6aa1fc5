package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/models"
)

const sagaColumns = `id, saga_id, project_id, url, task_id, state, context, correlation_id, created_at, updated_at`

func scanSaga(row rowScanner) (models.SagaExecution, error) {
	var (
		e      models.SagaExecution
		taskID uuid.NullUUID
		raw    []byte
	)
	if err := row.Scan(&e.ID, &e.SagaID, &e.ProjectID, &e.URL, &taskID, &e.State, &raw, &e.CorrelationID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.SagaExecution{}, err
	}
	if taskID.Valid {
		id := taskID.UUID
		e.TaskID = &id
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Context); err != nil {
			return models.SagaExecution{}, fmt.Errorf("decode saga context: %w", err)
		}
	}
	return e, nil
}

// SaveSaga inserts the execution on first call and overwrites state and context afterwards.
func (s *PGStore) SaveSaga(ctx context.Context, exec models.SagaExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	raw, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("encode saga context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_executions (id, saga_id, project_id, url, task_id, state, context, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (saga_id)
		DO UPDATE SET state = EXCLUDED.state, context = EXCLUDED.context, updated_at = NOW()`,
		exec.ID, exec.SagaID, exec.ProjectID, exec.URL, nullUUID(exec.TaskID), string(exec.State), raw, exec.CorrelationID)
	if err != nil {
		return fmt.Errorf("save saga: %w", err)
	}
	return nil
}

func (s *PGStore) GetSaga(ctx context.Context, sagaID uuid.UUID) (models.SagaExecution, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_executions WHERE saga_id = $1`
	e, err := scanSaga(s.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SagaExecution{}, ErrNotFound
	}
	if err != nil {
		return models.SagaExecution{}, fmt.Errorf("get saga: %w", err)
	}
	return e, nil
}

func (s *PGStore) ListSagas(ctx context.Context, state models.SagaState, limit int) ([]models.SagaExecution, error) {
	query := `
		SELECT ` + sagaColumns + ` FROM saga_executions
		WHERE ($1::text = '' OR state = $1)
		ORDER BY updated_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, string(state), nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()
	var out []models.SagaExecution
	for rows.Next() {
		e, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

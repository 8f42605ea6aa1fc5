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

const changelogColumns = `id, project_id, task_id, change_id, entity_id, entity_type, change_type, before_value, after_value,
	applied, applied_at, confirmed_at, error_message, source, metadata, created_at`

func scanChangelog(row rowScanner) (models.Changelog, error) {
	var (
		c                       models.Changelog
		taskID                  uuid.NullUUID
		changeID, errMsg        sql.NullString
		before, after, metadata []byte
		appliedAt, confirmedAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &taskID, &changeID, &c.EntityID, &c.EntityType, &c.ChangeType,
		&before, &after, &c.Applied, &appliedAt, &confirmedAt, &errMsg, &c.Source, &metadata, &c.CreatedAt); err != nil {
		return models.Changelog{}, err
	}
	if taskID.Valid {
		id := taskID.UUID
		c.TaskID = &id
	}
	c.ChangeID = changeID.String
	if err := decodeValue(before, &c.BeforeValue); err != nil {
		return models.Changelog{}, fmt.Errorf("decode before value: %w", err)
	}
	if err := decodeValue(after, &c.AfterValue); err != nil {
		return models.Changelog{}, fmt.Errorf("decode after value: %w", err)
	}
	md, err := unmarshalMetadata(metadata)
	if err != nil {
		return models.Changelog{}, fmt.Errorf("decode changelog metadata: %w", err)
	}
	c.Metadata = md
	c.AppliedAt = nullTimePtr(appliedAt)
	c.ConfirmedAt = nullTimePtr(confirmedAt)
	c.ErrorMessage = nullStringPtr(errMsg)
	return c, nil
}

func decodeValue(raw []byte, dst *map[string]interface{}) error {
	if len(raw) == 0 {
		*dst = map[string]interface{}{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (s *PGStore) InsertChangelog(ctx context.Context, in ChangelogInput) (models.Changelog, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Source == "" {
		in.Source = "auto"
	}
	before, err := marshalJSON(in.BeforeValue)
	if err != nil {
		return models.Changelog{}, fmt.Errorf("encode before value: %w", err)
	}
	after, err := marshalJSON(in.AfterValue)
	if err != nil {
		return models.Changelog{}, fmt.Errorf("encode after value: %w", err)
	}
	metadata, err := marshalJSON(in.Metadata)
	if err != nil {
		return models.Changelog{}, fmt.Errorf("encode changelog metadata: %w", err)
	}
	var changeID sql.NullString
	if in.ChangeID != "" {
		changeID = sql.NullString{String: in.ChangeID, Valid: true}
	}
	var appliedAt sql.NullTime
	if in.AppliedAt != nil {
		appliedAt = sql.NullTime{Time: *in.AppliedAt, Valid: true}
	}
	query := `
		INSERT INTO changelog (id, project_id, task_id, change_id, entity_id, entity_type, change_type,
			before_value, after_value, applied, applied_at, source, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING ` + changelogColumns
	c, err := scanChangelog(s.db.QueryRowContext(ctx, query, in.ID, in.ProjectID, nullUUID(in.TaskID), changeID,
		in.EntityID, in.EntityType, in.ChangeType, before, after, in.Applied, appliedAt, in.Source, metadata))
	if err != nil {
		return models.Changelog{}, fmt.Errorf("insert changelog: %w", err)
	}
	return c, nil
}

func (s *PGStore) GetChangelogByChangeID(ctx context.Context, changeID string) (models.Changelog, error) {
	query := `SELECT ` + changelogColumns + ` FROM changelog WHERE change_id = $1 ORDER BY created_at DESC LIMIT 1`
	c, err := scanChangelog(s.db.QueryRowContext(ctx, query, changeID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Changelog{}, ErrNotFound
	}
	if err != nil {
		return models.Changelog{}, fmt.Errorf("get changelog: %w", err)
	}
	return c, nil
}

func (s *PGStore) FindLatestChangelog(ctx context.Context, projectID uuid.UUID, entityID, changeType string) (models.Changelog, error) {
	query := `
		SELECT ` + changelogColumns + ` FROM changelog
		WHERE project_id = $1 AND entity_id = $2 AND change_type = $3
		ORDER BY created_at DESC LIMIT 1`
	c, err := scanChangelog(s.db.QueryRowContext(ctx, query, projectID, entityID, changeType))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Changelog{}, ErrNotFound
	}
	if err != nil {
		return models.Changelog{}, fmt.Errorf("find changelog: %w", err)
	}
	return c, nil
}

// ConfirmChangelog records the outcome reported by the client site. An entry is
// confirmed at most once.
func (s *PGStore) ConfirmChangelog(ctx context.Context, in ConfirmInput) (models.Changelog, error) {
	var errMsg sql.NullString
	if in.ErrorMessage != nil {
		errMsg = sql.NullString{String: *in.ErrorMessage, Valid: true}
	}
	var appliedAt sql.NullTime
	if in.Applied {
		appliedAt = sql.NullTime{Time: in.AppliedAt, Valid: true}
	}
	query := `
		UPDATE changelog SET applied = $2, applied_at = $3, error_message = $4, confirmed_at = NOW()
		WHERE id = $1 AND confirmed_at IS NULL
		RETURNING ` + changelogColumns
	c, err := scanChangelog(s.db.QueryRowContext(ctx, query, in.ID, in.Applied, appliedAt, errMsg))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Changelog{}, fmt.Errorf("confirm changelog: %w", err)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM changelog WHERE id = $1)`, in.ID).Scan(&exists); err != nil {
		return models.Changelog{}, fmt.Errorf("check changelog: %w", err)
	}
	if !exists {
		return models.Changelog{}, ErrNotFound
	}
	return models.Changelog{}, fmt.Errorf("changelog %s: %w", in.ID, ErrAlreadyProcessed)
}

// MarkChangelogApplied flags an unconfirmed row as applied. confirmed_at and
// applied_at stay unset for the gateway callback; a row the callback already
// confirmed is left as it is.
func (s *PGStore) MarkChangelogApplied(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE changelog SET applied = TRUE WHERE id = $1 AND confirmed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark changelog applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM changelog WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check changelog: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

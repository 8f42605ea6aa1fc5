package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/models"
)

const approvalColumns = `id, task_id, project_id, status, diff_data, impact_score, recommendation, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason, metadata, created_at, updated_at`

func scanApproval(row rowScanner) (models.HITLApproval, error) {
	var (
		a                      models.HITLApproval
		diff, metadata         []byte
		impact                 sql.NullFloat64
		approvedBy, rejectedBy sql.NullString
		reason                 sql.NullString
		approvedAt, rejectedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.ProjectID, &a.Status, &diff, &impact, &a.Recommendation,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &reason, &metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.HITLApproval{}, err
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &a.DiffData); err != nil {
			return models.HITLApproval{}, fmt.Errorf("decode diff data: %w", err)
		}
	}
	md, err := unmarshalMetadata(metadata)
	if err != nil {
		return models.HITLApproval{}, fmt.Errorf("decode approval metadata: %w", err)
	}
	a.Metadata = md
	a.ImpactScore = nullFloatPtr(impact)
	a.ApprovedBy = nullStringPtr(approvedBy)
	a.ApprovedAt = nullTimePtr(approvedAt)
	a.RejectedBy = nullStringPtr(rejectedBy)
	a.RejectedAt = nullTimePtr(rejectedAt)
	a.RejectionReason = nullStringPtr(reason)
	return a, nil
}

// CreateApproval relies on the unique constraint on task_id; a concurrent second
// insert surfaces as ErrAlreadyExists.
func (s *PGStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.HITLApproval, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	diff, err := json.Marshal(in.DiffData)
	if err != nil {
		return models.HITLApproval{}, fmt.Errorf("encode diff data: %w", err)
	}
	metadata, err := marshalJSON(in.Metadata)
	if err != nil {
		return models.HITLApproval{}, fmt.Errorf("encode approval metadata: %w", err)
	}
	query := `
		INSERT INTO hitl_approvals (id, task_id, project_id, status, diff_data, impact_score, recommendation, metadata)
		VALUES ($1,$2,$3,'PENDING',$4,$5,$6,$7)
		RETURNING ` + approvalColumns
	var impact sql.NullFloat64
	if in.ImpactScore != nil {
		impact = sql.NullFloat64{Float64: *in.ImpactScore, Valid: true}
	}
	a, err := scanApproval(s.db.QueryRowContext(ctx, query, in.ID, in.TaskID, in.ProjectID, diff, impact, in.Recommendation, metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return models.HITLApproval{}, fmt.Errorf("hitl approval for task %s: %w", in.TaskID, ErrAlreadyExists)
		}
		return models.HITLApproval{}, fmt.Errorf("insert hitl approval: %w", err)
	}
	return a, nil
}

func (s *PGStore) GetApprovalByTask(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM hitl_approvals WHERE task_id = $1`
	a, err := scanApproval(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.HITLApproval{}, ErrNotFound
	}
	if err != nil {
		return models.HITLApproval{}, fmt.Errorf("get hitl approval: %w", err)
	}
	return a, nil
}

// DecideApproval moves a PENDING approval to APPROVED or REJECTED. The update is
// conditional on the current status so two reviewers cannot both win.
func (s *PGStore) DecideApproval(ctx context.Context, in DecisionInput) (models.HITLApproval, error) {
	if in.Status != models.ApprovalApproved && in.Status != models.ApprovalRejected {
		return models.HITLApproval{}, fmt.Errorf("decide approval: unsupported status %q", in.Status)
	}
	patch, err := marshalJSON(in.Metadata)
	if err != nil {
		return models.HITLApproval{}, fmt.Errorf("encode approval metadata: %w", err)
	}
	var query string
	var args []interface{}
	if in.Status == models.ApprovalApproved {
		query = `
			UPDATE hitl_approvals SET status = 'APPROVED', approved_by = $2, approved_at = $3,
				metadata = COALESCE(metadata, '{}'::jsonb) || $4::jsonb, updated_at = NOW()
			WHERE task_id = $1 AND status = 'PENDING'
			RETURNING ` + approvalColumns
		args = []interface{}{in.TaskID, in.Actor, in.At, patch}
	} else {
		query = `
			UPDATE hitl_approvals SET status = 'REJECTED', rejected_by = $2, rejected_at = $3, rejection_reason = $5,
				metadata = COALESCE(metadata, '{}'::jsonb) || $4::jsonb, updated_at = NOW()
			WHERE task_id = $1 AND status = 'PENDING'
			RETURNING ` + approvalColumns
		var reason sql.NullString
		if in.Reason != nil {
			reason = sql.NullString{String: *in.Reason, Valid: true}
		}
		args = []interface{}{in.TaskID, in.Actor, in.At, patch, reason}
	}
	a, err := scanApproval(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.HITLApproval{}, fmt.Errorf("decide hitl approval: %w", err)
	}
	existing, getErr := s.GetApprovalByTask(ctx, in.TaskID)
	if getErr != nil {
		return models.HITLApproval{}, getErr
	}
	return models.HITLApproval{}, fmt.Errorf("hitl approval for task %s has status %s: %w", in.TaskID, existing.Status, ErrAlreadyProcessed)
}

func (s *PGStore) ListPendingApprovals(ctx context.Context, filter ApprovalFilter) ([]models.HITLApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM hitl_approvals
		WHERE status = 'PENDING'
		  AND ($1::uuid IS NULL OR project_id = $1)
		  AND ($2::float8 IS NULL OR impact_score >= $2)
		ORDER BY impact_score DESC NULLS LAST, created_at ASC
		LIMIT $3 OFFSET $4`
	var minImpact sql.NullFloat64
	if filter.MinImpact != nil {
		minImpact = sql.NullFloat64{Float64: *filter.MinImpact, Valid: true}
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, query, nullUUID(filter.ProjectID), minImpact, nullLimit(filter.Limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	var out []models.HITLApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hitl approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) CountPendingApprovals(ctx context.Context, projectID *uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM hitl_approvals
		WHERE status = 'PENDING' AND ($1::uuid IS NULL OR project_id = $1)`, nullUUID(projectID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}

func (s *PGStore) ApprovalStats(ctx context.Context, projectID *uuid.UUID) (models.ApprovalStats, error) {
	var st models.ApprovalStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'APPROVED'),
			COUNT(*) FILTER (WHERE status = 'REJECTED')
		FROM hitl_approvals
		WHERE ($1::uuid IS NULL OR project_id = $1)`, nullUUID(projectID)).Scan(&st.Total, &st.Pending, &st.Approved, &st.Rejected)
	if err != nil {
		return models.ApprovalStats{}, fmt.Errorf("approval stats: %w", err)
	}
	st.ApprovalRate = approvalRate(st.Approved, st.Total)
	return st, nil
}

// approvalRate is the approved share of all approvals as a percentage with two decimals.
func approvalRate(approved, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(approved)/float64(total)*100*100) / 100
}

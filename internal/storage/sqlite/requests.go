package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

const requestColumns = `id, org_id, subject_id, subject_type, parent_id, media_refs, category, context, source,
	payload, request_key, status, failure_reason, budget_flagged, result_id, created_at, updated_at`

func (c *Client) CreateRequest(ctx context.Context, req *models.AnalysisRequest) error {
	mediaJSON, err := json.Marshal(req.MediaRefs)
	if err != nil {
		return fmt.Errorf("failed to encode media refs: %w", err)
	}

	query := `INSERT INTO analysis_requests (` + requestColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	budgetFlagged := 0
	if req.BudgetFlagged {
		budgetFlagged = 1
	}

	_, err = c.db.ExecContext(ctx, query,
		req.ID,
		req.OrgID,
		req.SubjectID,
		string(req.SubjectType),
		nullString(req.ParentID),
		string(mediaJSON),
		string(req.Category),
		req.Context,
		string(req.Source),
		nullString(req.Payload),
		req.RequestKey,
		string(req.Status),
		nullString(req.FailureReason),
		budgetFlagged,
		nullString(req.ResultID),
		toUnix(req.CreatedAt),
		toUnix(req.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis request: %w", err)
	}

	logger.Debug("Analysis request stored",
		zap.String("request_id", req.ID),
		zap.String("org_id", req.OrgID),
		zap.String("subject_id", req.SubjectID),
	)
	return nil
}

func (c *Client) GetRequest(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM analysis_requests WHERE id = ? AND org_id = ?`

	req, err := scanRequest(c.db.QueryRowContext(ctx, query, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis request: %w", err)
	}
	return req, nil
}

// FindCompletedByKey returns the newest completed request with the given key
// created at or after since. Its ResultID is the head of the result's version
// chain, so reuse after a review sees the reviewed version.
func (c *Client) FindCompletedByKey(ctx context.Context, orgID, key string, since time.Time) (*models.AnalysisRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM analysis_requests
		WHERE org_id = ? AND request_key = ? AND status = ? AND created_at >= ? AND result_id IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`

	req, err := scanRequest(c.db.QueryRowContext(ctx, query, orgID, key, string(models.RequestCompleted), toUnix(since)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up request key: %w", err)
	}

	var head string
	err = c.db.QueryRowContext(ctx,
		`SELECT id FROM analysis_results WHERE org_id = ? AND request_id = ? ORDER BY version DESC LIMIT 1`,
		orgID, req.ID,
	).Scan(&head)
	switch {
	case err == nil:
		req.ResultID = head
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to resolve latest result version: %w", err)
	}
	return req, nil
}

// MarkProcessing moves a queued request to processing.
func (c *Client) MarkProcessing(ctx context.Context, orgID, id string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE analysis_requests SET status = ?, updated_at = ? WHERE id = ? AND org_id = ? AND status = ?`,
		string(models.RequestProcessing), toUnix(time.Now()), id, orgID, string(models.RequestQueued),
	)
	if err != nil {
		return fmt.Errorf("failed to mark request processing: %w", err)
	}
	return expectOneRow(res, id)
}

// FinishRequest writes the result row (when non-nil) and the terminal request
// status in one transaction. It fails with ErrConflict when the request has
// already reached a terminal state, leaving nothing written.
func (c *Client) FinishRequest(ctx context.Context, orgID, id string, status models.RequestStatus, reason string, result *models.AnalysisResult) error {
	if !status.Terminal() {
		return fmt.Errorf("finish request with non-terminal status %q", status)
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		resultID := ""
		if result != nil {
			if err := insertResult(ctx, tx, result); err != nil {
				return err
			}
			resultID = result.ID
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE analysis_requests SET status = ?, failure_reason = ?, result_id = ?, updated_at = ?
			WHERE id = ? AND org_id = ? AND status IN (?, ?)`,
			string(status), nullString(reason), nullString(resultID), toUnix(time.Now()),
			id, orgID, string(models.RequestQueued), string(models.RequestProcessing),
		)
		if err != nil {
			return fmt.Errorf("failed to finish request: %w", err)
		}
		return expectOneRow(res, id)
	})
}

// CancelRequest moves a non-terminal request to cancelled. It reports false
// when the request had already finished.
func (c *Client) CancelRequest(ctx context.Context, orgID, id string) (bool, error) {
	if _, err := c.GetRequest(ctx, orgID, id); err != nil {
		return false, err
	}

	res, err := c.db.ExecContext(ctx,
		`UPDATE analysis_requests SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND org_id = ? AND status IN (?, ?)`,
		string(models.RequestCancelled), "cancelled by caller", toUnix(time.Now()),
		id, orgID, string(models.RequestQueued), string(models.RequestProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to cancel request: %w", err)
	}
	return n == 1, nil
}

// RequeueInterrupted returns every queued or processing request, resetting
// processing ones to queued. Used at startup to resume work lost on restart.
func (c *Client) RequeueInterrupted(ctx context.Context) ([]*models.AnalysisRequest, error) {
	var out []*models.AnalysisRequest
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE analysis_requests SET status = ?, updated_at = ? WHERE status = ?`,
			string(models.RequestQueued), toUnix(time.Now()), string(models.RequestProcessing),
		); err != nil {
			return fmt.Errorf("failed to reset processing requests: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+requestColumns+` FROM analysis_requests WHERE status = ? ORDER BY created_at`,
			string(models.RequestQueued),
		)
		if err != nil {
			return fmt.Errorf("failed to list queued requests: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			req, err := scanRequest(rows)
			if err != nil {
				return fmt.Errorf("failed to scan row: %w", err)
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	return out, err
}

func scanRequest(row rowScanner) (*models.AnalysisRequest, error) {
	var r models.AnalysisRequest
	var parentID, hints, payload, failureReason, resultID sql.NullString
	var subjectType, category, source, status, mediaJSON string
	var budgetFlagged int
	var createdAt, updatedAt int64

	err := row.Scan(
		&r.ID,
		&r.OrgID,
		&r.SubjectID,
		&subjectType,
		&parentID,
		&mediaJSON,
		&category,
		&hints,
		&source,
		&payload,
		&r.RequestKey,
		&status,
		&failureReason,
		&budgetFlagged,
		&resultID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(mediaJSON), &r.MediaRefs); err != nil {
		return nil, fmt.Errorf("failed to decode media refs: %w", err)
	}
	r.SubjectType = models.SubjectType(subjectType)
	r.ParentID = parentID.String
	r.Category = models.Category(category)
	r.Context = hints.String
	r.Source = models.Source(source)
	r.Payload = payload.String
	r.Status = models.RequestStatus(status)
	r.FailureReason = failureReason.String
	r.BudgetFlagged = budgetFlagged == 1
	r.ResultID = resultID.String
	r.CreatedAt = fromUnix(createdAt)
	r.UpdatedAt = fromUnix(updatedAt)
	return &r, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("request %s: %w", id, models.ErrConflict)
	}
	return nil
}

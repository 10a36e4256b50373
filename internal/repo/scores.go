package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

// UpsertScore records or revises a reviewer's answer for one criterion.
func (r Repo) UpsertScore(ctx context.Context, tx *sql.Tx, s domain.RubricScore) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO rubric_scores(id,evaluation_id,criterion_idx,reviewer_id,score,comment,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(evaluation_id,criterion_idx,reviewer_id) DO UPDATE SET score=excluded.score, comment=excluded.comment`,
		s.ID, s.EvaluationID, s.CriterionIndex, s.ReviewerID, s.Score, nullable(s.Comment), s.CreatedAt)
	return err
}

func (r Repo) ListScores(ctx context.Context, evaluationID string) ([]domain.RubricScore, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,evaluation_id,criterion_idx,reviewer_id,score,comment,created_at FROM rubric_scores WHERE evaluation_id=? ORDER BY criterion_idx, reviewer_id`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RubricScore
	for rows.Next() {
		var s domain.RubricScore
		var comment sql.NullString
		if err := rows.Scan(&s.ID, &s.EvaluationID, &s.CriterionIndex, &s.ReviewerID, &s.Score, &comment, &s.CreatedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			s.Comment = comment.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

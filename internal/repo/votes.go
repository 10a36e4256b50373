package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agora/internal/domain"
)

// InsertVoteTx creates the vote for a stage. The UNIQUE constraint on
// evaluation_id makes a second activation of the same stage a no-op error
// rather than a duplicate vote.
func (r Repo) InsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	opts, err := json.Marshal(v.Options)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO votes(id,evaluation_id,document_id,space_id,options_json,threshold,max_choices,type,deadline,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.EvaluationID, v.DocumentID, v.SpaceID, string(opts), v.Threshold, v.MaxChoices, nullable(v.Type), v.Deadline, v.Status, v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) GetVoteByEvaluation(ctx context.Context, evaluationID string) (domain.Vote, error) {
	return r.GetVoteByEvaluationTx(ctx, nil, evaluationID)
}

func (r Repo) GetVoteByEvaluationTx(ctx context.Context, tx *sql.Tx, evaluationID string) (domain.Vote, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,evaluation_id,document_id,space_id,options_json,threshold,max_choices,type,deadline,status,created_by,created_at FROM votes WHERE evaluation_id=?`, evaluationID)
	return scanVote(row)
}

// HasVoteTx reports whether a vote already exists for the stage. Used to keep
// stage activation idempotent.
func (r Repo) HasVoteTx(ctx context.Context, tx *sql.Tx, evaluationID string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM votes WHERE evaluation_id=? LIMIT 1`, evaluationID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) SetVoteStatusTx(ctx context.Context, tx *sql.Tx, voteID, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE votes SET status=? WHERE id=?`, status, voteID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListVotesBySpace(ctx context.Context, spaceID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,evaluation_id,document_id,space_id,options_json,threshold,max_choices,type,deadline,status,created_by,created_at FROM votes WHERE space_id=? ORDER BY created_at DESC`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func scanVote(row interface{ Scan(...any) error }) (domain.Vote, error) {
	var v domain.Vote
	var opts string
	var voteType sql.NullString
	err := row.Scan(&v.ID, &v.EvaluationID, &v.DocumentID, &v.SpaceID, &opts, &v.Threshold, &v.MaxChoices, &voteType, &v.Deadline, &v.Status, &v.CreatedBy, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if voteType.Valid {
		v.Type = voteType.String
	}
	if err := json.Unmarshal([]byte(opts), &v.Options); err != nil {
		return v, err
	}
	return v, nil
}

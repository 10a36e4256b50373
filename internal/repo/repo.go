package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agora/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound       = errors.New("not found")
	errMultipleSpaces = errors.New("more than one space configured, pass an explicit id")
)

// querier covers *sql.DB and *sql.Tx so reads can run inside or outside a
// transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- proposals ---

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("marshal proposal fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proposals(id,space_id,created_by,category_id,archived,fields_json,published_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.SpaceID, p.CreatedBy, nullableStringPtr(p.CategoryID), boolInt(p.Archived), string(fields), nullableStringPtr(p.PublishedAt), p.CreatedAt)
	if err != nil {
		return err
	}
	for _, author := range p.AuthorIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO proposal_authors(proposal_id,user_id) VALUES (?,?)`, p.ID, author); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.getProposal(ctx, nil, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return r.getProposal(ctx, tx, id)
}

func (r Repo) getProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	var p domain.Proposal
	var category, published sql.NullString
	var archived int
	var fields string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,space_id,created_by,category_id,archived,fields_json,published_at,created_at FROM proposals WHERE id=?`, id).
		Scan(&p.ID, &p.SpaceID, &p.CreatedBy, &category, &archived, &fields, &published, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Archived = archived != 0
	if category.Valid {
		p.CategoryID = &category.String
	}
	if published.Valid {
		p.PublishedAt = &published.String
	}
	if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
		return p, fmt.Errorf("decode proposal fields: %w", err)
	}
	authors, err := r.listAuthors(ctx, tx, p.ID)
	if err != nil {
		return p, err
	}
	p.AuthorIDs = authors
	return p, nil
}

func (r Repo) listAuthors(ctx context.Context, tx *sql.Tx, proposalID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT user_id FROM proposal_authors WHERE proposal_id=? ORDER BY user_id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var authors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		authors = append(authors, id)
	}
	return authors, rows.Err()
}

func (r Repo) AddAuthorTx(ctx context.Context, tx *sql.Tx, proposalID, userID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO proposal_authors(proposal_id,user_id) VALUES (?,?)`, proposalID, userID)
	return err
}

func (r Repo) ListProposals(ctx context.Context, spaceID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM proposals WHERE space_id=? ORDER BY created_at DESC, id DESC`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Proposal
	for _, id := range ids {
		p, err := r.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// ListProposalsByDocuments returns non-archived proposals backed by live
// documents, restricted to the given document ids and spaces.
func (r Repo) ListProposalsByDocuments(ctx context.Context, documentIDs, spaceIDs []string) ([]domain.Proposal, error) {
	if len(documentIDs) == 0 || len(spaceIDs) == 0 {
		return nil, nil
	}
	query := `SELECT p.id FROM proposals p
JOIN documents d ON d.proposal_id=p.id
WHERE p.archived=0 AND d.deleted=0
AND d.id IN (` + placeholders(len(documentIDs)) + `)
AND p.space_id IN (` + placeholders(len(spaceIDs)) + `)`
	args := make([]any, 0, len(documentIDs)+len(spaceIDs))
	for _, id := range documentIDs {
		args = append(args, id)
	}
	for _, id := range spaceIDs {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Proposal
	for _, id := range ids {
		p, err := r.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) SetPublishedTx(ctx context.Context, tx *sql.Tx, proposalID, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET published_at=? WHERE id=?`, ts, proposalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetArchived(ctx context.Context, proposalID string, archived bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE proposals SET archived=? WHERE id=?`, boolInt(archived), proposalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProposalFieldsTx(ctx context.Context, tx *sql.Tx, proposalID string, fields domain.ProposalFields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET fields_json=? WHERE id=?`, string(data), proposalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- evaluation stages ---

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.EvaluationStage) error {
	var options any
	var duration, threshold, maxChoices any
	var voteType any
	external := 0
	if s.Vote != nil {
		data, err := json.Marshal(s.Vote.Options)
		if err != nil {
			return err
		}
		options = string(data)
		duration = s.Vote.DurationDays
		threshold = s.Vote.Threshold
		maxChoices = s.Vote.MaxChoices
		voteType = nullable(s.Vote.Type)
		if s.Vote.External {
			external = 1
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO evaluations(id,proposal_id,idx,type,title,result,decided_by,decided_at,vote_options_json,vote_duration_days,vote_threshold,vote_max_choices,vote_type,vote_external)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProposalID, s.Index, s.Type, s.Title, nullableStringPtr(s.Result), nullableStringPtr(s.DecidedBy), nullableStringPtr(s.DecidedAt),
		options, duration, threshold, maxChoices, voteType, external)
	if err != nil {
		return err
	}
	if err := r.replaceReviewers(ctx, tx, s.ID, s.Reviewers); err != nil {
		return err
	}
	for _, c := range s.Rubric {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rubric_criteria(evaluation_id,idx,title,min,max) VALUES (?,?,?,?,?)`,
			s.ID, c.Index, c.Title, c.Min, c.Max); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.EvaluationStage, error) {
	return r.getStage(ctx, nil, id)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.EvaluationStage, error) {
	return r.getStage(ctx, tx, id)
}

func (r Repo) getStage(ctx context.Context, tx *sql.Tx, id string) (domain.EvaluationStage, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,proposal_id,idx,type,title,result,decided_by,decided_at,vote_options_json,vote_duration_days,vote_threshold,vote_max_choices,vote_type,vote_external FROM evaluations WHERE id=?`, id)
	s, err := scanStage(row)
	if err != nil {
		return s, err
	}
	return r.hydrateStage(ctx, tx, s)
}

type stageScanner interface {
	Scan(dest ...any) error
}

func scanStage(row stageScanner) (domain.EvaluationStage, error) {
	var s domain.EvaluationStage
	var result, decidedBy, decidedAt, options, voteType sql.NullString
	var duration, threshold, maxChoices sql.NullInt64
	var external int
	err := row.Scan(&s.ID, &s.ProposalID, &s.Index, &s.Type, &s.Title, &result, &decidedBy, &decidedAt,
		&options, &duration, &threshold, &maxChoices, &voteType, &external)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if result.Valid {
		s.Result = &result.String
	}
	if decidedBy.Valid {
		s.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		s.DecidedAt = &decidedAt.String
	}
	if s.Type == domain.StageVote {
		v := domain.VoteSettings{External: external != 0}
		if options.Valid {
			_ = json.Unmarshal([]byte(options.String), &v.Options)
		}
		if duration.Valid {
			v.DurationDays = int(duration.Int64)
		}
		if threshold.Valid {
			v.Threshold = int(threshold.Int64)
		}
		if maxChoices.Valid {
			v.MaxChoices = int(maxChoices.Int64)
		}
		if voteType.Valid {
			v.Type = voteType.String
		}
		s.Vote = &v
	}
	return s, nil
}

func (r Repo) hydrateStage(ctx context.Context, tx *sql.Tx, s domain.EvaluationStage) (domain.EvaluationStage, error) {
	reviewers, err := r.listReviewers(ctx, tx, s.ID)
	if err != nil {
		return s, err
	}
	s.Reviewers = reviewers
	if s.Type == domain.StageRubric {
		rubric, err := r.listRubric(ctx, tx, s.ID)
		if err != nil {
			return s, err
		}
		s.Rubric = rubric
	}
	return s, nil
}

func (r Repo) ListStages(ctx context.Context, proposalID string) ([]domain.EvaluationStage, error) {
	return r.listStages(ctx, nil, proposalID)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.EvaluationStage, error) {
	return r.listStages(ctx, tx, proposalID)
}

func (r Repo) listStages(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.EvaluationStage, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,proposal_id,idx,type,title,result,decided_by,decided_at,vote_options_json,vote_duration_days,vote_threshold,vote_max_choices,vote_type,vote_external FROM evaluations WHERE proposal_id=? ORDER BY idx ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stages []domain.EvaluationStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range stages {
		stages[i], err = r.hydrateStage(ctx, tx, stages[i])
		if err != nil {
			return nil, err
		}
	}
	return stages, nil
}

func (r Repo) SetStageResultTx(ctx context.Context, tx *sql.Tx, stageID, result, decidedBy, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE evaluations SET result=?, decided_by=?, decided_at=? WHERE id=?`,
		result, decidedBy, decidedAt, stageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listReviewers(ctx context.Context, tx *sql.Tx, evaluationID string) ([]domain.Reviewer, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT user_id,role_id,space_wide FROM evaluation_reviewers WHERE evaluation_id=? ORDER BY id`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reviewer
	for rows.Next() {
		var rev domain.Reviewer
		var userID, roleID sql.NullString
		var spaceWide int
		if err := rows.Scan(&userID, &roleID, &spaceWide); err != nil {
			return nil, err
		}
		if userID.Valid {
			rev.UserID = &userID.String
		}
		if roleID.Valid {
			rev.RoleID = &roleID.String
		}
		rev.SpaceWide = spaceWide != 0
		res = append(res, rev)
	}
	return res, rows.Err()
}

func (r Repo) ReplaceStageReviewersTx(ctx context.Context, tx *sql.Tx, evaluationID string, reviewers []domain.Reviewer) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM evaluation_reviewers WHERE evaluation_id=?`, evaluationID); err != nil {
		return err
	}
	return r.replaceReviewers(ctx, tx, evaluationID, reviewers)
}

func (r Repo) replaceReviewers(ctx context.Context, tx *sql.Tx, evaluationID string, reviewers []domain.Reviewer) error {
	for i, rev := range reviewers {
		id := fmt.Sprintf("%s-r%d", evaluationID, i)
		if _, err := tx.ExecContext(ctx, `INSERT INTO evaluation_reviewers(id,evaluation_id,user_id,role_id,space_wide) VALUES (?,?,?,?,?)`,
			id, evaluationID, nullableStringPtr(rev.UserID), nullableStringPtr(rev.RoleID), boolInt(rev.SpaceWide)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateVoteSettingsTx(ctx context.Context, tx *sql.Tx, evaluationID string, v domain.VoteSettings) error {
	data, err := json.Marshal(v.Options)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE evaluations SET vote_options_json=?, vote_duration_days=?, vote_threshold=?, vote_max_choices=?, vote_type=?, vote_external=? WHERE id=? AND type='vote'`,
		string(data), v.DurationDays, v.Threshold, v.MaxChoices, nullable(v.Type), boolInt(v.External), evaluationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listRubric(ctx context.Context, tx *sql.Tx, evaluationID string) ([]domain.RubricCriterion, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT idx,title,min,max FROM rubric_criteria WHERE evaluation_id=? ORDER BY idx ASC`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RubricCriterion
	for rows.Next() {
		var c domain.RubricCriterion
		if err := rows.Scan(&c.Index, &c.Title, &c.Min, &c.Max); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// HasReviewers reports whether any stage of the proposal has at least one
// reviewer assigned.
func (r Repo) HasReviewers(ctx context.Context, proposalID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM evaluation_reviewers er
JOIN evaluations e ON e.id=er.evaluation_id
WHERE e.proposal_id=? LIMIT 1`, proposalID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- events ---

type EventFilters struct {
	SpaceIDs []string
	Type     string
	AfterID  int64
	Limit    int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.WorkspaceEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.SpaceIDs) > 0 {
		clauses = append(clauses, "space_id IN ("+placeholders(len(f.SpaceIDs))+")")
		for _, id := range f.SpaceIDs {
			args = append(args, id)
		}
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id,type,space_id,proposal_id,document_id,actor_id,meta_json,created_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, spaceID string) ([]domain.WorkspaceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if spaceID != "" {
		clauses = append(clauses, "space_id=?")
		args = append(args, spaceID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,type,space_id,proposal_id,document_id,actor_id,meta_json,created_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// UnseenEvents returns status-changed events in the given spaces the user has
// not yet marked seen, newest first.
func (r Repo) UnseenEvents(ctx context.Context, userID string, spaceIDs []string) ([]domain.WorkspaceEvent, error) {
	if len(spaceIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id,type,space_id,proposal_id,document_id,actor_id,meta_json,created_at FROM events
WHERE type=? AND space_id IN (` + placeholders(len(spaceIDs)) + `)
AND NOT EXISTS (SELECT 1 FROM notification_seen ns WHERE ns.user_id=? AND ns.event_id=events.id)
ORDER BY id DESC`
	args := []any{domain.EventStatusChanged}
	for _, id := range spaceIDs {
		args = append(args, id)
	}
	args = append(args, userID)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) MarkSeen(ctx context.Context, userID string, eventIDs []int64, ts string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notification_seen(user_id,event_id,seen_at) VALUES (?,?,?)`, userID, id, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestEventID returns the most recent event ID for a space.
func (r Repo) LatestEventID(ctx context.Context, spaceID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE space_id=?`, spaceID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.WorkspaceEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkspaceEvent
	for rows.Next() {
		var e domain.WorkspaceEvent
		var meta string
		if err := rows.Scan(&e.ID, &e.Type, &e.SpaceID, &e.ProposalID, &e.DocumentID, &e.ActorID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("decode event meta: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

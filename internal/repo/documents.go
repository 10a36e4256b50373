package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,space_id,proposal_id,parent_id,path,title,deleted,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.SpaceID, nullableStringPtr(d.ProposalID), nullableStringPtr(d.ParentID), d.Path, d.Title, boolInt(d.Deleted), d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return r.getDocument(ctx, nil, `SELECT id,space_id,proposal_id,parent_id,path,title,deleted,created_at FROM documents WHERE id=?`, id)
}

// GetDocumentByProposal finds the root document backing a proposal.
func (r Repo) GetDocumentByProposal(ctx context.Context, proposalID string) (domain.Document, error) {
	return r.getDocument(ctx, nil, `SELECT id,space_id,proposal_id,parent_id,path,title,deleted,created_at FROM documents WHERE proposal_id=? AND deleted=0`, proposalID)
}

func (r Repo) GetDocumentByProposalTx(ctx context.Context, tx *sql.Tx, proposalID string) (domain.Document, error) {
	return r.getDocument(ctx, tx, `SELECT id,space_id,proposal_id,parent_id,path,title,deleted,created_at FROM documents WHERE proposal_id=? AND deleted=0`, proposalID)
}

func (r Repo) getDocument(ctx context.Context, tx *sql.Tx, query string, args ...any) (domain.Document, error) {
	var d domain.Document
	var proposalID, parentID sql.NullString
	var deleted int
	err := r.q(tx).QueryRowContext(ctx, query, args...).
		Scan(&d.ID, &d.SpaceID, &proposalID, &parentID, &d.Path, &d.Title, &deleted, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if proposalID.Valid {
		d.ProposalID = &proposalID.String
	}
	if parentID.Valid {
		d.ParentID = &parentID.String
	}
	d.Deleted = deleted != 0
	return d, nil
}

// HasChildren reports whether any live document hangs under the given one.
// Cheap pre-check so projection skips the subtree walk for leaf documents.
func (r Repo) HasChildren(ctx context.Context, tx *sql.Tx, documentID string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM documents WHERE parent_id=? AND deleted=0 LIMIT 1`, documentID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ResolveDescendants returns ids of every live document below the given one.
func (r Repo) ResolveDescendants(ctx context.Context, tx *sql.Tx, documentID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `WITH RECURSIVE subtree(id) AS (
	SELECT id FROM documents WHERE parent_id=? AND deleted=0
	UNION ALL
	SELECT d.id FROM documents d JOIN subtree s ON d.parent_id=s.id WHERE d.deleted=0
)
SELECT id FROM subtree`, documentID)
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
	return ids, rows.Err()
}

func (r Repo) SoftDeleteDocument(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET deleted=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- grants ---

func (r Repo) ListGrants(ctx context.Context, documentID string) ([]domain.Grant, error) {
	return r.listGrants(ctx, nil, documentID)
}

func (r Repo) ListGrantsTx(ctx context.Context, tx *sql.Tx, documentID string) ([]domain.Grant, error) {
	return r.listGrants(ctx, tx, documentID)
}

func (r Repo) listGrants(ctx context.Context, tx *sql.Tx, documentID string) ([]domain.Grant, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,document_id,level,user_id,role_id,space_wide,public,inherited_from FROM document_grants WHERE document_id=? ORDER BY id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func scanGrant(rows *sql.Rows) (domain.Grant, error) {
	var g domain.Grant
	var userID, roleID, inherited sql.NullString
	var spaceWide, public int
	if err := rows.Scan(&g.ID, &g.DocumentID, &g.Level, &userID, &roleID, &spaceWide, &public, &inherited); err != nil {
		return g, err
	}
	if userID.Valid {
		g.UserID = &userID.String
	}
	if roleID.Valid {
		g.RoleID = &roleID.String
	}
	if inherited.Valid {
		g.InheritedFrom = &inherited.String
	}
	g.SpaceWide = spaceWide != 0
	g.Public = public != 0
	return g, nil
}

// DeleteNonPublicGrantsTx removes every non-public grant on the given
// documents. Public grants are user-managed and never part of projection.
func (r Repo) DeleteNonPublicGrantsTx(ctx context.Context, tx *sql.Tx, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	args := make([]any, len(documentIDs))
	for i, id := range documentIDs {
		args[i] = id
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM document_grants WHERE public=0 AND document_id IN (`+placeholders(len(documentIDs))+`)`, args...)
	return err
}

func (r Repo) InsertGrantTx(ctx context.Context, tx *sql.Tx, g domain.Grant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO document_grants(id,document_id,level,user_id,role_id,space_wide,public,inherited_from) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.DocumentID, string(g.Level), nullableStringPtr(g.UserID), nullableStringPtr(g.RoleID), boolInt(g.SpaceWide), boolInt(g.Public), nullableStringPtr(g.InheritedFrom))
	return err
}

// InsertPublicGrant adds a user-managed public grant outside projection.
func (r Repo) InsertPublicGrant(ctx context.Context, documentID string, level domain.PermissionLevel, id string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO document_grants(id,document_id,level,public) VALUES (?,?,?,1)`,
		id, documentID, string(level))
	return err
}

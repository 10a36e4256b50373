package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

func (r Repo) InsertSpace(ctx context.Context, tx *sql.Tx, s domain.Space) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO spaces(id,name,domain,paid,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Name, s.Domain, boolInt(s.Paid), s.CreatedAt)
	return err
}

func (r Repo) GetSpace(ctx context.Context, id string) (domain.Space, error) {
	var s domain.Space
	var paid int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,domain,paid,created_at FROM spaces WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.Domain, &paid, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Paid = paid != 0
	return s, err
}

func (r Repo) ListSpaces(ctx context.Context) ([]domain.Space, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,domain,paid,created_at FROM spaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Space
	for rows.Next() {
		var s domain.Space
		var paid int
		if err := rows.Scan(&s.ID, &s.Name, &s.Domain, &paid, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Paid = paid != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) SingleSpace(ctx context.Context) (domain.Space, error) {
	spaces, err := r.ListSpaces(ctx)
	if err != nil {
		return domain.Space{}, err
	}
	if len(spaces) == 0 {
		return domain.Space{}, ErrNotFound
	}
	if len(spaces) > 1 {
		return domain.Space{}, errMultipleSpaces
	}
	return spaces[0], nil
}

func (r Repo) EnsureMember(ctx context.Context, tx *sql.Tx, spaceID, userID string, admin bool, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO members(space_id,user_id,admin,created_at) VALUES (?,?,?,?)`,
		spaceID, userID, boolInt(admin), now)
	return err
}

func (r Repo) IsMember(ctx context.Context, spaceID, userID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM members WHERE space_id=? AND user_id=? LIMIT 1`, spaceID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) IsSpaceAdmin(ctx context.Context, spaceID, userID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM members WHERE space_id=? AND user_id=? AND admin=1 LIMIT 1`, spaceID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Membership is one space a user belongs to plus the roles held there.
type Membership struct {
	SpaceID string
	Admin   bool
	Paid    bool
	RoleIDs []string
}

// SpacesOf returns the user's memberships with assigned role ids.
func (r Repo) SpacesOf(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT m.space_id, m.admin, s.paid FROM members m JOIN spaces s ON s.id=m.space_id WHERE m.user_id=? ORDER BY m.space_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Membership
	for rows.Next() {
		var m Membership
		var admin, paid int
		if err := rows.Scan(&m.SpaceID, &admin, &paid); err != nil {
			return nil, err
		}
		m.Admin = admin != 0
		m.Paid = paid != 0
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		roles, err := r.RolesOf(ctx, res[i].SpaceID, userID)
		if err != nil {
			return nil, err
		}
		res[i].RoleIDs = roles
	}
	return res, nil
}

func (r Repo) RolesOf(ctx context.Context, spaceID, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM member_roles WHERE space_id=? AND user_id=?`, spaceID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO space_roles(id,space_id,name) VALUES (?,?,?)`,
		role.ID, role.SpaceID, role.Name)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, spaceID, userID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO member_roles(space_id,user_id,role_id) VALUES (?,?,?)`,
		spaceID, userID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, spaceID, userID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM member_roles WHERE space_id=? AND user_id=? AND role_id=?`,
		spaceID, userID, roleID)
	return err
}

func (r Repo) UpsertSpaceConfig(ctx context.Context, tx *sql.Tx, spaceID, configJSON, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO space_configs(space_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(space_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		spaceID, configJSON, now, now)
	return err
}

func (r Repo) GetSpaceConfig(ctx context.Context, spaceID string) (string, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM space_configs WHERE space_id=?`, spaceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return raw, err
}

// --- categories ---

func (r Repo) InsertCategory(ctx context.Context, tx *sql.Tx, c domain.Category) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO categories(id,space_id,title) VALUES (?,?,?)`,
		c.ID, c.SpaceID, c.Title)
	return err
}

// CategoryPermission gates who sees and interacts with a category's
// proposals. Exactly one of RoleID / SpaceWide identifies the audience.
type CategoryPermission struct {
	ID         string
	CategoryID string
	RoleID     *string
	SpaceWide  bool
	CanComment bool
	CanVote    bool
}

func (r Repo) InsertCategoryPermission(ctx context.Context, tx *sql.Tx, p CategoryPermission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO category_permissions(id,category_id,role_id,space_wide,can_comment,can_vote) VALUES (?,?,?,?,?,?)`,
		p.ID, p.CategoryID, nullableStringPtr(p.RoleID), boolInt(p.SpaceWide), boolInt(p.CanComment), boolInt(p.CanVote))
	return err
}

// VisibleCategories resolves the categories a user can see in a space, with
// the strongest comment/vote capability any matching permission row grants.
// Space admins see every category with full capabilities.
func (r Repo) VisibleCategories(ctx context.Context, spaceID, userID string) ([]domain.CategoryAccess, error) {
	admin, err := r.IsSpaceAdmin(ctx, spaceID, userID)
	if err != nil {
		return nil, err
	}
	if admin {
		rows, err := r.DB.QueryContext(ctx, `SELECT id FROM categories WHERE space_id=?`, spaceID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var res []domain.CategoryAccess
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			res = append(res, domain.CategoryAccess{CategoryID: id, Comment: true, Vote: true})
		}
		return res, rows.Err()
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT c.id, MAX(cp.can_comment), MAX(cp.can_vote)
FROM categories c
JOIN category_permissions cp ON cp.category_id=c.id
WHERE c.space_id=? AND (
	cp.space_wide=1
	OR cp.role_id IN (SELECT role_id FROM member_roles WHERE space_id=? AND user_id=?)
)
GROUP BY c.id`, spaceID, spaceID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CategoryAccess
	for rows.Next() {
		var a domain.CategoryAccess
		var comment, vote int
		if err := rows.Scan(&a.CategoryID, &comment, &vote); err != nil {
			return nil, err
		}
		a.Comment = comment != 0
		a.Vote = vote != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

// Package policy answers per-resource capability questions backed by SQL.
// Review and vote-creation standing are decided against live reviewer and
// membership data on every call.
package policy

import (
	"context"
	"database/sql"
	"fmt"

	"agora/internal/domain"
	"agora/internal/repo"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// Service provides capability checks backed by SQL.
type Service struct {
	DB   *sql.DB
	Repo repo.Repo
}

// CanReview reports whether the viewer has reviewer standing on the
// proposal's current stage: named directly, through an assigned role, or
// through a space-wide reviewer entry. Space admins always qualify.
func (s Service) CanReview(ctx context.Context, viewerID, proposalID string) (bool, error) {
	p, err := s.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return false, err
	}
	admin, err := s.Repo.IsSpaceAdmin(ctx, p.SpaceID, viewerID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM evaluation_reviewers er
JOIN evaluations e ON e.id=er.evaluation_id
WHERE e.id=(
	SELECT id FROM evaluations WHERE proposal_id=? AND result IS NULL ORDER BY idx LIMIT 1
) AND (
	er.user_id=?
	OR er.space_wide=1
	OR er.role_id IN (SELECT role_id FROM member_roles WHERE space_id=? AND user_id=?)
) LIMIT 1`,
		proposalID, viewerID, p.SpaceID, viewerID)
	var n int
	err = row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CanCreateVote reports whether the viewer may activate the vote stage of a
// proposal. Space admins and proposal authors qualify.
func (s Service) CanCreateVote(ctx context.Context, viewerID, proposalID string) (bool, error) {
	p, err := s.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return false, err
	}
	admin, err := s.Repo.IsSpaceAdmin(ctx, p.SpaceID, viewerID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	if p.CreatedBy == viewerID {
		return true, nil
	}
	for _, a := range p.AuthorIDs {
		if a == viewerID {
			return true, nil
		}
	}
	return false, nil
}

// VisibleCategories resolves the categories the viewer can see in a space
// together with the comment/vote capabilities held there.
func (s Service) VisibleCategories(ctx context.Context, spaceID, viewerID string) ([]domain.CategoryAccess, error) {
	return s.Repo.VisibleCategories(ctx, spaceID, viewerID)
}

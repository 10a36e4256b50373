// Package flow computes which lifecycle statuses a viewer may move a
// proposal into from its current status.
package flow

import (
	"context"
	"errors"

	"agora/internal/domain"
	"agora/internal/pipeline"
	"agora/internal/repo"
)

// Policy is the external capability lookup. Review and vote-creation
// standing are decided per resource, not by a static role check.
type Policy interface {
	CanReview(ctx context.Context, viewerID, proposalID string) (bool, error)
	CanCreateVote(ctx context.Context, viewerID, proposalID string) (bool, error)
}

// Store is the slice of proposal state the computer reads.
type Store interface {
	GetProposal(ctx context.Context, id string) (domain.Proposal, error)
	ListStages(ctx context.Context, proposalID string) ([]domain.EvaluationStage, error)
	HasReviewers(ctx context.Context, proposalID string) (bool, error)
	IsSpaceAdmin(ctx context.Context, spaceID, userID string) (bool, error)
	GetVoteByEvaluation(ctx context.Context, evaluationID string) (domain.Vote, error)
}

// Input is everything the pure flag evaluation needs. Gathered fresh per
// call, never cached.
type Input struct {
	Status        domain.Status
	Authenticated bool
	IsAuthor      bool
	IsAdmin       bool
	HasReviewers  bool
	CanReview     bool
	CanCreateVote bool
}

// Compute evaluates the transition table. Unauthenticated viewers get an
// all-false set, and no rule ever skips pipeline order.
func Compute(in Input) map[domain.Status]bool {
	flags := map[domain.Status]bool{
		domain.StatusDraft:      false,
		domain.StatusDiscussion: false,
		domain.StatusReview:     false,
		domain.StatusReviewed:   false,
		domain.StatusVoteActive: false,
	}
	if !in.Authenticated {
		return flags
	}
	owner := in.IsAuthor || in.IsAdmin
	switch in.Status {
	case domain.StatusDraft:
		flags[domain.StatusDiscussion] = owner && in.HasReviewers
	case domain.StatusDiscussion:
		flags[domain.StatusDraft] = owner
		flags[domain.StatusReview] = owner && in.HasReviewers
	case domain.StatusReview:
		flags[domain.StatusReviewed] = in.CanReview || in.IsAdmin
		flags[domain.StatusDiscussion] = owner
	case domain.StatusReviewed:
		flags[domain.StatusVoteActive] = in.CanCreateVote
	}
	// vote_active, vote_closed and complete have no outgoing flags.
	return flags
}

// Computer gathers live inputs and evaluates them.
type Computer struct {
	Store  Store
	Policy Policy
}

// Flags resolves the transition set for viewerID on proposalID. An empty
// viewerID is an unauthenticated call.
func (c Computer) Flags(ctx context.Context, proposalID, viewerID string) (map[domain.Status]bool, error) {
	if viewerID == "" {
		return Compute(Input{}), nil
	}
	p, err := c.Store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	stages, err := c.Store.ListStages(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	in := Input{Authenticated: true, IsAuthor: isAuthor(p, viewerID)}

	vote := pipeline.VoteNone
	if cur := pipeline.CurrentStage(stages); cur != nil && cur.Type == domain.StageVote {
		v, err := c.Store.GetVoteByEvaluation(ctx, cur.ID)
		switch {
		case err == nil:
			vote = pipeline.VoteOpen
			if v.Status != "open" {
				vote = pipeline.VoteClosed
			}
		case errors.Is(err, repo.ErrNotFound):
		default:
			return nil, err
		}
	}
	in.Status = pipeline.DeriveStatus(p.Published(), stages, vote)

	in.IsAdmin, err = c.Store.IsSpaceAdmin(ctx, p.SpaceID, viewerID)
	if err != nil {
		return nil, err
	}
	in.HasReviewers, err = c.Store.HasReviewers(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if in.Status == domain.StatusReview {
		in.CanReview, err = c.Policy.CanReview(ctx, viewerID, proposalID)
		if err != nil {
			return nil, err
		}
	}
	if in.Status == domain.StatusReviewed {
		in.CanCreateVote, err = c.Policy.CanCreateVote(ctx, viewerID, proposalID)
		if err != nil {
			return nil, err
		}
	}
	return Compute(in), nil
}

func isAuthor(p domain.Proposal, userID string) bool {
	if p.CreatedBy == userID {
		return true
	}
	for _, a := range p.AuthorIDs {
		if a == userID {
			return true
		}
	}
	return false
}

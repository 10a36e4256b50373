// Package projector rewrites document grants from the proposal's current
// pipeline state and the configured policy table.
package projector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agora/internal/config"
	"agora/internal/domain"
	"agora/internal/pipeline"
	"agora/internal/repo"
)

// Projector recomputes the grants of a proposal's document subtree. It runs
// inside the transaction of whatever mutation triggered it; re-running with
// unchanged inputs produces the same grant set.
type Projector struct {
	Repo   repo.Repo
	Config *config.Config
}

// Projection is the computed grant diff: every non-public grant on the
// listed documents is removed, then the root and descendant grants are
// written.
type Projection struct {
	DocumentIDs []string
	Root        []domain.Grant
	Descendants []domain.Grant
}

// Run projects grants for the proposal inside tx. Fails with
// repo.ErrNotFound before touching anything if the proposal or its backing
// document is missing.
func (pj Projector) Run(ctx context.Context, tx *sql.Tx, proposalID string) error {
	proj, err := pj.Compute(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	return pj.Apply(ctx, tx, proj)
}

// Compute builds the projection without applying it.
func (pj Projector) Compute(ctx context.Context, tx *sql.Tx, proposalID string) (Projection, error) {
	p, err := pj.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return Projection{}, err
	}
	doc, err := pj.Repo.GetDocumentByProposalTx(ctx, tx, proposalID)
	if err != nil {
		return Projection{}, err
	}
	stages, err := pj.Repo.ListStagesTx(ctx, tx, proposalID)
	if err != nil {
		return Projection{}, err
	}
	status, err := pj.status(ctx, tx, p, stages)
	if err != nil {
		return Projection{}, err
	}

	proj := Projection{DocumentIDs: []string{doc.ID}}
	proj.Root = pj.rootGrants(doc.ID, p, stages, status)

	// Walk the subtree only when children actually exist.
	has, err := pj.Repo.HasChildren(ctx, tx, doc.ID)
	if err != nil {
		return Projection{}, err
	}
	if has {
		descendants, err := pj.Repo.ResolveDescendants(ctx, tx, doc.ID)
		if err != nil {
			return Projection{}, err
		}
		proj.DocumentIDs = append(proj.DocumentIDs, descendants...)
		for _, docID := range descendants {
			for _, g := range proj.Root {
				clone := g
				clone.ID = uuid.NewString()
				clone.DocumentID = docID
				parent := g.ID
				clone.InheritedFrom = &parent
				proj.Descendants = append(proj.Descendants, clone)
			}
		}
	}
	return proj, nil
}

// Apply deletes every non-public grant on the projection's documents and
// writes the computed set. Public grants are never part of the delete
// predicate.
func (pj Projector) Apply(ctx context.Context, tx *sql.Tx, proj Projection) error {
	if err := pj.Repo.DeleteNonPublicGrantsTx(ctx, tx, proj.DocumentIDs); err != nil {
		return err
	}
	for _, g := range proj.Root {
		if err := pj.Repo.InsertGrantTx(ctx, tx, g); err != nil {
			return err
		}
	}
	for _, g := range proj.Descendants {
		if err := pj.Repo.InsertGrantTx(ctx, tx, g); err != nil {
			return err
		}
	}
	return nil
}

func (pj Projector) status(ctx context.Context, tx *sql.Tx, p domain.Proposal, stages []domain.EvaluationStage) (domain.Status, error) {
	vote := pipeline.VoteNone
	if cur := pipeline.CurrentStage(stages); cur != nil && cur.Type == domain.StageVote {
		v, err := pj.Repo.GetVoteByEvaluationTx(ctx, tx, cur.ID)
		switch {
		case err == nil:
			vote = pipeline.VoteOpen
			if v.Status != "open" {
				vote = pipeline.VoteClosed
			}
		case errors.Is(err, repo.ErrNotFound):
		default:
			return "", err
		}
	}
	return pipeline.DeriveStatus(p.Published(), stages, vote), nil
}

// rootGrants enumerates principals per participant role and dedupes them,
// keeping the strongest level queued first.
func (pj Projector) rootGrants(documentID string, p domain.Proposal, stages []domain.EvaluationStage, status domain.Status) []domain.Grant {
	var grants []domain.Grant
	queued := map[string]int{}

	add := func(g domain.Grant) {
		key := principalKey(g)
		g.ID = uuid.NewString()
		g.DocumentID = documentID
		if at, ok := queued[key]; ok {
			if domain.LevelRank(grants[at].Level) >= domain.LevelRank(g.Level) {
				return
			}
			grants[at] = g
			return
		}
		queued[key] = len(grants)
		grants = append(grants, g)
	}

	if level := pj.Config.PolicyLevel(status, "author"); level != nil {
		for _, author := range authors(p) {
			a := author
			add(domain.Grant{Level: *level, UserID: &a})
		}
	}
	if level := pj.Config.PolicyLevel(status, "reviewer"); level != nil {
		for _, rev := range reviewers(stages) {
			g := domain.Grant{Level: *level, UserID: rev.UserID, RoleID: rev.RoleID, SpaceWide: rev.SpaceWide}
			add(g)
		}
	}
	if level := pj.Config.PolicyLevel(status, "community"); level != nil {
		add(domain.Grant{Level: *level, SpaceWide: true})
	}
	return grants
}

func authors(p domain.Proposal) []string {
	out := []string{p.CreatedBy}
	for _, a := range p.AuthorIDs {
		if a != p.CreatedBy {
			out = append(out, a)
		}
	}
	return out
}

// reviewers returns the current stage's reviewer entries; when the pipeline
// is complete, the union across all stages.
func reviewers(stages []domain.EvaluationStage) []domain.Reviewer {
	if cur := pipeline.CurrentStage(stages); cur != nil {
		return cur.Reviewers
	}
	var out []domain.Reviewer
	for _, s := range stages {
		out = append(out, s.Reviewers...)
	}
	return out
}

func principalKey(g domain.Grant) string {
	switch {
	case g.UserID != nil:
		return "u:" + *g.UserID
	case g.RoleID != nil:
		return "r:" + *g.RoleID
	case g.SpaceWide:
		return "space"
	}
	return fmt.Sprintf("g:%s", g.ID)
}

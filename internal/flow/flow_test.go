package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
	"agora/internal/repo"
)

func TestComputeUnauthenticated(t *testing.T) {
	flags := Compute(Input{Status: domain.StatusDiscussion, IsAuthor: true, HasReviewers: true})
	for status, ok := range flags {
		assert.False(t, ok, "status %s", status)
	}
}

func TestComputeTable(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want map[domain.Status]bool
	}{
		{
			"draft author with reviewers",
			Input{Status: domain.StatusDraft, Authenticated: true, IsAuthor: true, HasReviewers: true},
			map[domain.Status]bool{domain.StatusDiscussion: true},
		},
		{
			"draft author no reviewers",
			Input{Status: domain.StatusDraft, Authenticated: true, IsAuthor: true},
			map[domain.Status]bool{},
		},
		{
			"draft stranger",
			Input{Status: domain.StatusDraft, Authenticated: true, HasReviewers: true},
			map[domain.Status]bool{},
		},
		{
			"discussion author with reviewers",
			Input{Status: domain.StatusDiscussion, Authenticated: true, IsAuthor: true, HasReviewers: true},
			map[domain.Status]bool{domain.StatusDraft: true, domain.StatusReview: true},
		},
		{
			"discussion author no reviewers",
			Input{Status: domain.StatusDiscussion, Authenticated: true, IsAuthor: true},
			map[domain.Status]bool{domain.StatusDraft: true},
		},
		{
			"review with review capability",
			Input{Status: domain.StatusReview, Authenticated: true, CanReview: true},
			map[domain.Status]bool{domain.StatusReviewed: true},
		},
		{
			"review admin gets both",
			Input{Status: domain.StatusReview, Authenticated: true, IsAdmin: true},
			map[domain.Status]bool{domain.StatusReviewed: true, domain.StatusDiscussion: true},
		},
		{
			"review author reverts only",
			Input{Status: domain.StatusReview, Authenticated: true, IsAuthor: true},
			map[domain.Status]bool{domain.StatusDiscussion: true},
		},
		{
			"reviewed with vote capability",
			Input{Status: domain.StatusReviewed, Authenticated: true, CanCreateVote: true},
			map[domain.Status]bool{domain.StatusVoteActive: true},
		},
		{
			"reviewed without vote capability",
			Input{Status: domain.StatusReviewed, Authenticated: true, IsAuthor: true},
			map[domain.Status]bool{},
		},
		{
			"vote_active terminal",
			Input{Status: domain.StatusVoteActive, Authenticated: true, IsAuthor: true, IsAdmin: true, CanReview: true, CanCreateVote: true},
			map[domain.Status]bool{},
		},
		{
			"complete terminal",
			Input{Status: domain.StatusComplete, Authenticated: true, IsAdmin: true},
			map[domain.Status]bool{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.in)
			for status, ok := range got {
				assert.Equal(t, tc.want[status], ok, "status %s", status)
			}
		})
	}
}

// No input combination may produce a flag that skips pipeline order.
func TestNoOrderSkip(t *testing.T) {
	bools := []bool{false, true}
	for _, author := range bools {
		for _, admin := range bools {
			for _, reviewers := range bools {
				for _, canReview := range bools {
					for _, canVote := range bools {
						in := Input{
							Status: domain.StatusDraft, Authenticated: true,
							IsAuthor: author, IsAdmin: admin, HasReviewers: reviewers,
							CanReview: canReview, CanCreateVote: canVote,
						}
						flags := Compute(in)
						assert.False(t, flags[domain.StatusReviewed], "draft must never flag reviewed: %+v", in)
						assert.False(t, flags[domain.StatusVoteActive], "draft must never flag vote_active: %+v", in)
					}
				}
			}
		}
	}
}

type fakeStore struct {
	proposal  domain.Proposal
	stages    []domain.EvaluationStage
	reviewers bool
	admin     bool
	vote      *domain.Vote
}

func (f *fakeStore) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return f.proposal, nil
}
func (f *fakeStore) ListStages(ctx context.Context, proposalID string) ([]domain.EvaluationStage, error) {
	return f.stages, nil
}
func (f *fakeStore) HasReviewers(ctx context.Context, proposalID string) (bool, error) {
	return f.reviewers, nil
}
func (f *fakeStore) IsSpaceAdmin(ctx context.Context, spaceID, userID string) (bool, error) {
	return f.admin, nil
}
func (f *fakeStore) GetVoteByEvaluation(ctx context.Context, evaluationID string) (domain.Vote, error) {
	if f.vote == nil {
		return domain.Vote{}, repo.ErrNotFound
	}
	return *f.vote, nil
}

type fakePolicy struct {
	review bool
	vote   bool
}

func (f fakePolicy) CanReview(ctx context.Context, viewerID, proposalID string) (bool, error) {
	return f.review, nil
}
func (f fakePolicy) CanCreateVote(ctx context.Context, viewerID, proposalID string) (bool, error) {
	return f.vote, nil
}

// Adding a reviewer flips the discussion-to-review flag for the author.
func TestReviewFlagNeedsReviewers(t *testing.T) {
	now := "2026-01-02T03:04:05Z"
	store := &fakeStore{
		proposal: domain.Proposal{ID: "p1", SpaceID: "sp1", CreatedBy: "alice", PublishedAt: &now},
		stages:   []domain.EvaluationStage{{ID: "s0", Index: 0, Type: domain.StageFeedback}},
	}
	c := Computer{Store: store, Policy: fakePolicy{}}

	flags, err := c.Flags(context.Background(), "p1", "alice")
	require.NoError(t, err)
	assert.False(t, flags[domain.StatusReview])
	assert.True(t, flags[domain.StatusDraft])

	store.reviewers = true
	flags, err = c.Flags(context.Background(), "p1", "alice")
	require.NoError(t, err)
	assert.True(t, flags[domain.StatusReview])
}

func TestFlagsUnauthenticated(t *testing.T) {
	c := Computer{Store: &fakeStore{}, Policy: fakePolicy{review: true, vote: true}}
	flags, err := c.Flags(context.Background(), "p1", "")
	require.NoError(t, err)
	for status, ok := range flags {
		assert.False(t, ok, "status %s", status)
	}
}

// A vote stage with an open vote yields vote_active, which has no outgoing
// flags for anyone.
func TestOpenVoteIsTerminal(t *testing.T) {
	now := "2026-01-02T03:04:05Z"
	store := &fakeStore{
		proposal: domain.Proposal{ID: "p1", SpaceID: "sp1", CreatedBy: "alice", PublishedAt: &now},
		stages: []domain.EvaluationStage{
			{ID: "s0", Index: 0, Type: domain.StagePassFail, Result: ptr(domain.ResultPass)},
			{ID: "s1", Index: 1, Type: domain.StageVote},
		},
		admin: true,
		vote:  &domain.Vote{ID: "v1", EvaluationID: "s1", Status: "open"},
	}
	c := Computer{Store: store, Policy: fakePolicy{review: true, vote: true}}
	flags, err := c.Flags(context.Background(), "p1", "alice")
	require.NoError(t, err)
	for status, ok := range flags {
		assert.False(t, ok, "status %s", status)
	}
}

func ptr(s string) *string { return &s }

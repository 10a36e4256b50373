package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"agora/internal/domain"
	"agora/internal/pipeline"
	"agora/internal/repo"
)

type fixture struct {
	memberships []repo.Membership
	catErr      map[string]error
	categories  map[string][]domain.CategoryAccess
	proposals   []domain.Proposal
	stages      map[string][]domain.EvaluationStage
	documents   map[string]domain.Document
	spaces      map[string]domain.Space
	votes       map[string]domain.Vote
}

func (f *fixture) SpacesOf(ctx context.Context, userID string) ([]repo.Membership, error) {
	return f.memberships, nil
}

func (f *fixture) VisibleCategories(ctx context.Context, spaceID, viewerID string) ([]domain.CategoryAccess, error) {
	if err := f.catErr[spaceID]; err != nil {
		return nil, err
	}
	return f.categories[spaceID], nil
}

func (f *fixture) ListProposalsByDocuments(ctx context.Context, documentIDs, spaceIDs []string) ([]domain.Proposal, error) {
	spaceSet := map[string]bool{}
	for _, id := range spaceIDs {
		spaceSet[id] = true
	}
	var out []domain.Proposal
	for _, p := range f.proposals {
		if !p.Archived && spaceSet[p.SpaceID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fixture) ListStages(ctx context.Context, proposalID string) ([]domain.EvaluationStage, error) {
	return f.stages[proposalID], nil
}

func (f *fixture) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, ok := f.documents[id]
	if !ok {
		return d, repo.ErrNotFound
	}
	return d, nil
}

func (f *fixture) GetDocumentByProposal(ctx context.Context, proposalID string) (domain.Document, error) {
	for _, d := range f.documents {
		if d.ProposalID != nil && *d.ProposalID == proposalID {
			return d, nil
		}
	}
	return domain.Document{}, repo.ErrNotFound
}

func (f *fixture) GetSpace(ctx context.Context, id string) (domain.Space, error) {
	s, ok := f.spaces[id]
	if !ok {
		return s, repo.ErrNotFound
	}
	return s, nil
}

func (f *fixture) GetVoteByEvaluation(ctx context.Context, evaluationID string) (domain.Vote, error) {
	v, ok := f.votes[evaluationID]
	if !ok {
		return v, repo.ErrNotFound
	}
	return v, nil
}

func strPtr(s string) *string { return &s }

// newFixture builds one space with one published proposal, authored by
// alice, sitting in a pass_fail stage reviewed by bob.
func newFixture() *fixture {
	pub := "2026-01-01T00:00:00Z"
	pID := "p1"
	return &fixture{
		memberships: []repo.Membership{{SpaceID: "sp1", Paid: true}},
		categories:  map[string][]domain.CategoryAccess{"sp1": {{CategoryID: "cat1", Comment: true, Vote: true}}},
		proposals: []domain.Proposal{{
			ID: pID, SpaceID: "sp1", CreatedBy: "alice", CategoryID: strPtr("cat1"),
			PublishedAt: &pub, CreatedAt: pub, Fields: domain.ProposalFields{Version: 1},
		}},
		stages: map[string][]domain.EvaluationStage{pID: {
			{ID: "s0", ProposalID: pID, Index: 0, Type: domain.StageFeedback, Result: strPtr(domain.ResultPass)},
			{ID: "s1", ProposalID: pID, Index: 1, Type: domain.StagePassFail, Reviewers: []domain.Reviewer{{UserID: strPtr("bob")}}},
		}},
		documents: map[string]domain.Document{
			"d1": {ID: "d1", SpaceID: "sp1", ProposalID: &pID, Path: "/p1", Title: "Fund the relay", CreatedAt: pub},
		},
		spaces: map[string]domain.Space{
			"sp1": {ID: "sp1", Name: "Relay", Domain: "relay.example", Paid: true, CreatedAt: pub},
		},
		votes:  map[string]domain.Vote{},
		catErr: map[string]error{},
	}
}

func gen(f *fixture) Generator {
	return Generator{
		Store:      f,
		Directory:  f,
		Categories: f,
		Limiter:    rate.NewLimiter(rate.Inf, 1),
		Workers:    2,
	}
}

func event(id int64, docID, newStatus string) domain.WorkspaceEvent {
	return domain.WorkspaceEvent{
		ID: id, Type: domain.EventStatusChanged, SpaceID: "sp1", ProposalID: "p1",
		DocumentID: docID, ActorID: "carol",
		Meta:      domain.EventMeta{NewStatus: newStatus},
		CreatedAt: "2026-01-02T00:00:0" + string(rune('0'+id%10)) + "Z",
	}
}

// Repeated transitions for one document collapse into a single task; every
// superseded event id comes back as consumed.
func TestDedupPerDocument(t *testing.T) {
	f := newFixture()
	g := gen(f)

	events := []domain.WorkspaceEvent{
		event(1, "d1", "discussion"),
		event(2, "d1", "discussion"),
		event(3, "d1", "review"),
	}
	res, err := g.TasksFor(context.Background(), "bob", events)
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, int64(3), res.Tasks[0].EventID)
	assert.ElementsMatch(t, []int64{1, 2}, res.ConsumedEventIDs)
}

func TestReviewerGetsReviewTask(t *testing.T) {
	f := newFixture()
	g := gen(f)

	res, err := g.TasksFor(context.Background(), "bob", []domain.WorkspaceEvent{event(1, "d1", "review")})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	task := res.Tasks[0]
	assert.Equal(t, pipeline.ActionReview, task.Action)
	assert.Equal(t, "Fund the relay", task.DocumentTitle)
	assert.Equal(t, "/p1", task.DocumentPath)
	assert.Equal(t, "relay.example", task.SpaceDomain)
	assert.Equal(t, "Relay", task.SpaceName)
	assert.Equal(t, "carol", task.ActorID)
}

func TestDraftTransitionsSkipped(t *testing.T) {
	f := newFixture()
	g := gen(f)

	res, err := g.TasksFor(context.Background(), "bob", []domain.WorkspaceEvent{event(1, "d1", "draft")})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
}

// Capability gating: a member whose category denies commenting gets no
// discuss task for a feedback stage.
func TestCommentCapabilityGate(t *testing.T) {
	f := newFixture()
	f.stages["p1"] = []domain.EvaluationStage{
		{ID: "s0", ProposalID: "p1", Index: 0, Type: domain.StageFeedback},
	}
	f.categories["sp1"] = []domain.CategoryAccess{{CategoryID: "cat1", Comment: false, Vote: false}}
	g := gen(f)

	res, err := g.TasksFor(context.Background(), "dave", []domain.WorkspaceEvent{event(1, "d1", "discussion")})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)

	f.categories["sp1"] = []domain.CategoryAccess{{CategoryID: "cat1", Comment: true, Vote: false}}
	res, err = g.TasksFor(context.Background(), "dave", []domain.WorkspaceEvent{event(1, "d1", "discussion")})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, pipeline.ActionDiscuss, res.Tasks[0].Action)
}

func TestVoteCapabilityGate(t *testing.T) {
	f := newFixture()
	f.stages["p1"] = []domain.EvaluationStage{
		{ID: "s0", ProposalID: "p1", Index: 0, Type: domain.StagePassFail, Result: strPtr(domain.ResultPass)},
		{ID: "s1", ProposalID: "p1", Index: 1, Type: domain.StageVote},
	}
	f.votes["s1"] = domain.Vote{ID: "v1", EvaluationID: "s1", Status: "open"}
	f.categories["sp1"] = []domain.CategoryAccess{{CategoryID: "cat1", Comment: true, Vote: false}}
	g := gen(f)

	res, err := g.TasksFor(context.Background(), "dave", []domain.WorkspaceEvent{event(1, "d1", "vote_active")})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)

	f.categories["sp1"] = []domain.CategoryAccess{{CategoryID: "cat1", Comment: true, Vote: true}}
	res, err = g.TasksFor(context.Background(), "dave", []domain.WorkspaceEvent{event(1, "d1", "vote_active")})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, pipeline.ActionVote, res.Tasks[0].Action)
}

// One space's category lookup failing drops that space's proposals and
// nothing else.
func TestFailedSpaceOmitted(t *testing.T) {
	f := newFixture()
	pub := "2026-01-01T00:00:00Z"
	p2 := "p2"
	f.memberships = append(f.memberships, repo.Membership{SpaceID: "sp2", Paid: true})
	f.catErr["sp2"] = errors.New("policy service timeout")
	f.proposals = append(f.proposals, domain.Proposal{
		ID: p2, SpaceID: "sp2", CreatedBy: "alice", CategoryID: strPtr("cat2"),
		PublishedAt: &pub, CreatedAt: pub,
	})
	f.stages[p2] = []domain.EvaluationStage{
		{ID: "s2", ProposalID: p2, Index: 0, Type: domain.StagePassFail, Reviewers: []domain.Reviewer{{UserID: strPtr("bob")}}},
	}
	f.documents["d2"] = domain.Document{ID: "d2", SpaceID: "sp2", ProposalID: &p2, Path: "/p2", Title: "other", CreatedAt: pub}
	f.spaces["sp2"] = domain.Space{ID: "sp2", Name: "Other", Domain: "other.example", CreatedAt: pub}
	g := gen(f)

	res, err := g.TasksFor(context.Background(), "bob", []domain.WorkspaceEvent{
		event(1, "d1", "review"),
		{ID: 2, Type: domain.EventStatusChanged, SpaceID: "sp2", ProposalID: p2, DocumentID: "d2", ActorID: "carol",
			Meta: domain.EventMeta{NewStatus: "review"}, CreatedAt: "2026-01-02T00:00:02Z"},
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "p1", res.Tasks[0].ProposalID)
}

// Proposals outside the visible category set stay hidden unless the user is
// author or reviewer.
func TestInvisibleCategoryHidden(t *testing.T) {
	f := newFixture()
	f.categories["sp1"] = nil
	g := gen(f)

	res, err := g.TasksFor(context.Background(), "dave", []domain.WorkspaceEvent{event(1, "d1", "review")})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)

	// the assigned reviewer still sees it
	res, err = g.TasksFor(context.Background(), "bob", []domain.WorkspaceEvent{event(1, "d1", "review")})
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 1)
}

func TestNoEventsNoWork(t *testing.T) {
	g := gen(newFixture())
	res, err := g.TasksFor(context.Background(), "bob", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
	assert.Empty(t, res.ConsumedEventIDs)
}

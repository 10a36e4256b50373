package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

func pass() *string { s := domain.ResultPass; return &s }
func fail() *string { s := domain.ResultFail; return &s }

func stage(idx int, typ string, result *string) domain.EvaluationStage {
	return domain.EvaluationStage{ID: "s" + typ, Index: idx, Type: typ, Result: result}
}

func TestCurrentStage(t *testing.T) {
	t.Run("first undecided wins", func(t *testing.T) {
		stages := []domain.EvaluationStage{
			stage(0, domain.StageFeedback, pass()),
			stage(1, domain.StageRubric, nil),
			stage(2, domain.StageVote, nil),
		}
		cur := CurrentStage(stages)
		require.NotNil(t, cur)
		assert.Equal(t, 1, cur.Index)
	})

	t.Run("unsorted input", func(t *testing.T) {
		stages := []domain.EvaluationStage{
			stage(2, domain.StageVote, nil),
			stage(0, domain.StageFeedback, pass()),
			stage(1, domain.StagePassFail, nil),
		}
		cur := CurrentStage(stages)
		require.NotNil(t, cur)
		assert.Equal(t, 1, cur.Index)
	})

	t.Run("all decided means complete", func(t *testing.T) {
		stages := []domain.EvaluationStage{
			stage(0, domain.StageFeedback, pass()),
			stage(1, domain.StagePassFail, pass()),
		}
		assert.Nil(t, CurrentStage(stages))
		assert.True(t, Complete(stages))
	})

	t.Run("empty pipeline is not complete", func(t *testing.T) {
		assert.Nil(t, CurrentStage(nil))
		assert.False(t, Complete(nil))
	})
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name      string
		published bool
		stages    []domain.EvaluationStage
		vote      VoteState
		want      domain.Status
	}{
		{"unpublished", false, []domain.EvaluationStage{stage(0, domain.StageFeedback, nil)}, VoteNone, domain.StatusDraft},
		{"feedback current", true, []domain.EvaluationStage{stage(0, domain.StageFeedback, nil)}, VoteNone, domain.StatusDiscussion},
		{"rubric current", true, []domain.EvaluationStage{stage(0, domain.StageFeedback, pass()), stage(1, domain.StageRubric, nil)}, VoteNone, domain.StatusReview},
		{"pass_fail current", true, []domain.EvaluationStage{stage(0, domain.StagePassFail, nil)}, VoteNone, domain.StatusReview},
		{"vote stage no vote yet", true, []domain.EvaluationStage{stage(0, domain.StagePassFail, pass()), stage(1, domain.StageVote, nil)}, VoteNone, domain.StatusReviewed},
		{"vote stage open vote", true, []domain.EvaluationStage{stage(0, domain.StagePassFail, pass()), stage(1, domain.StageVote, nil)}, VoteOpen, domain.StatusVoteActive},
		{"vote stage closed vote", true, []domain.EvaluationStage{stage(0, domain.StagePassFail, pass()), stage(1, domain.StageVote, nil)}, VoteClosed, domain.StatusVoteClosed},
		{"all decided", true, []domain.EvaluationStage{stage(0, domain.StageFeedback, pass())}, VoteNone, domain.StatusComplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.published, tc.stages, tc.vote))
		})
	}
}

func TestStatusLabel(t *testing.T) {
	done := []domain.EvaluationStage{stage(0, domain.StagePassFail, pass())}

	assert.Equal(t, "draft", StatusLabel(false, done, domain.ProposalFields{}))
	assert.Equal(t, "pass_fail", StatusLabel(true, []domain.EvaluationStage{stage(0, domain.StagePassFail, nil)}, domain.ProposalFields{}))
	assert.Equal(t, "complete", StatusLabel(true, done, domain.ProposalFields{}))
	assert.Equal(t, "rewards_pending", StatusLabel(true, done, domain.ProposalFields{PendingRewards: []domain.PendingReward{{DraftID: "d1"}}}))
	assert.Equal(t, "rewards_published", StatusLabel(true, done, domain.ProposalFields{RewardIDs: []string{"r1"}}))
}

func TestResolveAction(t *testing.T) {
	author := RoleFlags{IsAuthor: true}
	reviewer := RoleFlags{IsReviewer: true}
	voter := RoleFlags{IsVoter: true}
	commenter := RoleFlags{CanComment: true}

	cases := []struct {
		name  string
		view  View
		flags RoleFlags
		want  string
	}{
		{"no stages", View{}, author, ""},
		{
			"reward published beats everything",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StagePassFail, pass())}, HasPublishedRewards: true},
			author, ActionRewardPublished,
		},
		{
			"reward published not author",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StagePassFail, pass())}, HasPublishedRewards: true},
			reviewer, "",
		},
		{
			"pipeline complete last passed",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, pass()), stage(1, domain.StagePassFail, pass())}},
			author, ActionPassed,
		},
		{
			"pipeline complete last failed",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, pass()), stage(1, domain.StagePassFail, fail())}},
			author, ActionFailed,
		},
		{
			"previous stage failed",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StagePassFail, fail()), stage(1, domain.StageVote, nil)}},
			author, ActionFailed,
		},
		{
			"feedback current commenter",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, nil)}},
			commenter, ActionDiscuss,
		},
		{
			"feedback current no comment capability",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, nil)}},
			RoleFlags{}, "",
		},
		{
			"open vote for voter",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StagePassFail, pass()), stage(1, domain.StageVote, nil)}, VoteOpen: true},
			voter, ActionVote,
		},
		{
			"vote not open yet",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageVote, nil)}},
			voter, "",
		},
		{
			"rubric current reviewer",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, pass()), stage(1, domain.StageRubric, nil)}},
			reviewer, ActionReview,
		},
		{
			"pass_fail current reviewer",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StagePassFail, nil)}},
			reviewer, ActionReview,
		},
		{
			"vote passed for voter",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageVote, pass()), stage(1, domain.StagePassFail, nil)}},
			voter, ActionVotePassed,
		},
		{
			"vote passed for author",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageVote, pass()), stage(1, domain.StagePassFail, nil)}},
			author, ActionVotePassed,
		},
		{
			"step passed for author",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, pass()), stage(1, domain.StageVote, nil)}},
			author, ActionStepPassed,
		},
		{
			"step passed needs author",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageFeedback, pass()), stage(1, domain.StageVote, nil)}},
			voter, "",
		},
		{
			"no relation no action",
			View{Stages: []domain.EvaluationStage{stage(0, domain.StageRubric, nil)}},
			RoleFlags{}, "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveAction(tc.view, tc.flags))
		})
	}
}

// The admin reviewer on the second stage of a half-decided pipeline sees a
// review action.
func TestReviewHandoff(t *testing.T) {
	stages := []domain.EvaluationStage{
		stage(0, domain.StageFeedback, pass()),
		{ID: "s1", Index: 1, Type: domain.StageRubric, Reviewers: []domain.Reviewer{{SpaceWide: true}}},
	}
	cur := CurrentStage(stages)
	require.NotNil(t, cur)
	assert.Equal(t, 1, cur.Index)
	assert.Equal(t, ActionReview, ResolveAction(View{Stages: stages}, RoleFlags{IsReviewer: true}))
}

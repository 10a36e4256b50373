// Package pipeline holds the pure pipeline calculus: current-stage
// resolution, status derivation and the viewer action table. No I/O.
package pipeline

import (
	"sort"

	"agora/internal/domain"
)

// CurrentStage returns the first stage, by index, with no decided result.
// Nil means the pipeline is complete (or empty).
func CurrentStage(stages []domain.EvaluationStage) *domain.EvaluationStage {
	ordered := Sorted(stages)
	for i := range ordered {
		if !ordered[i].Decided() {
			return &ordered[i]
		}
	}
	return nil
}

// Sorted returns a copy of stages ordered by index.
func Sorted(stages []domain.EvaluationStage) []domain.EvaluationStage {
	out := make([]domain.EvaluationStage, len(stages))
	copy(out, stages)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Complete reports whether every stage has a decided result.
func Complete(stages []domain.EvaluationStage) bool {
	return len(stages) > 0 && CurrentStage(stages) == nil
}

// VoteState is what the status derivation needs to know about the current
// stage's vote resource, if any.
type VoteState int

const (
	VoteNone VoteState = iota
	VoteOpen
	VoteClosed
)

// DeriveStatus collapses the pipeline into the coarse lifecycle status.
// The status is never stored; it is recomputed from live stage data.
func DeriveStatus(published bool, stages []domain.EvaluationStage, vote VoteState) domain.Status {
	if !published {
		return domain.StatusDraft
	}
	cur := CurrentStage(stages)
	if cur == nil {
		return domain.StatusComplete
	}
	switch cur.Type {
	case domain.StageFeedback:
		return domain.StatusDiscussion
	case domain.StageRubric, domain.StagePassFail:
		return domain.StatusReview
	case domain.StageVote:
		switch vote {
		case VoteOpen:
			return domain.StatusVoteActive
		case VoteClosed:
			return domain.StatusVoteClosed
		}
		return domain.StatusReviewed
	}
	return domain.StatusDiscussion
}

// StatusLabel is the display phase of a proposal. Unlike DeriveStatus it
// also accounts for the reward phase after the pipeline completes: pending
// rewards and published rewards each get their own label.
func StatusLabel(published bool, stages []domain.EvaluationStage, fields domain.ProposalFields) string {
	if !published {
		return string(domain.StatusDraft)
	}
	if fields.HasPublishedRewards() {
		return "rewards_published"
	}
	if fields.HasPendingRewards() {
		return "rewards_pending"
	}
	if cur := CurrentStage(stages); cur != nil {
		return cur.Type
	}
	return string(domain.StatusComplete)
}

// View is the read-only projection of a proposal the action resolver works
// on. VoteOpen refers to the current stage's vote resource.
type View struct {
	Stages              []domain.EvaluationStage
	HasPendingRewards   bool
	HasPublishedRewards bool
	VoteOpen            bool
}

// RoleFlags describes the viewer's relationship to the proposal.
type RoleFlags struct {
	IsAuthor   bool
	IsReviewer bool
	IsVoter    bool
	CanComment bool
}

// Viewer action tags. Empty string means no action applies.
const (
	ActionRewardPublished = "reward_published"
	ActionPassed          = "passed"
	ActionFailed          = "failed"
	ActionDiscuss         = "discuss"
	ActionVote            = "vote"
	ActionReview          = "review"
	ActionVotePassed      = "vote_passed"
	ActionStepPassed      = "step_passed"
)

func reviewable(stageType string) bool {
	return stageType == domain.StagePassFail || stageType == domain.StageRubric
}

// ResolveAction picks the single most relevant action for a viewer, first
// match wins. Pure; exhaustively covered by table tests.
func ResolveAction(v View, flags RoleFlags) string {
	stages := Sorted(v.Stages)
	if len(stages) == 0 {
		return ""
	}
	if v.HasPublishedRewards && flags.IsAuthor {
		return ActionRewardPublished
	}
	cur := CurrentStage(stages)
	if cur == nil && !v.HasPendingRewards && !v.HasPublishedRewards &&
		*stages[len(stages)-1].Result == domain.ResultPass && flags.IsAuthor {
		return ActionPassed
	}
	// prev is the most recently decided stage before the current one, or the
	// final stage when the pipeline is complete.
	var prev *domain.EvaluationStage
	if cur == nil {
		prev = &stages[len(stages)-1]
	} else if cur.Index > 0 {
		for i := range stages {
			if stages[i].Index == cur.Index-1 {
				prev = &stages[i]
				break
			}
		}
	}
	if prev != nil && prev.Decided() && *prev.Result == domain.ResultFail && flags.IsAuthor {
		return ActionFailed
	}
	if cur != nil {
		switch {
		case cur.Type == domain.StageFeedback && flags.CanComment:
			return ActionDiscuss
		case cur.Type == domain.StageVote && v.VoteOpen && flags.IsVoter:
			return ActionVote
		case reviewable(cur.Type) && flags.IsReviewer:
			return ActionReview
		}
	}
	if prev != nil && prev.Decided() && *prev.Result == domain.ResultPass {
		if prev.Type == domain.StageVote && (flags.IsAuthor || flags.IsVoter) {
			return ActionVotePassed
		}
		if flags.IsAuthor {
			return ActionStepPassed
		}
	}
	return ""
}

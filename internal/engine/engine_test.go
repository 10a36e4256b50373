package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/migrate"
	"agora/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("space-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitSpace(ctx, "space-1", "Test Space", "test.example", "admin"); err != nil {
		t.Fatalf("init space: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func threeStagePipeline() []engine.StageSpec {
	return []engine.StageSpec{
		{Index: 0, Type: domain.StageFeedback, Title: "Discussion"},
		{Index: 1, Type: domain.StagePassFail, Title: "Screening", Reviewers: []domain.Reviewer{{UserID: strPtr("reviewer-1")}}},
		{Index: 2, Type: domain.StageVote, Title: "Final vote", Vote: &domain.VoteSettings{Options: []string{"Yes", "No"}, DurationDays: 3, Threshold: 50}},
	}
}

func strPtr(s string) *string { return &s }

func createProposal(t *testing.T, env testEnv) domain.Proposal {
	t.Helper()
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "space-1",
		Title:   "Fund the relay",
		Stages:  threeStagePipeline(),
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if p, err = env.Engine.PublishProposal(env.Ctx, p.ID, "admin"); err != nil {
		t.Fatalf("publish proposal: %v", err)
	}
	return p
}

func TestCreateProposalValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{SpaceID: "space-1", ActorID: "admin"})
	if engine.KindOf(err) != engine.KindInvalidInput {
		t.Fatalf("expected invalid_input for missing title, got %v", err)
	}
	_, err = env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "space-1", Title: "gap", ActorID: "admin",
		Stages: []engine.StageSpec{{Index: 0, Type: domain.StageFeedback}, {Index: 2, Type: domain.StageVote}},
	})
	if engine.KindOf(err) != engine.KindInvalidInput {
		t.Fatalf("expected invalid_input for index gap, got %v", err)
	}
	_, err = env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "missing", Title: "nowhere", ActorID: "admin",
	})
	if engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("expected not_found for missing space, got %v", err)
	}
}

func TestStatusFollowsPipeline(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "space-1",
		Title:   "Fund the relay",
		Stages:  threeStagePipeline(),
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	status, err := env.Engine.Status(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.StatusDraft {
		t.Fatalf("unpublished proposal should be draft, got %s", status)
	}

	if _, err := env.Engine.PublishProposal(env.Ctx, p.ID, "admin"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	status, _ = env.Engine.Status(env.Ctx, p.ID)
	if status != domain.StatusDiscussion {
		t.Fatalf("feedback stage should read as discussion, got %s", status)
	}

	stages, err := env.Engine.Repo.ListStages(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	}); err != nil {
		t.Fatalf("submit feedback pass: %v", err)
	}
	status, _ = env.Engine.Status(env.Ctx, p.ID)
	if status != domain.StatusReview {
		t.Fatalf("pass_fail stage should read as review, got %s", status)
	}
}

func TestSubmitResultValidation(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: "maybe", DecidedBy: "admin",
	})
	if engine.KindOf(err) != engine.KindInvalidInput {
		t.Fatalf("expected invalid_input for bad result, got %v", err)
	}
	err = env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: "nope", StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	})
	if engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("expected not_found for missing proposal, got %v", err)
	}
	err = env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "stranger",
	})
	if engine.KindOf(err) != engine.KindUnauthorized {
		t.Fatalf("expected unauthorized for stranger, got %v", err)
	}
}

func TestSubmitResultIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	opts := engine.SubmitOptions{ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin"}
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// same result again is a no-op success
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	// a different result is rejected
	opts.Result = domain.ResultFail
	err := env.Engine.SubmitResult(env.Ctx, opts)
	if engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid_state for contradictory result, got %v", err)
	}
}

// Stages decide strictly in pipeline order: a later stage cannot be decided
// while an earlier one is still open, so a vote stage can never be passed
// without its vote having been created.
func TestSubmitResultEnforcesStageOrder(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	for _, later := range []string{stages[1].ID, stages[2].ID} {
		err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
			ProposalID: p.ID, StageID: later, Result: domain.ResultPass, DecidedBy: "admin",
		})
		if engine.KindOf(err) != engine.KindInvalidState {
			t.Fatalf("expected invalid_state for non-current stage %s, got %v", later, err)
		}
	}
	got, _ := env.Engine.Repo.GetStage(env.Ctx, stages[2].ID)
	if got.Decided() {
		t.Fatalf("future stage must stay undecided: %+v", got)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM votes`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("skipped vote stage must not create a vote, got %d", count)
	}
	status, _ := env.Engine.Status(env.Ctx, p.ID)
	if status != domain.StatusDiscussion {
		t.Fatalf("rejected submits must not move status, got %s", status)
	}
}

func TestSubmitResultRequiresPublished(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "space-1", Title: "still drafting", Stages: threeStagePipeline(), ActorID: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)
	err = env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	})
	if engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid_state for draft proposal, got %v", err)
	}
}

// Passing into a non-external vote stage creates exactly one vote, with the
// stage's configured parameters, no matter how often the pass is repeated.
func TestVoteAutoCreatedOnce(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	opts := engine.SubmitOptions{ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin"}
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	opts.StageID = stages[1].ID
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}

	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM votes WHERE evaluation_id=?`, stages[2].ID)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one vote, got %d", count)
	}
	v, err := env.Engine.Repo.GetVoteByEvaluation(env.Ctx, stages[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Threshold != 50 || len(v.Options) != 2 || v.Options[0] != "Yes" {
		t.Fatalf("vote did not take stage settings: %+v", v)
	}
	deadline, _ := time.Parse(time.RFC3339, v.Deadline)
	if got := deadline.Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); got != 72*time.Hour {
		t.Fatalf("expected 3 day deadline, got %v", got)
	}

	status, _ := env.Engine.Status(env.Ctx, p.ID)
	if status != domain.StatusVoteActive {
		t.Fatalf("open vote should read as vote_active, got %s", status)
	}
}

func TestVoteNotCreatedOnFail(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	opts := engine.SubmitOptions{ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin"}
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	opts.StageID = stages[1].ID
	opts.Result = domain.ResultFail
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM votes`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("fail must not create a vote, got %d", count)
	}
	// audit event is still emitted
	row = env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE proposal_id=?`, p.ID)
	var events int
	if err := row.Scan(&events); err != nil {
		t.Fatal(err)
	}
	if events < 3 {
		t.Fatalf("expected create+2 submit events, got %d", events)
	}
}

func TestExternalVoteStageSkipsAutoCreate(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "space-1", Title: "external", ActorID: "admin",
		Stages: []engine.StageSpec{
			{Index: 0, Type: domain.StagePassFail, Reviewers: []domain.Reviewer{{SpaceWide: true}}},
			{Index: 1, Type: domain.StageVote, Vote: &domain.VoteSettings{External: true}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PublishProposal(env.Ctx, p.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)
	if err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	}); err != nil {
		t.Fatal(err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM votes`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("externally published vote stage must not auto-create, got %d", count)
	}
}

// The audit event for a submission records the decided stage as old and the
// newly current stage as new.
func TestSubmitEventStageIDs(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	if err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{SpaceIDs: []string{"space-1"}, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	meta := evts[0].Meta
	if meta.OldStageID == nil || *meta.OldStageID != stages[0].ID {
		t.Fatalf("old stage id wrong: %+v", meta)
	}
	if meta.NewStageID == nil || *meta.NewStageID != stages[1].ID {
		t.Fatalf("new stage id wrong: %+v", meta)
	}
	if evts[0].Type != domain.EventStatusChanged {
		t.Fatalf("unexpected event type %s", evts[0].Type)
	}
}

func TestArchivedProposalRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	if err := env.Engine.SetArchived(env.Ctx, p.ID, true, "admin"); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	})
	if engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid_state on archived proposal, got %v", err)
	}
	if _, err := env.Engine.PublishProposal(env.Ctx, p.ID, "admin"); engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid_state on publishing archived, got %v", err)
	}
}

func TestReviewerEditingLockedAfterDecision(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	if err := env.Engine.SubmitResult(env.Ctx, engine.SubmitOptions{
		ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin",
	}); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.UpdateStageReviewers(env.Ctx, p.ID, stages[0].ID, []domain.Reviewer{{SpaceWide: true}}, "admin")
	if engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid_state for decided stage, got %v", err)
	}
	// undecided stage still editable by the author, not by strangers
	if err := env.Engine.UpdateStageReviewers(env.Ctx, p.ID, stages[1].ID, []domain.Reviewer{{UserID: strPtr("reviewer-2")}}, "admin"); err != nil {
		t.Fatalf("admin edit: %v", err)
	}
	err = env.Engine.UpdateStageReviewers(env.Ctx, p.ID, stages[1].ID, nil, "stranger")
	if engine.KindOf(err) != engine.KindUnauthorized {
		t.Fatalf("expected unauthorized for stranger, got %v", err)
	}
}

func TestCloseVoteDecidesStage(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	opts := engine.SubmitOptions{ProposalID: p.ID, StageID: stages[0].ID, Result: domain.ResultPass, DecidedBy: "admin"}
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	opts.StageID = stages[1].ID
	if err := env.Engine.SubmitResult(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CloseVote(env.Ctx, stages[2].ID, "passed", "admin"); err != nil {
		t.Fatal(err)
	}
	status, _ := env.Engine.Status(env.Ctx, p.ID)
	if status != domain.StatusComplete {
		t.Fatalf("all stages decided, expected complete, got %s", status)
	}
	// closing again with the same outcome is a no-op
	if err := env.Engine.CloseVote(env.Ctx, stages[2].ID, "passed", "admin"); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.CloseVote(env.Ctx, stages[2].ID, "rejected", "admin")
	if engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid_state for contradictory close, got %v", err)
	}
}

func TestSubmitScoreBounds(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		SpaceID: "space-1", Title: "scored", ActorID: "admin",
		Stages: []engine.StageSpec{{
			Index: 0, Type: domain.StageRubric,
			Reviewers: []domain.Reviewer{{UserID: strPtr("reviewer-1")}},
			Rubric:    []domain.RubricCriterion{{Index: 0, Title: "Impact", Min: 1, Max: 5}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	stages, _ := env.Engine.Repo.ListStages(env.Ctx, p.ID)

	err = env.Engine.SubmitScore(env.Ctx, engine.ScoreOptions{
		ProposalID: p.ID, StageID: stages[0].ID, CriterionIndex: 0, Score: 9, ReviewerID: "reviewer-1",
	})
	if engine.KindOf(err) != engine.KindInvalidInput {
		t.Fatalf("expected invalid_input for out-of-range score, got %v", err)
	}
	err = env.Engine.SubmitScore(env.Ctx, engine.ScoreOptions{
		ProposalID: p.ID, StageID: stages[0].ID, CriterionIndex: 0, Score: 4, ReviewerID: "stranger",
	})
	if engine.KindOf(err) != engine.KindUnauthorized {
		t.Fatalf("expected unauthorized for non-reviewer, got %v", err)
	}
	if err := env.Engine.SubmitScore(env.Ctx, engine.ScoreOptions{
		ProposalID: p.ID, StageID: stages[0].ID, CriterionIndex: 0, Score: 4, Comment: "solid", ReviewerID: "reviewer-1",
	}); err != nil {
		t.Fatalf("valid score: %v", err)
	}
	// revising the same criterion keeps one row
	if err := env.Engine.SubmitScore(env.Ctx, engine.ScoreOptions{
		ProposalID: p.ID, StageID: stages[0].ID, CriterionIndex: 0, Score: 5, ReviewerID: "reviewer-1",
	}); err != nil {
		t.Fatal(err)
	}
	scores, err := env.Engine.Repo.ListScores(env.Ctx, stages[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 1 || scores[0].Score != 5 {
		t.Fatalf("expected one revised score, got %+v", scores)
	}
}

func TestAddAuthorRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	p := createProposal(t, env)

	err := env.Engine.AddAuthor(env.Ctx, p.ID, "outsider", "admin")
	if engine.KindOf(err) != engine.KindInvalidInput {
		t.Fatalf("expected invalid_input for non-member, got %v", err)
	}
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	tx, _ := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err := env.Engine.Repo.EnsureMember(env.Ctx, tx, "space-1", "coauthor", false, now); err != nil {
		t.Fatal(err)
	}
	tx.Commit()
	if err := env.Engine.AddAuthor(env.Ctx, p.ID, "coauthor", "admin"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	found := false
	for _, a := range got.AuthorIDs {
		if a == "coauthor" {
			found = true
		}
	}
	if !found {
		t.Fatalf("coauthor not recorded: %+v", got.AuthorIDs)
	}
}

func TestErrorKinds(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PublishProposal(env.Ctx, "missing", "admin")
	if engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	var e *engine.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *engine.Error, got %T", err)
	}
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"agora/internal/config"
	"agora/internal/domain"
	"agora/internal/engine/policy"
	"agora/internal/engine/projector"
	"agora/internal/events"
	"agora/internal/flow"
	"agora/internal/pipeline"
	"agora/internal/repo"
)

// Engine executes the proposal lifecycle: creation, publishing, result
// submission with vote auto-creation, reviewer management and permission
// projection. Every mutation runs in one transaction with its audit event
// and grant recomputation.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Policy    policy.Service
	Projector projector.Projector
	Flow      flow.Computer
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	pol := policy.Service{DB: db, Repo: r}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Policy:    pol,
		Projector: projector.Projector{Repo: r, Config: cfg},
		Flow:      flow.Computer{Store: r, Policy: pol},
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitSpace creates a space with the acting user as admin and seeds the
// default policy configuration.
func (e Engine) InitSpace(ctx context.Context, spaceID, name, domainName, actorID string) (domain.Space, error) {
	if spaceID == "" || name == "" {
		return domain.Space{}, invalidInput("space id and name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Space{}, err
	}
	defer tx.Rollback()

	s := domain.Space{ID: spaceID, Name: name, Domain: domainName, CreatedAt: e.nowStr()}
	if err := e.Repo.InsertSpace(ctx, tx, s); err != nil {
		return domain.Space{}, err
	}
	if err := e.Repo.EnsureMember(ctx, tx, spaceID, actorID, true, s.CreatedAt); err != nil {
		return domain.Space{}, err
	}
	raw, err := json.Marshal(config.Default(spaceID))
	if err != nil {
		return domain.Space{}, err
	}
	if err := e.Repo.UpsertSpaceConfig(ctx, tx, spaceID, string(raw), s.CreatedAt); err != nil {
		return domain.Space{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Space{}, err
	}
	return s, nil
}

// StageSpec describes one pipeline stage at proposal creation.
type StageSpec struct {
	Index     int
	Type      string
	Title     string
	Reviewers []domain.Reviewer
	Rubric    []domain.RubricCriterion
	Vote      *domain.VoteSettings
}

// ProposalCreateOptions are parameters for creating a proposal and its
// backing document.
type ProposalCreateOptions struct {
	ID         string
	SpaceID    string
	CategoryID string
	Title      string
	Path       string
	ParentDoc  string
	AuthorIDs  []string
	Stages     []StageSpec
	ActorID    string
}

func validStageType(t string) bool {
	switch t {
	case domain.StageFeedback, domain.StageRubric, domain.StagePassFail, domain.StageVote:
		return true
	}
	return false
}

// CreateProposal creates the proposal, its backing document and its
// pipeline, then projects initial grants. Stage indexes must be contiguous
// from zero.
func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (domain.Proposal, error) {
	if opts.SpaceID == "" {
		return domain.Proposal{}, invalidInput("space id required")
	}
	if opts.Title == "" {
		return domain.Proposal{}, invalidInput("title required")
	}
	if opts.ActorID == "" {
		return domain.Proposal{}, invalidInput("actor required")
	}
	specs := append([]StageSpec(nil), opts.Stages...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Index < specs[j].Index })
	for i, s := range specs {
		if s.Index != i {
			return domain.Proposal{}, invalidInput("stage indexes must be contiguous from zero, got %d at position %d", s.Index, i)
		}
		if !validStageType(s.Type) {
			return domain.Proposal{}, invalidInput("unknown stage type %q", s.Type)
		}
		if len(s.Rubric) > 0 && s.Type != domain.StageRubric {
			return domain.Proposal{}, invalidInput("rubric criteria only allowed on rubric stages")
		}
		if s.Vote != nil && s.Type != domain.StageVote {
			return domain.Proposal{}, invalidInput("vote settings only allowed on vote stages")
		}
	}
	if _, err := e.Repo.GetSpace(ctx, opts.SpaceID); err != nil {
		return domain.Proposal{}, wrapNotFound(err, "space")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.nowStr()
	p := domain.Proposal{
		ID:         id,
		SpaceID:    opts.SpaceID,
		CreatedBy:  opts.ActorID,
		CategoryID: optionalString(opts.CategoryID),
		Fields:     domain.ProposalFields{Version: 1},
		AuthorIDs:  opts.AuthorIDs,
		CreatedAt:  now,
	}
	path := opts.Path
	if path == "" {
		path = "/" + id
	}
	doc := domain.Document{
		ID:         uuid.NewString(),
		SpaceID:    opts.SpaceID,
		ProposalID: &p.ID,
		ParentID:   optionalString(opts.ParentDoc),
		Path:       path,
		Title:      opts.Title,
		CreatedAt:  now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDocumentTx(ctx, tx, doc); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	for _, s := range specs {
		stage := domain.EvaluationStage{
			ID:         uuid.NewString(),
			ProposalID: p.ID,
			Index:      s.Index,
			Type:       s.Type,
			Title:      s.Title,
			Reviewers:  s.Reviewers,
			Rubric:     s.Rubric,
			Vote:       e.voteSettings(s),
		}
		if err := e.Repo.InsertStageTx(ctx, tx, stage); err != nil {
			return domain.Proposal{}, err
		}
	}
	if err := e.Events.StatusChanged(ctx, tx, p.SpaceID, p.ID, doc.ID, opts.ActorID, domain.EventMeta{
		NewStatus: string(domain.StatusDraft),
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Projector.Run(ctx, tx, p.ID); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return e.Repo.GetProposal(ctx, p.ID)
}

// voteSettings fills config defaults into a vote stage spec.
func (e Engine) voteSettings(s StageSpec) *domain.VoteSettings {
	if s.Type != domain.StageVote {
		return nil
	}
	v := domain.VoteSettings{}
	if s.Vote != nil {
		v = *s.Vote
	}
	if len(v.Options) == 0 {
		v.Options = e.Config.Votes.DefaultOptions
	}
	if v.DurationDays == 0 {
		v.DurationDays = e.Config.Votes.DefaultDurationDays
	}
	if v.Threshold == 0 {
		v.Threshold = e.Config.Votes.DefaultThreshold
	}
	if v.MaxChoices == 0 {
		v.MaxChoices = 1
	}
	return &v
}

// PublishProposal moves the proposal out of draft. Publishing an already
// published proposal succeeds without effect.
func (e Engine) PublishProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return p, wrapNotFound(err, "proposal")
	}
	if p.Archived {
		return p, invalidState("proposal %s is archived", proposalID)
	}
	if p.Published() {
		return p, nil
	}
	if err := e.requireOwner(ctx, p, actorID); err != nil {
		return p, err
	}
	doc, err := e.Repo.GetDocumentByProposal(ctx, proposalID)
	if err != nil {
		return p, wrapNotFound(err, "document")
	}
	stages, err := e.Repo.ListStages(ctx, proposalID)
	if err != nil {
		return p, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.SetPublishedTx(ctx, tx, proposalID, now); err != nil {
		return p, wrapNotFound(err, "proposal")
	}
	newStatus := pipeline.DeriveStatus(true, stages, pipeline.VoteNone)
	meta := domain.EventMeta{
		OldStatus: string(domain.StatusDraft),
		NewStatus: string(newStatus),
	}
	if cur := pipeline.CurrentStage(stages); cur != nil {
		meta.NewStageID = &cur.ID
	}
	if err := e.Events.StatusChanged(ctx, tx, p.SpaceID, p.ID, doc.ID, actorID, meta); err != nil {
		return p, err
	}
	if err := e.Projector.Run(ctx, tx, proposalID); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetProposal(ctx, proposalID)
}

// SubmitOptions carry a stage decision.
type SubmitOptions struct {
	ProposalID string
	StageID    string
	Result     string
	DecidedBy  string
}

// SubmitResult records a stage decision. On pass the pipeline advances and,
// when it lands on a non-external vote stage, the vote is created inside the
// same transaction. Re-submitting the same result for a decided stage is a
// no-op; submitting a different one is rejected.
func (e Engine) SubmitResult(ctx context.Context, opts SubmitOptions) error {
	if opts.ProposalID == "" {
		return invalidInput("proposal id required")
	}
	if opts.Result != domain.ResultPass && opts.Result != domain.ResultFail {
		return invalidInput("result must be %q or %q, got %q", domain.ResultPass, domain.ResultFail, opts.Result)
	}
	p, err := e.Repo.GetProposal(ctx, opts.ProposalID)
	if err != nil {
		return wrapNotFound(err, "proposal")
	}
	if p.Archived {
		return invalidState("proposal %s is archived", opts.ProposalID)
	}
	if !p.Published() {
		return invalidState("proposal %s is not published", opts.ProposalID)
	}
	ok, err := e.Policy.CanReview(ctx, opts.DecidedBy, opts.ProposalID)
	if err != nil {
		return err
	}
	if !ok {
		return unauthorized("user %s has no reviewer standing on proposal %s", opts.DecidedBy, opts.ProposalID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stage, err := e.Repo.GetStageTx(ctx, tx, opts.StageID)
	if err != nil {
		return wrapNotFound(err, "stage")
	}
	if stage.ProposalID != opts.ProposalID {
		return notFound("stage")
	}
	if stage.Decided() {
		if *stage.Result == opts.Result {
			return nil
		}
		return invalidState("stage %s already decided as %s", stage.ID, *stage.Result)
	}

	before, err := e.Repo.ListStagesTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return err
	}
	// Stages decide strictly in pipeline order.
	if active := pipeline.CurrentStage(before); active == nil || active.ID != stage.ID {
		return invalidState("stage %s is not the current stage of proposal %s", stage.ID, opts.ProposalID)
	}
	now := e.nowStr()
	if err := e.Repo.SetStageResultTx(ctx, tx, stage.ID, opts.Result, opts.DecidedBy, now); err != nil {
		return err
	}
	stages, err := e.Repo.ListStagesTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return err
	}
	cur := pipeline.CurrentStage(stages)
	doc, err := e.Repo.GetDocumentByProposalTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return wrapNotFound(err, "document")
	}

	meta := domain.EventMeta{
		OldStageID: &stage.ID,
		OldStatus:  string(pipeline.DeriveStatus(p.Published(), before, pipeline.VoteNone)),
		NewStatus:  string(pipeline.DeriveStatus(p.Published(), stages, pipeline.VoteNone)),
	}
	if cur != nil {
		meta.NewStageID = &cur.ID
	}
	if err := e.Events.StatusChanged(ctx, tx, p.SpaceID, p.ID, doc.ID, opts.DecidedBy, meta); err != nil {
		return err
	}

	if opts.Result == domain.ResultPass && cur != nil && cur.Type == domain.StageVote && cur.Vote != nil && !cur.Vote.External {
		if err := e.createVoteTx(ctx, tx, *cur, doc, opts.DecidedBy); err != nil {
			return err
		}
	}
	if err := e.Projector.Run(ctx, tx, opts.ProposalID); err != nil {
		return err
	}
	return tx.Commit()
}

// createVoteTx creates the vote for a newly current vote stage. The
// existence check runs inside the caller's transaction, so a stage is never
// activated twice.
func (e Engine) createVoteTx(ctx context.Context, tx *sql.Tx, stage domain.EvaluationStage, doc domain.Document, actorID string) error {
	exists, err := e.Repo.HasVoteTx(ctx, tx, stage.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	settings := *stage.Vote
	deadline := e.now().UTC().AddDate(0, 0, settings.DurationDays)
	v := domain.Vote{
		ID:           uuid.NewString(),
		EvaluationID: stage.ID,
		DocumentID:   doc.ID,
		SpaceID:      doc.SpaceID,
		Options:      settings.Options,
		Threshold:    settings.Threshold,
		MaxChoices:   settings.MaxChoices,
		Type:         settings.Type,
		Deadline:     deadline.Format(time.RFC3339),
		Status:       "open",
		CreatedBy:    actorID,
		CreatedAt:    e.nowStr(),
	}
	if err := e.Repo.InsertVoteTx(ctx, tx, v); err != nil {
		return dependency("create vote", err)
	}
	return nil
}

// CloseVote records the outcome of an open vote and decides its stage in
// the same transaction: passed -> pass, rejected -> fail.
func (e Engine) CloseVote(ctx context.Context, evaluationID, outcome, actorID string) error {
	if outcome != "passed" && outcome != "rejected" {
		return invalidInput("outcome must be passed or rejected, got %q", outcome)
	}
	v, err := e.Repo.GetVoteByEvaluation(ctx, evaluationID)
	if err != nil {
		return wrapNotFound(err, "vote")
	}
	if v.Status == outcome {
		return nil
	}
	if v.Status != "open" {
		return invalidState("vote %s already closed as %s", v.ID, v.Status)
	}
	stage, err := e.Repo.GetStage(ctx, evaluationID)
	if err != nil {
		return wrapNotFound(err, "stage")
	}
	p, err := e.Repo.GetProposal(ctx, stage.ProposalID)
	if err != nil {
		return wrapNotFound(err, "proposal")
	}
	doc, err := e.Repo.GetDocumentByProposal(ctx, stage.ProposalID)
	if err != nil {
		return wrapNotFound(err, "document")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetVoteStatusTx(ctx, tx, v.ID, outcome); err != nil {
		return err
	}
	result := domain.ResultPass
	if outcome == "rejected" {
		result = domain.ResultFail
	}
	if err := e.Repo.SetStageResultTx(ctx, tx, stage.ID, result, actorID, e.nowStr()); err != nil {
		return err
	}
	stages, err := e.Repo.ListStagesTx(ctx, tx, stage.ProposalID)
	if err != nil {
		return err
	}
	meta := domain.EventMeta{
		OldStageID: &stage.ID,
		OldStatus:  string(domain.StatusVoteActive),
		NewStatus:  string(pipeline.DeriveStatus(p.Published(), stages, pipeline.VoteClosed)),
	}
	if cur := pipeline.CurrentStage(stages); cur != nil {
		meta.NewStageID = &cur.ID
	}
	if err := e.Events.StatusChanged(ctx, tx, p.SpaceID, p.ID, doc.ID, actorID, meta); err != nil {
		return err
	}
	if err := e.Projector.Run(ctx, tx, stage.ProposalID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStageReviewers replaces the reviewer set of an undecided stage and
// reprojects grants. Only authors and space admins may edit reviewers.
func (e Engine) UpdateStageReviewers(ctx context.Context, proposalID, stageID string, reviewers []domain.Reviewer, actorID string) error {
	_, stage, err := e.editableStage(ctx, proposalID, stageID, actorID)
	if err != nil {
		return err
	}
	for _, r := range reviewers {
		if err := validReviewer(r); err != nil {
			return err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.ReplaceStageReviewersTx(ctx, tx, stage.ID, reviewers); err != nil {
		return err
	}
	if err := e.Projector.Run(ctx, tx, proposalID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateVoteSettings reconfigures an undecided vote stage.
func (e Engine) UpdateVoteSettings(ctx context.Context, proposalID, stageID string, settings domain.VoteSettings, actorID string) error {
	_, stage, err := e.editableStage(ctx, proposalID, stageID, actorID)
	if err != nil {
		return err
	}
	if stage.Type != domain.StageVote {
		return invalidState("stage %s is not a vote stage", stageID)
	}
	if settings.Threshold < 0 || settings.Threshold > 100 {
		return invalidInput("threshold must be 0-100, got %d", settings.Threshold)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateVoteSettingsTx(ctx, tx, stage.ID, settings); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) editableStage(ctx context.Context, proposalID, stageID, actorID string) (domain.Proposal, domain.EvaluationStage, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return p, domain.EvaluationStage{}, wrapNotFound(err, "proposal")
	}
	if p.Archived {
		return p, domain.EvaluationStage{}, invalidState("proposal %s is archived", proposalID)
	}
	if err := e.requireOwner(ctx, p, actorID); err != nil {
		return p, domain.EvaluationStage{}, err
	}
	stage, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return p, stage, wrapNotFound(err, "stage")
	}
	if stage.ProposalID != proposalID {
		return p, stage, notFound("stage")
	}
	if stage.Decided() {
		return p, stage, invalidState("stage %s is decided, editing is locked", stageID)
	}
	return p, stage, nil
}

func validReviewer(r domain.Reviewer) error {
	n := 0
	if r.UserID != nil {
		n++
	}
	if r.RoleID != nil {
		n++
	}
	if r.SpaceWide {
		n++
	}
	if n != 1 {
		return invalidInput("reviewer must name exactly one of user, role or space")
	}
	return nil
}

// AddAuthor adds a co-author and reprojects grants.
func (e Engine) AddAuthor(ctx context.Context, proposalID, userID, actorID string) error {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return wrapNotFound(err, "proposal")
	}
	if p.Archived {
		return invalidState("proposal %s is archived", proposalID)
	}
	if err := e.requireOwner(ctx, p, actorID); err != nil {
		return err
	}
	member, err := e.Repo.IsMember(ctx, p.SpaceID, userID)
	if err != nil {
		return err
	}
	if !member {
		return invalidInput("user %s is not a member of space %s", userID, p.SpaceID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AddAuthorTx(ctx, tx, proposalID, userID); err != nil {
		return err
	}
	if err := e.Projector.Run(ctx, tx, proposalID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetArchived toggles archival. Archived proposals reject every mutation and
// drop out of notification derivation.
func (e Engine) SetArchived(ctx context.Context, proposalID string, archived bool, actorID string) error {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return wrapNotFound(err, "proposal")
	}
	if err := e.requireOwner(ctx, p, actorID); err != nil {
		return err
	}
	return wrapNotFound(e.Repo.SetArchived(ctx, proposalID, archived), "proposal")
}

// UpdateFields replaces the typed fields block (reward bookkeeping).
func (e Engine) UpdateFields(ctx context.Context, proposalID string, fields domain.ProposalFields, actorID string) error {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return wrapNotFound(err, "proposal")
	}
	if p.Archived {
		return invalidState("proposal %s is archived", proposalID)
	}
	if err := e.requireOwner(ctx, p, actorID); err != nil {
		return err
	}
	if fields.Version == 0 {
		fields.Version = 1
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProposalFieldsTx(ctx, tx, proposalID, fields); err != nil {
		return err
	}
	return tx.Commit()
}

// ScoreOptions carry one rubric answer.
type ScoreOptions struct {
	ProposalID     string
	StageID        string
	CriterionIndex int
	Score          int
	Comment        string
	ReviewerID     string
}

// SubmitScore records a reviewer's rubric answer for the current stage.
func (e Engine) SubmitScore(ctx context.Context, opts ScoreOptions) error {
	p, err := e.Repo.GetProposal(ctx, opts.ProposalID)
	if err != nil {
		return wrapNotFound(err, "proposal")
	}
	if p.Archived {
		return invalidState("proposal %s is archived", opts.ProposalID)
	}
	stage, err := e.Repo.GetStage(ctx, opts.StageID)
	if err != nil {
		return wrapNotFound(err, "stage")
	}
	if stage.ProposalID != opts.ProposalID {
		return notFound("stage")
	}
	if stage.Type != domain.StageRubric {
		return invalidState("stage %s is not a rubric stage", opts.StageID)
	}
	if stage.Decided() {
		return invalidState("stage %s is decided, scoring is closed", opts.StageID)
	}
	var criterion *domain.RubricCriterion
	for i := range stage.Rubric {
		if stage.Rubric[i].Index == opts.CriterionIndex {
			criterion = &stage.Rubric[i]
			break
		}
	}
	if criterion == nil {
		return invalidInput("criterion %d does not exist on stage %s", opts.CriterionIndex, opts.StageID)
	}
	if opts.Score < criterion.Min || opts.Score > criterion.Max {
		return invalidInput("score %d outside range %d-%d", opts.Score, criterion.Min, criterion.Max)
	}
	ok, err := e.Policy.CanReview(ctx, opts.ReviewerID, opts.ProposalID)
	if err != nil {
		return err
	}
	if !ok {
		return unauthorized("user %s has no reviewer standing on proposal %s", opts.ReviewerID, opts.ProposalID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	score := domain.RubricScore{
		ID:             uuid.NewString(),
		EvaluationID:   stage.ID,
		CriterionIndex: opts.CriterionIndex,
		ReviewerID:     opts.ReviewerID,
		Score:          opts.Score,
		Comment:        opts.Comment,
		CreatedAt:      e.nowStr(),
	}
	if err := e.Repo.UpsertScore(ctx, tx, score); err != nil {
		return err
	}
	return tx.Commit()
}

// Status derives the proposal's current lifecycle status from live data.
func (e Engine) Status(ctx context.Context, proposalID string) (domain.Status, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return "", wrapNotFound(err, "proposal")
	}
	stages, err := e.Repo.ListStages(ctx, proposalID)
	if err != nil {
		return "", err
	}
	vote := pipeline.VoteNone
	if cur := pipeline.CurrentStage(stages); cur != nil && cur.Type == domain.StageVote {
		v, err := e.Repo.GetVoteByEvaluation(ctx, cur.ID)
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

// FlowFlags returns the transitions the viewer may invoke.
func (e Engine) FlowFlags(ctx context.Context, proposalID, viewerID string) (map[domain.Status]bool, error) {
	flags, err := e.Flow.Flags(ctx, proposalID, viewerID)
	if err != nil {
		return nil, wrapNotFound(err, "proposal")
	}
	return flags, nil
}

func (e Engine) requireOwner(ctx context.Context, p domain.Proposal, actorID string) error {
	if actorID == "" {
		return unauthorized("authentication required")
	}
	if p.CreatedBy == actorID {
		return nil
	}
	for _, a := range p.AuthorIDs {
		if a == actorID {
			return nil
		}
	}
	admin, err := e.Repo.IsSpaceAdmin(ctx, p.SpaceID, actorID)
	if err != nil {
		return err
	}
	if !admin {
		return unauthorized("user %s may not modify proposal %s", actorID, p.ID)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
